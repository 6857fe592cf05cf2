package broadcast

import (
	"context"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/tracking"
)

// TrackingBroadcaster decorates a Sender with performance tracking and send
// logging. Composition instead of subclassing keeps the base fan-out and the
// tracking layer independently testable; tracking failures never affect the
// returned results.
type TrackingBroadcaster struct {
	next    Sender
	tracker *tracking.Tracker
	sendLog *tracking.SendLog
	logger  logger.Interface
}

// NewTrackingBroadcaster wraps next with tracking.
func NewTrackingBroadcaster(next Sender, tracker *tracking.Tracker, sendLog *tracking.SendLog, log logger.Interface) *TrackingBroadcaster {
	if log == nil {
		log = logger.Discard
	}
	return &TrackingBroadcaster{
		next:    next,
		tracker: tracker,
		sendLog: sendLog,
		logger:  log,
	}
}

// Broadcast delegates to the wrapped sender, then folds every result into
// the performance tracker and the send log.
func (t *TrackingBroadcaster) Broadcast(ctx context.Context, recipientLocator string, msg *core.Message) (*core.BroadcastResults, error) {
	results, err := t.next.Broadcast(ctx, recipientLocator, msg)
	if err != nil {
		return results, err
	}

	for _, result := range results.Results {
		if t.tracker != nil {
			t.tracker.Update(result.Channel, result.Endpoint, tracking.Update{
				Success:     result.Success,
				Latency:     result.Latency,
				RateLimited: result.RateLimited,
			})
		}
		if t.sendLog != nil {
			t.sendLog.Record(ctx, msg.ID, result)
		}
	}
	return results, nil
}
