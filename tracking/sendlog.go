package tracking

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/store"
)

// SendLog records one entry per attempted (channel, sub-endpoint) send and
// answers trailing-window queries. Log writes are best effort: a failing
// store never blocks the broadcast path.
type SendLog struct {
	store  store.SendLogStore
	clock  clock.Clock
	logger logger.Interface
}

// NewSendLog creates a send log on the given store.
func NewSendLog(logStore store.SendLogStore, clk clock.Clock, log logger.Interface) *SendLog {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.Discard
	}
	return &SendLog{store: logStore, clock: clk, logger: log}
}

// Record persists one ChannelResult as a SendLogEntry.
func (l *SendLog) Record(ctx context.Context, messageID string, result core.ChannelResult) {
	entry := core.SendLogEntry{
		MessageID: messageID,
		Channel:   result.Channel,
		Endpoint:  result.Endpoint,
		Success:   result.Success,
		Latency:   result.Latency,
		Error:     result.Error(),
		SentAt:    l.clock.Now(),
	}
	if err := l.store.AppendSendLog(ctx, entry); err != nil {
		l.logger.Error(ctx, "send log write failed",
			"message_id", messageID, "channel", result.Channel, "error", err)
	}
}

// Window returns the entries sent within the trailing window [now-window, now].
func (l *SendLog) Window(ctx context.Context, window time.Duration) ([]core.SendLogEntry, error) {
	now := l.clock.Now()
	return l.store.SendLogWindow(ctx, now.Add(-window), now)
}

// RateByChannel counts the entries per (channel, sub-endpoint) key in the
// trailing window, a cheap input for rate analysis.
func (l *SendLog) RateByChannel(ctx context.Context, window time.Duration) (map[string]int, error) {
	entries, err := l.Window(ctx, window)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(entries))
	for _, entry := range entries {
		counts[core.EndpointKey(entry.Channel, entry.Endpoint)]++
	}
	return counts, nil
}
