package deliver

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/store"
)

// Learner maintains the per-(peer, channel) reliability ranking from the
// acknowledgment half of the dedup protocol. Explicit preferences a peer
// states inside an acknowledgment always win over learned values; learning
// only fills the channels the peer has not ranked.
type Learner struct {
	store  store.PreferenceStore
	clock  clock.Clock
	logger logger.Interface
}

// NewLearner creates a preference learner on the given store.
func NewLearner(prefStore store.PreferenceStore, clk clock.Clock, log logger.Interface) *Learner {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.Discard
	}
	return &Learner{store: prefStore, clock: clk, logger: log}
}

// OnAcknowledgment records that channelName worked for peerLocator. The
// latency mean is an exact running mean over observed acknowledgments.
// Explicit ranking fields on an existing record are left untouched.
func (l *Learner) OnAcknowledgment(ctx context.Context, peerLocator, channelName string, latency time.Duration) {
	now := l.clock.Now()

	pref, err := l.store.GetPreference(ctx, peerLocator, channelName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pref = &core.ChannelPreference{
			PeerLocator: peerLocator,
			Channel:     channelName,
		}
	case err != nil:
		l.logger.Error(ctx, "preference read failed",
			"peer", peerLocator, "channel", channelName, "error", err)
		return
	}

	pref.IsWorking = true
	pref.LastAckAt = now
	if latency > 0 {
		pref.AckCount++
		pref.AvgLatency += (latency - pref.AvgLatency) / time.Duration(pref.AckCount)
	}
	pref.UpdatedAt = now

	if err := l.store.SavePreference(ctx, *pref); err != nil {
		l.logger.Error(ctx, "preference write failed",
			"peer", peerLocator, "channel", channelName, "error", err)
	}
}

// ApplyHints stores the explicit preferences carried inside an
// acknowledgment. Hints overwrite the ranking fields and mark the record
// explicit; learned latency statistics survive.
func (l *Learner) ApplyHints(ctx context.Context, peerLocator string, hints []core.PreferenceHint) {
	now := l.clock.Now()

	for _, hint := range hints {
		if hint.ChannelName == "" {
			continue
		}
		pref, err := l.store.GetPreference(ctx, peerLocator, hint.ChannelName)
		switch {
		case errors.Is(err, store.ErrNotFound):
			pref = &core.ChannelPreference{
				PeerLocator: peerLocator,
				Channel:     hint.ChannelName,
			}
		case err != nil:
			l.logger.Error(ctx, "preference read failed",
				"peer", peerLocator, "channel", hint.ChannelName, "error", err)
			continue
		}

		pref.Explicit = true
		pref.CannotUse = hint.CannotUse
		pref.CustomEndpoint = hint.CustomEndpoint
		if hint.PreferenceOrder != nil {
			pref.PreferenceOrder = *hint.PreferenceOrder
		}
		pref.UpdatedAt = now

		if err := l.store.SavePreference(ctx, *pref); err != nil {
			l.logger.Error(ctx, "preference write failed",
				"peer", peerLocator, "channel", hint.ChannelName, "error", err)
		}
	}
}

// Preferences returns the peer's channels ordered by preference: explicit
// ranking first, then ascending learned latency.
func (l *Learner) Preferences(ctx context.Context, peerLocator string) ([]core.ChannelPreference, error) {
	return l.store.PreferencesByPeer(ctx, peerLocator)
}

// Hints renders the local preference table for a peer as wire-format hints,
// the payload an outbound acknowledgment carries.
func (l *Learner) Hints(ctx context.Context, peerLocator string) []core.PreferenceHint {
	prefs, err := l.store.PreferencesByPeer(ctx, peerLocator)
	if err != nil {
		l.logger.Error(ctx, "preference list failed", "peer", peerLocator, "error", err)
		return nil
	}

	hints := make([]core.PreferenceHint, 0, len(prefs))
	for _, pref := range prefs {
		hint := core.PreferenceHint{
			ChannelName:    pref.Channel,
			CannotUse:      pref.CannotUse,
			CustomEndpoint: pref.CustomEndpoint,
		}
		if pref.PreferenceOrder > 0 {
			order := pref.PreferenceOrder
			hint.PreferenceOrder = &order
		}
		hints = append(hints, hint)
	}
	return hints
}
