// Package store defines the persistence contracts consumed by the
// broadcaster, the deliverer and the trackers, plus an in-memory default.
// Durable backends live in store/sqlite and store/redis.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/manycast/manycast/core"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// MessageStore persists messages and their receipts. SaveMessage must be
// insert-or-ignore on a duplicate ID: re-delivery of the same message over
// another channel is a normal event, not a conflict.
type MessageStore interface {
	// SaveMessage inserts the message, ignoring duplicates. It reports
	// whether the message was newly inserted.
	SaveMessage(ctx context.Context, msg *core.Message) (bool, error)

	// GetMessage returns the stored message or ErrNotFound.
	GetMessage(ctx context.Context, id string) (*core.Message, error)

	// SaveReceipt appends one arrival record for a message.
	SaveReceipt(ctx context.Context, receipt core.ReceiptRecord) error

	// ReceiptsByMessage lists all receipts for a message, oldest first.
	ReceiptsByMessage(ctx context.Context, messageID string) ([]core.ReceiptRecord, error)
}

// SendLogStore persists one entry per attempted (channel, sub-endpoint) send
// and serves time-windowed queries for rate analysis.
type SendLogStore interface {
	// AppendSendLog records one send attempt.
	AppendSendLog(ctx context.Context, entry core.SendLogEntry) error

	// SendLogWindow returns entries with SentAt in [from, to], oldest
	// first.
	SendLogWindow(ctx context.Context, from, to time.Time) ([]core.SendLogEntry, error)
}

// PreferenceStore persists per-(peer, channel) reliability records.
type PreferenceStore interface {
	// SavePreference inserts or replaces one preference record.
	SavePreference(ctx context.Context, pref core.ChannelPreference) error

	// GetPreference returns the record for (peer, channel) or ErrNotFound.
	GetPreference(ctx context.Context, peerLocator, channel string) (*core.ChannelPreference, error)

	// PreferencesByPeer lists a peer's records ordered by preference:
	// explicit ranking first, then ascending learned latency.
	PreferencesByPeer(ctx context.Context, peerLocator string) ([]core.ChannelPreference, error)
}

// StateStore mirrors the process-wide cooldown and performance state so it
// can be shared or inspected out of process. The in-memory registries stay
// authoritative; mirror failures are logged and swallowed.
type StateStore interface {
	// SaveCooldown inserts or replaces one cooldown entry.
	SaveCooldown(ctx context.Context, entry core.CooldownEntry) error

	// DeleteCooldown removes the entry for (channel, endpoint).
	DeleteCooldown(ctx context.Context, channel, endpoint string) error

	// ListCooldowns lists all mirrored cooldown entries.
	ListCooldowns(ctx context.Context) ([]core.CooldownEntry, error)

	// SavePerformance inserts or replaces one performance record.
	SavePerformance(ctx context.Context, record core.PerformanceRecord) error

	// ListPerformance lists all mirrored performance records.
	ListPerformance(ctx context.Context) ([]core.PerformanceRecord, error)
}

// Store is the full persistence surface the client wires together. A single
// backend usually implements all of it, but components depend only on the
// slice they use.
type Store interface {
	MessageStore
	SendLogStore
	PreferenceStore

	// Close releases backend resources.
	Close() error
}
