package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind distinguishes payload-carrying messages from acknowledgments.
type MessageKind string

const (
	// KindMessage is a regular payload-carrying message.
	KindMessage MessageKind = "message"
	// KindAcknowledgment confirms receipt of another message and carries
	// no further acknowledgment obligation.
	KindAcknowledgment MessageKind = "acknowledgment"
)

// Message is the logical unit of delivery. A message is immutable once
// created; ID is the sole identity key across channels, so the same message
// may legitimately arrive more than once via different channels.
type Message struct {
	ID            string      `json:"id"`
	Kind          MessageKind `json:"kind"`
	Content       string      `json:"content"`
	CreatedAt     int64       `json:"createdAt"` // epoch milliseconds
	SenderLocator string      `json:"senderLocator"`

	// Acknowledgment fields, set only when Kind == KindAcknowledgment.
	AckTargetID        string           `json:"ackTargetId,omitempty"`
	AckReceivedAt      int64            `json:"ackReceivedAt,omitempty"`
	AckReceivedVia     string           `json:"ackReceivedVia,omitempty"`
	ChannelPreferences []PreferenceHint `json:"channelPreferences,omitempty"`
}

// PreferenceHint is an explicit channel preference a peer states inside an
// acknowledgment. Explicit hints take precedence over learned reliability
// data for the same (peer, channel).
type PreferenceHint struct {
	ChannelName     string `json:"channelName"`
	PreferenceOrder *int   `json:"preferenceOrder,omitempty"`
	CannotUse       bool   `json:"cannotUse"`
	CustomEndpoint  string `json:"customEndpoint,omitempty"`
}

// NewMessage creates a payload-carrying message addressed from senderLocator.
func NewMessage(content, senderLocator string) *Message {
	return &Message{
		ID:            uuid.NewString(),
		Kind:          KindMessage,
		Content:       content,
		CreatedAt:     time.Now().UnixMilli(),
		SenderLocator: senderLocator,
	}
}

// NewAcknowledgment creates the acknowledgment for an inbound message. The
// acknowledgment gets its own ID; the original message is referenced through
// AckTargetID. Callers must never acknowledge an acknowledgment.
func NewAcknowledgment(original *Message, selfLocator, receivedVia string, prefs []PreferenceHint) *Message {
	now := time.Now().UnixMilli()
	return &Message{
		ID:                 uuid.NewString(),
		Kind:               KindAcknowledgment,
		CreatedAt:          now,
		SenderLocator:      selfLocator,
		AckTargetID:        original.ID,
		AckReceivedAt:      now,
		AckReceivedVia:     receivedVia,
		ChannelPreferences: prefs,
	}
}

// IsAcknowledgment reports whether the message is an acknowledgment.
func (m *Message) IsAcknowledgment() bool {
	return m.Kind == KindAcknowledgment
}

// Validate checks the wire-format invariants.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message: missing id")
	}
	switch m.Kind {
	case KindMessage:
	case KindAcknowledgment:
		if m.AckTargetID == "" {
			return fmt.Errorf("message %s: acknowledgment missing ackTargetId", m.ID)
		}
		if m.AckReceivedVia == "" {
			return fmt.Errorf("message %s: acknowledgment missing ackReceivedVia", m.ID)
		}
	default:
		return fmt.Errorf("message %s: unknown kind %q", m.ID, m.Kind)
	}
	if m.SenderLocator == "" {
		return fmt.Errorf("message %s: missing senderLocator", m.ID)
	}
	return nil
}

// Marshal encodes the message into its JSON wire format.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes and validates a wire-format message.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ChannelResult is the outcome of one attempted send on one
// (channel, sub-endpoint) pair. Results are ephemeral: the broadcaster folds
// them into the send log and the performance tracker immediately.
type ChannelResult struct {
	Channel  string        `json:"channel"`
	Endpoint string        `json:"endpoint,omitempty"`
	Success  bool          `json:"success"`
	Latency  time.Duration `json:"latency"`
	Err      error         `json:"-"`

	// RateLimited is set by the broadcaster after classification, so the
	// tracking decorator does not have to re-classify the error.
	RateLimited bool `json:"rate_limited,omitempty"`
}

// Error returns the error text, or "" for a successful result.
func (r ChannelResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Key returns the tracking key for the result's (channel, sub-endpoint) pair.
func (r ChannelResult) Key() string {
	return EndpointKey(r.Channel, r.Endpoint)
}

// EndpointKey builds the canonical map key for a (channel, sub-endpoint)
// pair. A channel without sub-endpoints uses the bare channel name.
func EndpointKey(channel, endpoint string) string {
	if endpoint == "" {
		return channel
	}
	return channel + "/" + endpoint
}

// SendLogEntry is the persisted record of one ChannelResult, used for
// time-windowed rate analysis.
type SendLogEntry struct {
	MessageID string        `json:"message_id"`
	Channel   string        `json:"channel"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	SentAt    time.Time     `json:"sent_at"`
}

// CooldownEntry records an active cooldown for a (channel, sub-endpoint)
// pair. Entries are removed lazily on the first check after expiry.
type CooldownEntry struct {
	Channel        string    `json:"channel"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Reason         string    `json:"reason"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	LastNotifiedAt time.Time `json:"last_notified_at"`
}

// Remaining returns the time left on the cooldown at now.
func (e CooldownEntry) Remaining(now time.Time) time.Duration {
	return e.CooldownUntil.Sub(now)
}

// PerformanceRecord holds running statistics for one (channel, sub-endpoint)
// pair. Updated incrementally after every ChannelResult; writes to one key
// are serialized by the tracker.
type PerformanceRecord struct {
	Channel             string        `json:"channel"`
	Endpoint            string        `json:"endpoint,omitempty"`
	TotalSent           int64         `json:"total_sent"`
	TotalSuccess        int64         `json:"total_success"`
	TotalFailed         int64         `json:"total_failed"`
	TotalRateLimited    int64         `json:"total_rate_limited"`
	AvgLatency          time.Duration `json:"avg_latency"`
	MinLatency          time.Duration `json:"min_latency"`
	MaxLatency          time.Duration `json:"max_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Available           bool          `json:"available"`
	LastSuccessAt       time.Time     `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitempty"`
	LastRateLimitAt     time.Time     `json:"last_rate_limit_at,omitempty"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ReceiptRecord records one arrival of a message on one channel. Multiple
// receipts per message ID are expected; the minimum ReceivedAt is the first
// receipt.
type ReceiptRecord struct {
	MessageID  string        `json:"message_id"`
	Channel    string        `json:"channel"`
	Endpoint   string        `json:"endpoint,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
	Latency    time.Duration `json:"latency"` // delay behind the first receipt
}

// ChannelPreference is the per-(peer, channel) reliability record maintained
// by the preference learner. Explicit peer-stated preferences win over
// learned values.
type ChannelPreference struct {
	PeerLocator     string        `json:"peer_locator"`
	Channel         string        `json:"channel"`
	IsWorking       bool          `json:"is_working"`
	LastAckAt       time.Time     `json:"last_ack_at,omitempty"`
	AvgLatency      time.Duration `json:"avg_latency"`
	AckCount        int64         `json:"ack_count"`
	PreferenceOrder int           `json:"preference_order"` // 0 = unranked
	CannotUse       bool          `json:"cannot_use"`
	CustomEndpoint  string        `json:"custom_endpoint,omitempty"`
	Explicit        bool          `json:"explicit"` // set by a peer-stated hint
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SendOutcome is what a channel adapter reports for one sub-endpoint attempt.
type SendOutcome struct {
	Endpoint string
	Success  bool
	Latency  time.Duration
	Err      error
}

// Adapter is the transport contract consumed by the broadcaster and the
// deliverer. An adapter may fan out to several sub-endpoints internally and
// must bound every send with its own timeout.
type Adapter interface {
	// Name returns the channel name, unique within a client.
	Name() string

	// Endpoints lists the configured sub-endpoints. An adapter with a
	// single implicit endpoint returns nil.
	Endpoints() []string

	// IsSupported reports whether the channel can run in this
	// environment. Consulted once at startup to build the enabled set.
	IsSupported() bool

	// Send delivers the payload to the recipient via the given
	// sub-endpoint ("" for single-endpoint channels).
	Send(ctx context.Context, recipientLocator string, payload []byte, endpoint string) SendOutcome

	// Subscribe registers the inbound handler for messages addressed to
	// selfLocator. The handler receives the raw payload and the
	// sub-endpoint it arrived on.
	Subscribe(ctx context.Context, selfLocator string, handler func(payload []byte, endpoint string)) error

	// Shutdown releases transport resources.
	Shutdown() error
}
