// Package deliver is the receive side: it subscribes on every enabled
// channel, deduplicates inbound messages by ID, persists receipts, fires the
// application callback exactly once per unique message, and synthesizes
// acknowledgments. An inbound acknowledgment never produces another
// acknowledgment.
package deliver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manycast/manycast/channel"
	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/observability"
	"github.com/manycast/manycast/store"
)

// Sender is the outbound primitive the deliverer hands acknowledgments to.
// It matches broadcast.Sender; the indirection keeps the receive side
// testable without a live broadcaster.
type Sender interface {
	Broadcast(ctx context.Context, recipientLocator string, msg *core.Message) (*core.BroadcastResults, error)
}

// Callback receives each unique message exactly once, with the channel it
// first arrived on.
type Callback func(msg *core.Message, channelName string)

// Options configures a deliverer.
type Options struct {
	Store       store.MessageStore
	Learner     *Learner
	Sender      Sender
	Registry    *channel.Registry
	SelfLocator string
	Clock       clock.Clock
	Logger      logger.Interface
	Telemetry   *observability.Telemetry
}

// Deliverer runs the dedup + acknowledgment state machine keyed by message
// ID. The in-process firstSeen map is authoritative for exactly-once
// delivery; the store persists messages and receipts but its health never
// blocks the delivery path.
type Deliverer struct {
	store       store.MessageStore
	learner     *Learner
	sender      Sender
	registry    *channel.Registry
	selfLocator string
	clock       clock.Clock
	logger      logger.Interface
	telemetry   *observability.Telemetry

	mu        sync.Mutex
	firstSeen map[string]time.Time
	callbacks []Callback
}

// NewDeliverer creates a deliverer. Store, Learner, Sender, Registry and
// SelfLocator are required.
func NewDeliverer(opts *Options) (*Deliverer, error) {
	if opts == nil || opts.Store == nil || opts.Learner == nil || opts.Sender == nil || opts.Registry == nil {
		return nil, fmt.Errorf("deliver: store, learner, sender and registry are required")
	}
	if opts.SelfLocator == "" {
		return nil, fmt.Errorf("deliver: self locator is required")
	}
	d := &Deliverer{
		store:       opts.Store,
		learner:     opts.Learner,
		sender:      opts.Sender,
		registry:    opts.Registry,
		selfLocator: opts.SelfLocator,
		clock:       opts.Clock,
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
		firstSeen:   make(map[string]time.Time),
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.logger == nil {
		d.logger = logger.Discard
	}
	return d, nil
}

// OnMessage registers an application callback. Every callback fires exactly
// once per unique message ID, on the first receipt.
func (d *Deliverer) OnMessage(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callbacks = append(d.callbacks, cb)
}

// Start subscribes on every enabled channel. Adapters invoke the handler on
// their own receive task, so channels deliver independently.
func (d *Deliverer) Start(ctx context.Context) error {
	for _, adapter := range d.registry.Enabled() {
		name := adapter.Name()
		handler := func(payload []byte, endpoint string) {
			d.HandleRaw(ctx, payload, name, endpoint)
		}
		if err := adapter.Subscribe(ctx, d.selfLocator, handler); err != nil {
			return fmt.Errorf("subscribe on channel %s: %w", name, err)
		}
	}
	return nil
}

// HandleRaw decodes one inbound payload and runs the dedup state machine.
// Malformed payloads are dropped with a log line.
func (d *Deliverer) HandleRaw(ctx context.Context, payload []byte, channelName, endpoint string) {
	msg, err := core.UnmarshalMessage(payload)
	if err != nil {
		d.logger.Warn(ctx, "dropping malformed inbound payload", "channel", channelName, "error", err)
		return
	}
	d.Handle(ctx, msg, channelName, endpoint)
}

// Handle runs one inbound message through the state machine:
//
//	Unknown -> Known  persist message + first receipt, fire callbacks once,
//	                  acknowledge (unless the message is an acknowledgment)
//	Known -> Known    persist one more receipt with its delay, nothing else
//
// Acknowledgment metadata routes to the learner in either state; that path
// emits no outbound traffic.
func (d *Deliverer) Handle(ctx context.Context, msg *core.Message, channelName, endpoint string) {
	now := d.clock.Now()

	d.mu.Lock()
	first, known := d.firstSeen[msg.ID]
	if !known {
		d.firstSeen[msg.ID] = now
	}
	callbacks := make([]Callback, len(d.callbacks))
	copy(callbacks, d.callbacks)
	d.mu.Unlock()

	if known {
		d.recordReceipt(ctx, msg.ID, channelName, endpoint, now, now.Sub(first))
		d.telemetry.RecordReceive(ctx, channelName, true)
		d.logger.Debug(ctx, "duplicate receipt folded",
			"message_id", msg.ID, "channel", channelName, "delay", now.Sub(first))
		d.routeAcknowledgment(ctx, msg)
		return
	}

	// First receipt: persist, notify, acknowledge.
	if _, err := d.store.SaveMessage(ctx, msg); err != nil {
		// Delivery correctness must not depend on store health.
		d.logger.Error(ctx, "message persist failed", "message_id", msg.ID, "error", err)
	}
	d.recordReceipt(ctx, msg.ID, channelName, endpoint, now, 0)
	d.telemetry.RecordReceive(ctx, channelName, false)

	for _, cb := range callbacks {
		cb(msg, channelName)
	}

	// The kind check gates acknowledgment synthesis unconditionally:
	// acknowledging an acknowledgment would loop forever.
	if !msg.IsAcknowledgment() {
		d.acknowledge(ctx, msg, channelName)
	}

	d.routeAcknowledgment(ctx, msg)
}

// FirstSeen reports when the message was first received, if ever.
func (d *Deliverer) FirstSeen(messageID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.firstSeen[messageID]
	return t, ok
}

func (d *Deliverer) recordReceipt(ctx context.Context, messageID, channelName, endpoint string, at time.Time, delay time.Duration) {
	receipt := core.ReceiptRecord{
		MessageID:  messageID,
		Channel:    channelName,
		Endpoint:   endpoint,
		ReceivedAt: at,
		Latency:    delay,
	}
	if err := d.store.SaveReceipt(ctx, receipt); err != nil {
		d.logger.Error(ctx, "receipt persist failed", "message_id", messageID, "error", err)
	}
}

// acknowledge synthesizes and broadcasts the acknowledgment for an inbound
// payload message. Broadcast failures are logged; the peer will retry over
// its other channels anyway.
func (d *Deliverer) acknowledge(ctx context.Context, msg *core.Message, receivedVia string) {
	hints := d.learner.Hints(ctx, msg.SenderLocator)
	ack := core.NewAcknowledgment(msg, d.selfLocator, receivedVia, hints)

	results, err := d.sender.Broadcast(ctx, msg.SenderLocator, ack)
	if err != nil {
		d.logger.Error(ctx, "acknowledgment broadcast failed",
			"message_id", msg.ID, "ack_id", ack.ID, "error", err)
		return
	}
	if !results.AnySuccess() {
		d.logger.Warn(ctx, "acknowledgment reached no channel",
			"message_id", msg.ID, "ack_id", ack.ID, "attempted", results.Total())
	}
}

// routeAcknowledgment feeds acknowledgment metadata to the preference
// learner. This path never emits outbound network traffic.
func (d *Deliverer) routeAcknowledgment(ctx context.Context, msg *core.Message) {
	if !msg.IsAcknowledgment() {
		return
	}

	latency := d.roundTripLatency(ctx, msg)
	if msg.AckReceivedVia != "" {
		d.learner.OnAcknowledgment(ctx, msg.SenderLocator, msg.AckReceivedVia, latency)
	}
	if len(msg.ChannelPreferences) > 0 {
		d.learner.ApplyHints(ctx, msg.SenderLocator, msg.ChannelPreferences)
	}
}

// roundTripLatency estimates how long the acknowledged message took to reach
// the peer, from our send time to the peer's receipt time. Zero when the
// original message is unknown.
func (d *Deliverer) roundTripLatency(ctx context.Context, ack *core.Message) time.Duration {
	original, err := d.store.GetMessage(ctx, ack.AckTargetID)
	if err != nil || ack.AckReceivedAt == 0 {
		return 0
	}
	latency := time.Duration(ack.AckReceivedAt-original.CreatedAt) * time.Millisecond
	if latency < 0 {
		return 0
	}
	return latency
}
