package deliver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manycast/manycast/channel"
	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/store"
)

// recordingSender captures broadcast calls made by the deliverer.
type recordingSender struct {
	mu    sync.Mutex
	calls []sentAck
}

type sentAck struct {
	recipient string
	msg       *core.Message
}

func (s *recordingSender) Broadcast(ctx context.Context, recipientLocator string, msg *core.Message) (*core.BroadcastResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, sentAck{recipient: recipientLocator, msg: msg})
	results := core.NewBroadcastResults(msg.ID)
	results.Add(core.ChannelResult{Channel: "relay", Success: true})
	return results, nil
}

func (s *recordingSender) sent() []sentAck {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make([]sentAck, len(s.calls))
	copy(calls, s.calls)
	return calls
}

type delivererFixture struct {
	deliverer *Deliverer
	store     *store.MemoryStore
	learner   *Learner
	sender    *recordingSender
	clock     *clock.Mock
}

func newDelivererFixture(t *testing.T) *delivererFixture {
	t.Helper()

	mock := clock.NewMock()
	mem := store.NewMemoryStore()
	learner := NewLearner(mem, mock, nil)
	sender := &recordingSender{}

	d, err := NewDeliverer(&Options{
		Store:       mem,
		Learner:     learner,
		Sender:      sender,
		Registry:    channel.NewRegistry(nil),
		SelfLocator: "mc1self",
		Clock:       mock,
	})
	require.NoError(t, err)

	return &delivererFixture{deliverer: d, store: mem, learner: learner, sender: sender, clock: mock}
}

func TestFirstReceiptDeliversOnce(t *testing.T) {
	f := newDelivererFixture(t)
	ctx := context.Background()

	var delivered []string
	var via []string
	f.deliverer.OnMessage(func(msg *core.Message, channelName string) {
		delivered = append(delivered, msg.ID)
		via = append(via, channelName)
	})

	msg := core.NewMessage("hello", "mc1peer")

	// Same message arrives on two channels 250ms apart.
	f.deliverer.Handle(ctx, msg, "relay", "a")
	f.clock.Add(250 * time.Millisecond)
	f.deliverer.Handle(ctx, msg, "mesh", "")

	require.Equal(t, []string{msg.ID}, delivered)
	assert.Equal(t, []string{"relay"}, via)

	// Both arrivals left a receipt; the duplicate carries its delay.
	receipts, err := f.store.ReceiptsByMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "relay", receipts[0].Channel)
	assert.Equal(t, time.Duration(0), receipts[0].Latency)
	assert.Equal(t, "mesh", receipts[1].Channel)
	assert.Equal(t, 250*time.Millisecond, receipts[1].Latency)

	// The message persisted once.
	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)

	// Exactly one acknowledgment went out, addressed to the sender.
	acks := f.sender.sent()
	require.Len(t, acks, 1)
	assert.Equal(t, "mc1peer", acks[0].recipient)
	assert.True(t, acks[0].msg.IsAcknowledgment())
	assert.Equal(t, msg.ID, acks[0].msg.AckTargetID)
	assert.Equal(t, "relay", acks[0].msg.AckReceivedVia)
}

func TestAcknowledgmentNeverAcknowledged(t *testing.T) {
	f := newDelivererFixture(t)
	ctx := context.Background()

	original := core.NewMessage("ping", "mc1self")
	_, err := f.store.SaveMessage(ctx, original)
	require.NoError(t, err)

	ack := core.NewAcknowledgment(original, "mc1peer", "relay", nil)

	// Deliver the ack repeatedly over several channels: no outbound traffic.
	for i := 0; i < 5; i++ {
		f.deliverer.Handle(ctx, ack, "relay", "")
		f.deliverer.Handle(ctx, ack, "mesh", "")
	}
	assert.Empty(t, f.sender.sent())

	// The learner still recorded the working channel.
	prefs, err := f.learner.Preferences(ctx, "mc1peer")
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "relay", prefs[0].Channel)
	assert.True(t, prefs[0].IsWorking)
}

func TestAcknowledgmentReachesCallbacks(t *testing.T) {
	f := newDelivererFixture(t)
	ctx := context.Background()

	var kinds []core.MessageKind
	f.deliverer.OnMessage(func(msg *core.Message, channelName string) {
		kinds = append(kinds, msg.Kind)
	})

	original := core.NewMessage("ping", "mc1self")
	ack := core.NewAcknowledgment(original, "mc1peer", "relay", nil)
	f.deliverer.Handle(ctx, ack, "relay", "")

	// Acknowledgments are messages too: dedup and callbacks apply.
	assert.Equal(t, []core.MessageKind{core.KindAcknowledgment}, kinds)
}

func TestRoundTripLatencyLearned(t *testing.T) {
	f := newDelivererFixture(t)
	ctx := context.Background()

	original := core.NewMessage("ping", "mc1self")
	original.CreatedAt = 1_000_000
	_, err := f.store.SaveMessage(ctx, original)
	require.NoError(t, err)

	ack := core.NewAcknowledgment(original, "mc1peer", "relay", nil)
	ack.AckReceivedAt = 1_000_450 // 450ms after our send
	f.deliverer.Handle(ctx, ack, "mesh", "")

	prefs, err := f.learner.Preferences(ctx, "mc1peer")
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, 450*time.Millisecond, prefs[0].AvgLatency)
}

func TestRoundTripLatencyUnknownOriginal(t *testing.T) {
	f := newDelivererFixture(t)
	ctx := context.Background()

	// Ack for a message this process never sent (e.g. sent before a restart).
	ack := &core.Message{
		ID:             "ack-1",
		Kind:           core.KindAcknowledgment,
		SenderLocator:  "mc1peer",
		AckTargetID:    "unknown-msg",
		AckReceivedAt:  5_000,
		AckReceivedVia: "relay",
	}
	f.deliverer.Handle(ctx, ack, "relay", "")

	prefs, err := f.learner.Preferences(ctx, "mc1peer")
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.True(t, prefs[0].IsWorking)
	assert.Equal(t, time.Duration(0), prefs[0].AvgLatency)
}

func TestHintsApplied(t *testing.T) {
	f := newDelivererFixture(t)
	ctx := context.Background()

	original := core.NewMessage("ping", "mc1self")
	_, err := f.store.SaveMessage(ctx, original)
	require.NoError(t, err)

	one := 1
	ack := core.NewAcknowledgment(original, "mc1peer", "relay", []core.PreferenceHint{
		{ChannelName: "mesh", PreferenceOrder: &one, CustomEndpoint: "node-4"},
		{ChannelName: "beacon", CannotUse: true},
	})
	f.deliverer.Handle(ctx, ack, "relay", "")

	prefs, err := f.learner.Preferences(ctx, "mc1peer")
	require.NoError(t, err)
	require.Len(t, prefs, 3) // relay learned + two explicit hints

	byChannel := map[string]core.ChannelPreference{}
	for _, p := range prefs {
		byChannel[p.Channel] = p
	}
	assert.Equal(t, 1, byChannel["mesh"].PreferenceOrder)
	assert.Equal(t, "node-4", byChannel["mesh"].CustomEndpoint)
	assert.True(t, byChannel["mesh"].Explicit)
	assert.True(t, byChannel["beacon"].CannotUse)

	// Explicit ranking sorts ahead of the merely learned channel.
	assert.Equal(t, "mesh", prefs[0].Channel)
}

func TestOutboundAckCarriesLocalHints(t *testing.T) {
	f := newDelivererFixture(t)
	ctx := context.Background()

	// We already know mesh cannot reach this peer.
	f.learner.ApplyHints(ctx, "mc1peer", []core.PreferenceHint{
		{ChannelName: "mesh", CannotUse: true},
	})

	msg := core.NewMessage("hello", "mc1peer")
	f.deliverer.Handle(ctx, msg, "relay", "")

	acks := f.sender.sent()
	require.Len(t, acks, 1)
	require.Len(t, acks[0].msg.ChannelPreferences, 1)
	assert.Equal(t, "mesh", acks[0].msg.ChannelPreferences[0].ChannelName)
	assert.True(t, acks[0].msg.ChannelPreferences[0].CannotUse)
}

func TestStoreFailureDoesNotBlockDelivery(t *testing.T) {
	mock := clock.NewMock()
	failing := &failingMessageStore{}
	learner := NewLearner(store.NewMemoryStore(), mock, nil)
	sender := &recordingSender{}

	d, err := NewDeliverer(&Options{
		Store:       failing,
		Learner:     learner,
		Sender:      sender,
		Registry:    channel.NewRegistry(nil),
		SelfLocator: "mc1self",
		Clock:       mock,
	})
	require.NoError(t, err)

	var delivered int
	d.OnMessage(func(msg *core.Message, channelName string) { delivered++ })

	msg := core.NewMessage("hello", "mc1peer")
	d.Handle(context.Background(), msg, "relay", "")
	d.Handle(context.Background(), msg, "mesh", "")

	// Callback fired once and the ack went out despite the dead store.
	assert.Equal(t, 1, delivered)
	assert.Len(t, sender.sent(), 1)
}

func TestHandleRawDropsMalformed(t *testing.T) {
	f := newDelivererFixture(t)
	ctx := context.Background()

	var delivered int
	f.deliverer.OnMessage(func(msg *core.Message, channelName string) { delivered++ })

	f.deliverer.HandleRaw(ctx, []byte("not json"), "relay", "")
	f.deliverer.HandleRaw(ctx, []byte(`{"id":""}`), "relay", "")
	assert.Zero(t, delivered)
	assert.Empty(t, f.sender.sent())

	payload, err := core.NewMessage("hello", "mc1peer").Marshal()
	require.NoError(t, err)
	f.deliverer.HandleRaw(ctx, payload, "relay", "")
	assert.Equal(t, 1, delivered)
}

func TestStartSubscribesEnabledChannels(t *testing.T) {
	mock := clock.NewMock()
	mem := store.NewMemoryStore()
	learner := NewLearner(mem, mock, nil)
	sender := &recordingSender{}

	registry := channel.NewRegistry(nil)
	relay := channel.NewMockAdapter("relay")
	require.NoError(t, registry.Register(relay))

	d, err := NewDeliverer(&Options{
		Store:       mem,
		Learner:     learner,
		Sender:      sender,
		Registry:    registry,
		SelfLocator: "mc1self",
		Clock:       mock,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	var delivered int
	d.OnMessage(func(msg *core.Message, channelName string) { delivered++ })

	payload, err := core.NewMessage("hello", "mc1peer").Marshal()
	require.NoError(t, err)
	relay.Inject(payload, "")
	assert.Equal(t, 1, delivered)
}

// failingMessageStore rejects every write and lookup.
type failingMessageStore struct{}

func (failingMessageStore) SaveMessage(ctx context.Context, msg *core.Message) (bool, error) {
	return false, errors.New("disk full")
}

func (failingMessageStore) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	return nil, errors.New("disk full")
}

func (failingMessageStore) SaveReceipt(ctx context.Context, receipt core.ReceiptRecord) error {
	return errors.New("disk full")
}

func (failingMessageStore) ReceiptsByMessage(ctx context.Context, messageID string) ([]core.ReceiptRecord, error) {
	return nil, errors.New("disk full")
}
