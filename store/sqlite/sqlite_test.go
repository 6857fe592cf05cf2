package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "manycast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestMessageDedupAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manycast.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	msg := core.NewMessage("hello", "mc1sender")
	inserted, err := s.SaveMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, s.Close())

	// Dedup must survive a restart, unlike the in-memory store.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	inserted, err = s.SaveMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, got.Content)
	assert.Equal(t, msg.CreatedAt, got.CreatedAt)
}

func TestAcknowledgmentFieldsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	one := 1
	original := core.NewMessage("ping", "mc1peer")
	ack := core.NewAcknowledgment(original, "mc1self", "relay", []core.PreferenceHint{
		{ChannelName: "mesh", PreferenceOrder: &one, CustomEndpoint: "node-4"},
	})

	_, err := s.SaveMessage(ctx, ack)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, ack.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAcknowledgment())
	assert.Equal(t, original.ID, got.AckTargetID)
	assert.Equal(t, "relay", got.AckReceivedVia)
	assert.Equal(t, ack.AckReceivedAt, got.AckReceivedAt)
	require.Len(t, got.ChannelPreferences, 1)
	assert.Equal(t, "node-4", got.ChannelPreferences[0].CustomEndpoint)
}

func TestGetMessageNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetMessage(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReceiptsOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.SaveReceipt(ctx, core.ReceiptRecord{
		MessageID: "m1", Channel: "mesh", ReceivedAt: base.Add(250 * time.Millisecond), Latency: 250 * time.Millisecond,
	}))
	require.NoError(t, s.SaveReceipt(ctx, core.ReceiptRecord{
		MessageID: "m1", Channel: "relay", Endpoint: "a", ReceivedAt: base,
	}))

	receipts, err := s.ReceiptsByMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "relay", receipts[0].Channel)
	assert.Equal(t, "a", receipts[0].Endpoint)
	assert.Equal(t, 250*time.Millisecond, receipts[1].Latency)
}

func TestSendLogWindowQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	for i, offset := range []time.Duration{0, 30 * time.Second, 90 * time.Second} {
		require.NoError(t, s.AppendSendLog(ctx, core.SendLogEntry{
			MessageID: string(rune('a' + i)),
			Channel:   "relay",
			Success:   i%2 == 0,
			SentAt:    base.Add(offset),
		}))
	}

	entries, err := s.SendLogWindow(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].MessageID)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "b", entries[1].MessageID)
	assert.False(t, entries[1].Success)
}

func TestPreferenceUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pref := core.ChannelPreference{
		PeerLocator: "mc1peer",
		Channel:     "relay",
		IsWorking:   true,
		AvgLatency:  120 * time.Millisecond,
		AckCount:    1,
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, s.SavePreference(ctx, pref))

	pref.AvgLatency = 90 * time.Millisecond
	pref.AckCount = 2
	require.NoError(t, s.SavePreference(ctx, pref))

	got, err := s.GetPreference(ctx, "mc1peer", "relay")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Millisecond, got.AvgLatency)
	assert.Equal(t, int64(2), got.AckCount)
	assert.True(t, got.IsWorking)

	_, err = s.GetPreference(ctx, "mc1peer", "mesh")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SavePreference(ctx, core.ChannelPreference{
		PeerLocator: "mc1peer", Channel: "mesh", CannotUse: true, Explicit: true,
	}))
	prefs, err := s.PreferencesByPeer(ctx, "mc1peer")
	require.NoError(t, err)
	require.Len(t, prefs, 2)
	assert.Equal(t, "relay", prefs[0].Channel) // usable channel sorts first
}
