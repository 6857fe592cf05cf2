package deliver

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/store"
)

func TestOnAcknowledgmentRunningMean(t *testing.T) {
	mem := store.NewMemoryStore()
	l := NewLearner(mem, clock.NewMock(), nil)
	ctx := context.Background()

	samples := []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		200 * time.Millisecond,
	}
	var sum time.Duration
	for _, s := range samples {
		l.OnAcknowledgment(ctx, "mc1peer", "relay", s)
		sum += s
	}

	pref, err := mem.GetPreference(ctx, "mc1peer", "relay")
	require.NoError(t, err)
	assert.Equal(t, sum/time.Duration(len(samples)), pref.AvgLatency)
	assert.Equal(t, int64(len(samples)), pref.AckCount)
	assert.True(t, pref.IsWorking)
}

func TestOnAcknowledgmentZeroLatencySkipsMean(t *testing.T) {
	mem := store.NewMemoryStore()
	l := NewLearner(mem, clock.NewMock(), nil)
	ctx := context.Background()

	l.OnAcknowledgment(ctx, "mc1peer", "relay", 200*time.Millisecond)
	l.OnAcknowledgment(ctx, "mc1peer", "relay", 0)

	pref, err := mem.GetPreference(ctx, "mc1peer", "relay")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pref.AckCount)
	assert.Equal(t, 200*time.Millisecond, pref.AvgLatency)
}

func TestExplicitHintSurvivesLearning(t *testing.T) {
	mem := store.NewMemoryStore()
	l := NewLearner(mem, clock.NewMock(), nil)
	ctx := context.Background()

	two := 2
	l.ApplyHints(ctx, "mc1peer", []core.PreferenceHint{
		{ChannelName: "relay", PreferenceOrder: &two, CustomEndpoint: "relay-eu"},
	})

	// Learning afterwards must not clobber the explicit ranking.
	l.OnAcknowledgment(ctx, "mc1peer", "relay", 150*time.Millisecond)

	pref, err := mem.GetPreference(ctx, "mc1peer", "relay")
	require.NoError(t, err)
	assert.True(t, pref.Explicit)
	assert.Equal(t, 2, pref.PreferenceOrder)
	assert.Equal(t, "relay-eu", pref.CustomEndpoint)
	assert.Equal(t, 150*time.Millisecond, pref.AvgLatency)
}

func TestHintPreservesLearnedStats(t *testing.T) {
	mem := store.NewMemoryStore()
	l := NewLearner(mem, clock.NewMock(), nil)
	ctx := context.Background()

	l.OnAcknowledgment(ctx, "mc1peer", "relay", 120*time.Millisecond)
	l.OnAcknowledgment(ctx, "mc1peer", "relay", 180*time.Millisecond)

	one := 1
	l.ApplyHints(ctx, "mc1peer", []core.PreferenceHint{
		{ChannelName: "relay", PreferenceOrder: &one},
	})

	pref, err := mem.GetPreference(ctx, "mc1peer", "relay")
	require.NoError(t, err)
	assert.Equal(t, 1, pref.PreferenceOrder)
	assert.Equal(t, 150*time.Millisecond, pref.AvgLatency)
	assert.Equal(t, int64(2), pref.AckCount)
}

func TestApplyHintsSkipsUnnamedChannel(t *testing.T) {
	mem := store.NewMemoryStore()
	l := NewLearner(mem, clock.NewMock(), nil)
	ctx := context.Background()

	l.ApplyHints(ctx, "mc1peer", []core.PreferenceHint{
		{ChannelName: ""},
		{ChannelName: "relay", CannotUse: true},
	})

	prefs, err := l.Preferences(ctx, "mc1peer")
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "relay", prefs[0].Channel)
}

func TestHintsRenderLocalTable(t *testing.T) {
	mem := store.NewMemoryStore()
	l := NewLearner(mem, clock.NewMock(), nil)
	ctx := context.Background()

	three := 3
	l.OnAcknowledgment(ctx, "mc1peer", "mesh", 90*time.Millisecond)
	l.ApplyHints(ctx, "mc1peer", []core.PreferenceHint{
		{ChannelName: "relay", PreferenceOrder: &three, CustomEndpoint: "relay-eu"},
	})

	hints := l.Hints(ctx, "mc1peer")
	require.Len(t, hints, 2)

	byChannel := map[string]core.PreferenceHint{}
	for _, h := range hints {
		byChannel[h.ChannelName] = h
	}
	require.NotNil(t, byChannel["relay"].PreferenceOrder)
	assert.Equal(t, 3, *byChannel["relay"].PreferenceOrder)
	assert.Equal(t, "relay-eu", byChannel["relay"].CustomEndpoint)
	assert.Nil(t, byChannel["mesh"].PreferenceOrder) // learned only, unranked
}
