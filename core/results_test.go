package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastResultsAccounting(t *testing.T) {
	br := NewBroadcastResults("msg-1")
	assert.False(t, br.AnySuccess())
	assert.Equal(t, 0, br.Total())

	br.Add(ChannelResult{Channel: "relay", Endpoint: "a", Success: true, Latency: 100 * time.Millisecond})
	br.Add(ChannelResult{Channel: "relay", Endpoint: "b", Err: errors.New("boom")})
	br.Add(ChannelResult{Channel: "mesh", Success: true})

	assert.Equal(t, 3, br.Total())
	assert.Equal(t, 2, br.Succeeded)
	assert.Equal(t, 1, br.Failed)
	assert.True(t, br.AnySuccess())

	grouped := br.ByChannel()
	assert.Len(t, grouped["relay"], 2)
	assert.Len(t, grouped["mesh"], 1)
}

func TestChannelResultError(t *testing.T) {
	assert.Empty(t, ChannelResult{Success: true}.Error())
	assert.Equal(t, "boom", ChannelResult{Err: errors.New("boom")}.Error())
}

func TestSummariesDerived(t *testing.T) {
	br := NewBroadcastResults("msg-1")
	br.Add(ChannelResult{Channel: "relay", Endpoint: "a", Success: true})
	br.Add(ChannelResult{Channel: "mesh", Success: true})
	br.Add(ChannelResult{Channel: "relay", Endpoint: "b"})
	br.Add(ChannelResult{Channel: "relay", Endpoint: "c", Success: true})

	summaries := br.Summaries()
	require.Len(t, summaries, 2)

	// First-appearance order, per-endpoint counts folded into "k of n".
	assert.Equal(t, "relay", summaries[0].Channel)
	assert.Equal(t, 3, summaries[0].Attempted)
	assert.Equal(t, 2, summaries[0].Succeeded)
	assert.Equal(t, "relay: 2/3 endpoints succeeded", summaries[0].String())

	assert.Equal(t, "mesh", summaries[1].Channel)
	assert.Equal(t, "mesh: 1/1 endpoints succeeded", summaries[1].String())
}
