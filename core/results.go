package core

import (
	"fmt"
	"time"
)

// BroadcastResults aggregates the per-(channel, sub-endpoint) outcomes of one
// broadcast call. Overall success means at least one result succeeded; that
// policy is the caller's to enforce, the aggregate only reports the counts.
type BroadcastResults struct {
	MessageID string          `json:"message_id"`
	Results   []ChannelResult `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
}

// NewBroadcastResults creates an empty aggregate for one broadcast call.
func NewBroadcastResults(messageID string) *BroadcastResults {
	now := time.Now()
	return &BroadcastResults{
		MessageID: messageID,
		Results:   make([]ChannelResult, 0),
		StartTime: now,
		EndTime:   now,
	}
}

// Add folds one result into the aggregate.
func (br *BroadcastResults) Add(result ChannelResult) {
	br.Results = append(br.Results, result)
	if result.Success {
		br.Succeeded++
	} else {
		br.Failed++
	}
	br.EndTime = time.Now()
	br.Duration = br.EndTime.Sub(br.StartTime)
}

// AnySuccess reports whether at least one channel delivered the message.
func (br *BroadcastResults) AnySuccess() bool {
	return br.Succeeded > 0
}

// Total returns the number of attempted (channel, sub-endpoint) pairs.
func (br *BroadcastResults) Total() int {
	return len(br.Results)
}

// ByChannel groups results by channel name.
func (br *BroadcastResults) ByChannel() map[string][]ChannelResult {
	grouped := make(map[string][]ChannelResult)
	for _, r := range br.Results {
		grouped[r.Channel] = append(grouped[r.Channel], r)
	}
	return grouped
}

// ChannelSummary describes one channel's outcome across its sub-endpoints,
// e.g. "relay: 2/3 endpoints succeeded".
type ChannelSummary struct {
	Channel   string `json:"channel"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
}

// String renders the summary in the "k of n" form used in logs.
func (s ChannelSummary) String() string {
	return fmt.Sprintf("%s: %d/%d endpoints succeeded", s.Channel, s.Succeeded, s.Attempted)
}

// Summaries derives per-channel "k of n" summaries. Summaries are derived
// views; accounting everywhere else stays per sub-endpoint.
func (br *BroadcastResults) Summaries() []ChannelSummary {
	index := make(map[string]int)
	summaries := make([]ChannelSummary, 0)
	for _, r := range br.Results {
		i, ok := index[r.Channel]
		if !ok {
			i = len(summaries)
			index[r.Channel] = i
			summaries = append(summaries, ChannelSummary{Channel: r.Channel})
		}
		summaries[i].Attempted++
		if r.Success {
			summaries[i].Succeeded++
		}
	}
	return summaries
}
