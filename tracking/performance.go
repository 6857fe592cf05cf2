// Package tracking maintains running per (channel, sub-endpoint) statistics
// and the persisted send log used for time-windowed rate analysis.
package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/store"
)

// Update is one observed send outcome for a (channel, sub-endpoint) pair.
type Update struct {
	Success     bool
	Latency     time.Duration // 0 when the adapter reported none
	RateLimited bool
}

// TrackerOptions configures a performance tracker.
type TrackerOptions struct {
	Clock  clock.Clock      // defaults to the wall clock
	Logger logger.Interface // defaults to logger.Discard
	Mirror store.StateStore // optional out-of-process mirror
}

// Tracker keeps one PerformanceRecord per (channel, sub-endpoint) pair.
// Counters and the running latency mean are updated incrementally; writes to
// one key are serialized under the tracker lock so concurrent completions
// cannot corrupt the mean.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*trackedRecord

	clock  clock.Clock
	logger logger.Interface
	mirror store.StateStore
}

// trackedRecord pairs the exported record with the latency sample count the
// exact running mean needs.
type trackedRecord struct {
	record         core.PerformanceRecord
	latencySamples int64
}

// NewTracker creates an empty performance tracker.
func NewTracker(opts *TrackerOptions) *Tracker {
	if opts == nil {
		opts = &TrackerOptions{}
	}
	t := &Tracker{
		records: make(map[string]*trackedRecord),
		clock:   opts.Clock,
		logger:  opts.Logger,
		mirror:  opts.Mirror,
	}
	if t.clock == nil {
		t.clock = clock.New()
	}
	if t.logger == nil {
		t.logger = logger.Discard
	}
	return t
}

// Update folds one send outcome into the pair's record. The availability
// flag always reflects the most recent outcome; the consecutive-failure
// counter resets on success. The latency mean is an exact running mean over
// the updates that carried a latency sample.
func (t *Tracker) Update(channel, endpoint string, u Update) {
	now := t.clock.Now()
	key := core.EndpointKey(channel, endpoint)

	t.mu.Lock()
	tr, exists := t.records[key]
	if !exists {
		tr = &trackedRecord{record: core.PerformanceRecord{
			Channel:  channel,
			Endpoint: endpoint,
		}}
		t.records[key] = tr
	}
	rec := &tr.record

	rec.TotalSent++
	if u.Success {
		rec.TotalSuccess++
		rec.ConsecutiveFailures = 0
		rec.LastSuccessAt = now
	} else {
		rec.TotalFailed++
		rec.ConsecutiveFailures++
		rec.LastFailureAt = now
	}
	if u.RateLimited {
		rec.TotalRateLimited++
		rec.LastRateLimitAt = now
	}
	rec.Available = u.Success

	if u.Latency > 0 {
		tr.latencySamples++
		rec.AvgLatency += (u.Latency - rec.AvgLatency) / time.Duration(tr.latencySamples)
		if rec.MinLatency == 0 || u.Latency < rec.MinLatency {
			rec.MinLatency = u.Latency
		}
		if u.Latency > rec.MaxLatency {
			rec.MaxLatency = u.Latency
		}
	}
	rec.UpdatedAt = now

	snapshot := *rec
	t.mu.Unlock()

	t.mirrorSave(snapshot)
}

// Get returns the record for one (channel, sub-endpoint) pair.
func (t *Tracker) Get(channel, endpoint string) (core.PerformanceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, exists := t.records[core.EndpointKey(channel, endpoint)]
	if !exists {
		return core.PerformanceRecord{}, false
	}
	return tr.record, true
}

// Records returns records filtered by channel and/or endpoint ("" matches
// all), ordered by recency of the last update.
func (t *Tracker) Records(channel, endpoint string) []core.PerformanceRecord {
	t.mu.Lock()
	records := make([]core.PerformanceRecord, 0, len(t.records))
	for _, tr := range t.records {
		if channel != "" && tr.record.Channel != channel {
			continue
		}
		if endpoint != "" && tr.record.Endpoint != endpoint {
			continue
		}
		records = append(records, tr.record)
	}
	t.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records
}

// Mirror writes are best effort and never gate the delivery path.
func (t *Tracker) mirrorSave(record core.PerformanceRecord) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.SavePerformance(context.Background(), record); err != nil {
		t.logger.Error(context.Background(), "performance mirror write failed",
			"channel", record.Channel, "endpoint", record.Endpoint, "error", err)
	}
}
