package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/manycast/manycast/core"
)

// MemoryStore is the default, process-local persistence backend. It
// implements Store and StateStore and is safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	messages    map[string]*core.Message
	receipts    map[string][]core.ReceiptRecord
	sendLog     []core.SendLogEntry
	preferences map[string]map[string]core.ChannelPreference // peer -> channel -> record
	cooldowns   map[string]core.CooldownEntry
	performance map[string]core.PerformanceRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[string]*core.Message),
		receipts:    make(map[string][]core.ReceiptRecord),
		preferences: make(map[string]map[string]core.ChannelPreference),
		cooldowns:   make(map[string]core.CooldownEntry),
		performance: make(map[string]core.PerformanceRecord),
	}
}

// SaveMessage inserts the message, ignoring duplicates.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg *core.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return false, nil
	}
	clone := *msg
	s.messages[msg.ID] = &clone
	return true, nil
}

// GetMessage returns the stored message or ErrNotFound.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, exists := s.messages[id]
	if !exists {
		return nil, ErrNotFound
	}
	clone := *msg
	return &clone, nil
}

// SaveReceipt appends one arrival record for a message.
func (s *MemoryStore) SaveReceipt(ctx context.Context, receipt core.ReceiptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipts[receipt.MessageID] = append(s.receipts[receipt.MessageID], receipt)
	return nil
}

// ReceiptsByMessage lists all receipts for a message, oldest first.
func (s *MemoryStore) ReceiptsByMessage(ctx context.Context, messageID string) ([]core.ReceiptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipts := make([]core.ReceiptRecord, len(s.receipts[messageID]))
	copy(receipts, s.receipts[messageID])
	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].ReceivedAt.Before(receipts[j].ReceivedAt)
	})
	return receipts, nil
}

// AppendSendLog records one send attempt.
func (s *MemoryStore) AppendSendLog(ctx context.Context, entry core.SendLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendLog = append(s.sendLog, entry)
	return nil
}

// SendLogWindow returns entries with SentAt in [from, to], oldest first.
func (s *MemoryStore) SendLogWindow(ctx context.Context, from, to time.Time) ([]core.SendLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := make([]core.SendLogEntry, 0)
	for _, entry := range s.sendLog {
		if entry.SentAt.Before(from) || entry.SentAt.After(to) {
			continue
		}
		window = append(window, entry)
	}
	sort.Slice(window, func(i, j int) bool {
		return window[i].SentAt.Before(window[j].SentAt)
	})
	return window, nil
}

// SavePreference inserts or replaces one preference record.
func (s *MemoryStore) SavePreference(ctx context.Context, pref core.ChannelPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byChannel, exists := s.preferences[pref.PeerLocator]
	if !exists {
		byChannel = make(map[string]core.ChannelPreference)
		s.preferences[pref.PeerLocator] = byChannel
	}
	byChannel[pref.Channel] = pref
	return nil
}

// GetPreference returns the record for (peer, channel) or ErrNotFound.
func (s *MemoryStore) GetPreference(ctx context.Context, peerLocator, channel string) (*core.ChannelPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pref, exists := s.preferences[peerLocator][channel]
	if !exists {
		return nil, ErrNotFound
	}
	return &pref, nil
}

// PreferencesByPeer lists a peer's records, explicit ranking first, then
// ascending learned latency.
func (s *MemoryStore) PreferencesByPeer(ctx context.Context, peerLocator string) ([]core.ChannelPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs := make([]core.ChannelPreference, 0, len(s.preferences[peerLocator]))
	for _, pref := range s.preferences[peerLocator] {
		prefs = append(prefs, pref)
	}
	SortPreferences(prefs)
	return prefs, nil
}

// SaveCooldown inserts or replaces one cooldown entry.
func (s *MemoryStore) SaveCooldown(ctx context.Context, entry core.CooldownEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cooldowns[core.EndpointKey(entry.Channel, entry.Endpoint)] = entry
	return nil
}

// DeleteCooldown removes the entry for (channel, endpoint).
func (s *MemoryStore) DeleteCooldown(ctx context.Context, channel, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cooldowns, core.EndpointKey(channel, endpoint))
	return nil
}

// ListCooldowns lists all mirrored cooldown entries.
func (s *MemoryStore) ListCooldowns(ctx context.Context) ([]core.CooldownEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]core.CooldownEntry, 0, len(s.cooldowns))
	for _, entry := range s.cooldowns {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CooldownUntil.Before(entries[j].CooldownUntil)
	})
	return entries, nil
}

// SavePerformance inserts or replaces one performance record.
func (s *MemoryStore) SavePerformance(ctx context.Context, record core.PerformanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.performance[core.EndpointKey(record.Channel, record.Endpoint)] = record
	return nil
}

// ListPerformance lists all mirrored performance records, most recently
// updated first.
func (s *MemoryStore) ListPerformance(ctx context.Context) ([]core.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]core.PerformanceRecord, 0, len(s.performance))
	for _, record := range s.performance {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// SortPreferences orders preference records in place: usable before unusable,
// explicit rank ascending, then learned latency ascending.
func SortPreferences(prefs []core.ChannelPreference) {
	sort.SliceStable(prefs, func(i, j int) bool {
		a, b := prefs[i], prefs[j]
		if a.CannotUse != b.CannotUse {
			return !a.CannotUse
		}
		ao, bo := a.PreferenceOrder, b.PreferenceOrder
		if (ao > 0) != (bo > 0) {
			return ao > 0
		}
		if ao > 0 && bo > 0 && ao != bo {
			return ao < bo
		}
		return a.AvgLatency < b.AvgLatency
	})
}
