package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/store"
)

// DefaultReminderInterval is how often the background loop re-announces
// still-active cooldowns.
const DefaultReminderInterval = 5 * time.Minute

// NotificationType identifies a cooldown lifecycle event.
type NotificationType string

const (
	// NotifyPaused fires once when a pair enters cooldown.
	NotifyPaused NotificationType = "paused"
	// NotifyResumed fires once when an expired entry is removed.
	NotifyResumed NotificationType = "resumed"
	// NotifyReminder fires periodically for long-running cooldowns.
	NotifyReminder NotificationType = "reminder"
)

// Notification describes one cooldown event. Reminders batch every entry
// that has not been announced within the reminder interval.
type Notification struct {
	Type    NotificationType
	Entries []core.CooldownEntry
}

// NotifyFunc receives cooldown notifications. Called outside the registry
// lock; implementations must not call back into the registry.
type NotifyFunc func(Notification)

// CheckResult is the outcome of one cooldown check.
type CheckResult struct {
	InCooldown bool
	Remaining  time.Duration
	Reason     string
}

// RegistryOptions configures a cooldown registry.
type RegistryOptions struct {
	Clock            clock.Clock       // defaults to the wall clock
	Logger           logger.Interface  // defaults to logger.Discard
	Notify           NotifyFunc        // optional lifecycle callback
	ReminderInterval time.Duration     // defaults to DefaultReminderInterval
	Mirror           store.StateStore  // optional out-of-process mirror
}

// Registry is the per (channel, sub-endpoint) cooldown state machine. Each
// key is either Available (absent) or in Cooldown (present with a deadline).
// Expiry is detected lazily at check time; a single low-frequency background
// loop keeps long cooldowns visible without per-send notification spam.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*core.CooldownEntry

	clock    clock.Clock
	logger   logger.Interface
	notify   NotifyFunc
	interval time.Duration
	mirror   store.StateStore

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// NewRegistry creates a cooldown registry. Call Start to run the reminder
// loop and Stop on shutdown.
func NewRegistry(opts *RegistryOptions) *Registry {
	if opts == nil {
		opts = &RegistryOptions{}
	}
	r := &Registry{
		entries:  make(map[string]*core.CooldownEntry),
		clock:    opts.Clock,
		logger:   opts.Logger,
		notify:   opts.Notify,
		interval: opts.ReminderInterval,
		mirror:   opts.Mirror,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.logger == nil {
		r.logger = logger.Discard
	}
	if r.interval <= 0 {
		r.interval = DefaultReminderInterval
	}
	return r
}

// SetCooldown puts (channel, endpoint) into cooldown for the given duration,
// overwriting any active entry, and emits a paused notification.
func (r *Registry) SetCooldown(channel, endpoint string, duration time.Duration, reason string) {
	now := r.clock.Now()
	entry := core.CooldownEntry{
		Channel:        channel,
		Endpoint:       endpoint,
		Reason:         reason,
		CooldownUntil:  now.Add(duration),
		LastNotifiedAt: now,
	}

	r.mu.Lock()
	r.entries[core.EndpointKey(channel, endpoint)] = &entry
	r.mu.Unlock()

	r.logger.Warn(context.Background(), "channel paused",
		"channel", channel, "endpoint", endpoint, "reason", reason, "duration", duration)
	r.emit(Notification{Type: NotifyPaused, Entries: []core.CooldownEntry{entry}})
	r.mirrorSave(entry)
}

// Check reports whether (channel, endpoint) is cooling down. An expired
// entry is removed on this first check after expiry, with a resumed
// notification.
func (r *Registry) Check(channel, endpoint string) CheckResult {
	key := core.EndpointKey(channel, endpoint)
	now := r.clock.Now()

	r.mu.Lock()
	entry, exists := r.entries[key]
	if !exists {
		r.mu.Unlock()
		return CheckResult{}
	}
	if !now.Before(entry.CooldownUntil) {
		expired := *entry
		delete(r.entries, key)
		r.mu.Unlock()

		r.logger.Info(context.Background(), "channel resumed",
			"channel", channel, "endpoint", endpoint, "reason", expired.Reason)
		r.emit(Notification{Type: NotifyResumed, Entries: []core.CooldownEntry{expired}})
		r.mirrorDelete(channel, endpoint)
		return CheckResult{}
	}
	result := CheckResult{
		InCooldown: true,
		Remaining:  entry.CooldownUntil.Sub(now),
		Reason:     entry.Reason,
	}
	r.mu.Unlock()
	return result
}

// FilterAvailable returns the subset of candidate sub-endpoints not in
// cooldown. Pass a single "" candidate for channels without sub-endpoints.
func (r *Registry) FilterAvailable(channel string, candidates []string) []string {
	available := make([]string, 0, len(candidates))
	for _, endpoint := range candidates {
		if !r.Check(channel, endpoint).InCooldown {
			available = append(available, endpoint)
		}
	}
	return available
}

// Active returns a snapshot of all unexpired cooldown entries.
func (r *Registry) Active() []core.CooldownEntry {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]core.CooldownEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if now.Before(entry.CooldownUntil) {
			entries = append(entries, *entry)
		}
	}
	return entries
}

// Start launches the reminder loop. It is a no-op while no cooldowns are
// active and must be paired with Stop on shutdown.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.reminderLoop()
}

// Stop terminates the reminder loop and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })
	if started {
		<-r.doneCh
	}
}

func (r *Registry) reminderLoop() {
	defer close(r.doneCh)

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.remind()
		}
	}
}

// remind batches one reminder for every active entry not announced within
// the last interval. Entries found expired here are released the same way a
// check would release them.
func (r *Registry) remind() {
	now := r.clock.Now()

	var due []core.CooldownEntry
	var released []core.CooldownEntry

	r.mu.Lock()
	for key, entry := range r.entries {
		if !now.Before(entry.CooldownUntil) {
			released = append(released, *entry)
			delete(r.entries, key)
			continue
		}
		if now.Sub(entry.LastNotifiedAt) >= r.interval {
			entry.LastNotifiedAt = now
			due = append(due, *entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range released {
		r.logger.Info(context.Background(), "channel resumed",
			"channel", entry.Channel, "endpoint", entry.Endpoint, "reason", entry.Reason)
		r.emit(Notification{Type: NotifyResumed, Entries: []core.CooldownEntry{entry}})
		r.mirrorDelete(entry.Channel, entry.Endpoint)
	}

	if len(due) == 0 {
		return
	}
	r.logger.Warn(context.Background(), "channels still cooling down", "count", len(due))
	r.emit(Notification{Type: NotifyReminder, Entries: due})
	for _, entry := range due {
		r.mirrorSave(entry)
	}
}

func (r *Registry) emit(n Notification) {
	if r.notify != nil {
		r.notify(n)
	}
}

// Mirror writes are best effort: tracking-store health must never gate
// dispatch decisions.
func (r *Registry) mirrorSave(entry core.CooldownEntry) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.SaveCooldown(context.Background(), entry); err != nil {
		r.logger.Error(context.Background(), "cooldown mirror write failed", "error", err)
	}
}

func (r *Registry) mirrorDelete(channel, endpoint string) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.DeleteCooldown(context.Background(), channel, endpoint); err != nil {
		r.logger.Error(context.Background(), "cooldown mirror delete failed", "error", err)
	}
}
