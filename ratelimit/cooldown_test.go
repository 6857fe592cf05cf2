package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manycast/manycast/store"
)

// notifySink collects notifications on a channel so tests can wait for
// events emitted from the reminder goroutine.
type notifySink struct {
	ch chan Notification
}

func newNotifySink() *notifySink {
	return &notifySink{ch: make(chan Notification, 16)}
}

func (s *notifySink) fn(n Notification) {
	s.ch <- n
}

func (s *notifySink) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-s.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestCooldownLifecycle(t *testing.T) {
	mock := clock.NewMock()
	sink := newNotifySink()
	reg := NewRegistry(&RegistryOptions{Clock: mock, Notify: sink.fn})

	reg.SetCooldown("relay", "endpoint-a", 1000*time.Millisecond, CategoryChannelRateLimit)

	n := sink.next(t)
	assert.Equal(t, NotifyPaused, n.Type)
	require.Len(t, n.Entries, 1)
	assert.Equal(t, "relay", n.Entries[0].Channel)
	assert.Equal(t, "endpoint-a", n.Entries[0].Endpoint)

	// Remaining decreases strictly as time passes.
	first := reg.Check("relay", "endpoint-a")
	require.True(t, first.InCooldown)
	assert.Equal(t, 1000*time.Millisecond, first.Remaining)
	assert.Equal(t, CategoryChannelRateLimit, first.Reason)

	mock.Add(400 * time.Millisecond)
	second := reg.Check("relay", "endpoint-a")
	require.True(t, second.InCooldown)
	assert.Equal(t, 600*time.Millisecond, second.Remaining)
	assert.Less(t, second.Remaining, first.Remaining)

	// Another pair is unaffected.
	assert.False(t, reg.Check("relay", "endpoint-b").InCooldown)
	assert.False(t, reg.Check("mesh", "").InCooldown)

	// At the deadline the entry is released on the next check.
	mock.Add(600 * time.Millisecond)
	assert.False(t, reg.Check("relay", "endpoint-a").InCooldown)

	n = sink.next(t)
	assert.Equal(t, NotifyResumed, n.Type)
	require.Len(t, n.Entries, 1)
	assert.Equal(t, "endpoint-a", n.Entries[0].Endpoint)

	// The release happens exactly once.
	assert.False(t, reg.Check("relay", "endpoint-a").InCooldown)
	assert.Empty(t, sink.ch)
}

func TestSetCooldownOverwrites(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(&RegistryOptions{Clock: mock})

	reg.SetCooldown("relay", "", 10*time.Second, CategoryChannelRateLimit)
	reg.SetCooldown("relay", "", 30*time.Second, CategoryRetryAfter)

	result := reg.Check("relay", "")
	require.True(t, result.InCooldown)
	assert.Equal(t, 30*time.Second, result.Remaining)
	assert.Equal(t, CategoryRetryAfter, result.Reason)
}

func TestFilterAvailable(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(&RegistryOptions{Clock: mock})

	candidates := []string{"a", "b", "c"}
	assert.Equal(t, candidates, reg.FilterAvailable("relay", candidates))

	reg.SetCooldown("relay", "b", time.Minute, CategoryNetworkTimeout)
	assert.Equal(t, []string{"a", "c"}, reg.FilterAvailable("relay", candidates))

	reg.SetCooldown("relay", "a", time.Minute, CategoryNetworkTimeout)
	reg.SetCooldown("relay", "c", time.Minute, CategoryNetworkTimeout)
	assert.Empty(t, reg.FilterAvailable("relay", candidates))

	mock.Add(time.Minute)
	assert.Equal(t, candidates, reg.FilterAvailable("relay", candidates))
}

func TestActiveSnapshot(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(&RegistryOptions{Clock: mock})

	reg.SetCooldown("relay", "a", 10*time.Second, CategoryChannelRateLimit)
	reg.SetCooldown("mesh", "", 60*time.Second, CategoryConnectionFailure)
	assert.Len(t, reg.Active(), 2)

	mock.Add(30 * time.Second)
	active := reg.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "mesh", active[0].Channel)
}

func TestReminderLoop(t *testing.T) {
	mock := clock.NewMock()
	sink := newNotifySink()
	reg := NewRegistry(&RegistryOptions{
		Clock:            mock,
		Notify:           sink.fn,
		ReminderInterval: time.Minute,
	})
	reg.Start()
	defer reg.Stop()

	// Let the loop register its ticker before the mock clock advances.
	time.Sleep(10 * time.Millisecond)

	reg.SetCooldown("relay", "a", time.Hour, CategoryConnectionFailure)
	reg.SetCooldown("relay", "b", 90*time.Second, CategoryConnectionFailure)
	assert.Equal(t, NotifyPaused, sink.next(t).Type)
	assert.Equal(t, NotifyPaused, sink.next(t).Type)

	// First tick: both entries are a full interval old, one batched reminder.
	mock.Add(time.Minute)
	n := sink.next(t)
	assert.Equal(t, NotifyReminder, n.Type)
	assert.Len(t, n.Entries, 2)

	// Second tick: "b" has expired by now and is released, "a" is reminded.
	mock.Add(time.Minute)
	seen := map[NotificationType]int{}
	for i := 0; i < 2; i++ {
		n = sink.next(t)
		seen[n.Type]++
		switch n.Type {
		case NotifyResumed:
			require.Len(t, n.Entries, 1)
			assert.Equal(t, "b", n.Entries[0].Endpoint)
		case NotifyReminder:
			require.Len(t, n.Entries, 1)
			assert.Equal(t, "a", n.Entries[0].Endpoint)
		}
	}
	assert.Equal(t, 1, seen[NotifyResumed])
	assert.Equal(t, 1, seen[NotifyReminder])
}

func TestStopWithoutStart(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Stop() // must not block or panic
	reg.Stop()
}

func TestCooldownMirror(t *testing.T) {
	mock := clock.NewMock()
	mirror := store.NewMemoryStore()
	reg := NewRegistry(&RegistryOptions{Clock: mock, Mirror: mirror})

	reg.SetCooldown("relay", "a", time.Minute, CategoryChannelRateLimit)

	mirrored, err := mirror.ListCooldowns(context.Background())
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, "relay", mirrored[0].Channel)

	mock.Add(time.Minute)
	reg.Check("relay", "a")

	mirrored, err = mirror.ListCooldowns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mirrored)
}
