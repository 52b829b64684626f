// Package timer provides cancellable one-shot timers for retry scheduling.
//
// Retry timers are in-memory only; a process restart loses pending retries.
// Timers are registered under caller-supplied keys prefixed with the patient
// ID so that cancelling a patient synchronously invalidates every armed
// retry tied to that patient.
package timer

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// timerEntry tracks information about a scheduled timer.
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// RetryTimer schedules one-shot functions keyed by string identifiers.
type RetryTimer struct {
	timers map[string]*timerEntry
	mu     sync.Mutex
}

// NewRetryTimer creates a new RetryTimer.
func NewRetryTimer() *RetryTimer {
	slog.Debug("Creating RetryTimer")
	return &RetryTimer{
		timers: make(map[string]*timerEntry),
	}
}

// ScheduleAfter schedules fn to run after delay under the given key.
// Scheduling over a live key cancels the prior timer first.
func (t *RetryTimer) ScheduleAfter(key string, delay time.Duration, fn func()) {
	now := time.Now()
	entry := &timerEntry{
		scheduledAt: now,
		expiresAt:   now.Add(delay),
	}
	entry.timer = time.AfterFunc(delay, func() {
		// Stale timers are dropped: Cancel or a replacement may have removed
		// this entry between the clock firing and the callback running.
		t.mu.Lock()
		current, live := t.timers[key]
		if live && current == entry {
			delete(t.timers, key)
		}
		t.mu.Unlock()
		if !live || current != entry {
			slog.Debug("RetryTimer dropping stale timer", "key", key)
			return
		}
		slog.Debug("RetryTimer executing scheduled function", "key", key)
		fn()
	})

	t.mu.Lock()
	if prior, exists := t.timers[key]; exists {
		prior.timer.Stop()
		slog.Debug("RetryTimer replaced existing timer", "key", key)
	}
	t.timers[key] = entry
	t.mu.Unlock()

	slog.Debug("RetryTimer ScheduleAfter succeeded", "key", key, "delay", delay)
}

// Cancel cancels a scheduled timer by key. Cancelling an unknown key is a
// no-op.
func (t *RetryTimer) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[key]; exists {
		entry.timer.Stop()
		delete(t.timers, key)
		slog.Debug("RetryTimer Cancel succeeded", "key", key)
		return
	}
	slog.Debug("RetryTimer Cancel: timer not found", "key", key)
}

// CancelPrefix cancels every timer whose key starts with prefix and returns
// the number cancelled. Used to invalidate all pending retries for a patient.
func (t *RetryTimer) CancelPrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cancelled := 0
	for key, entry := range t.timers {
		if strings.HasPrefix(key, prefix) {
			entry.timer.Stop()
			delete(t.timers, key)
			cancelled++
		}
	}
	slog.Debug("RetryTimer CancelPrefix", "prefix", prefix, "cancelled", cancelled)
	return cancelled
}

// ActiveCount returns the number of armed timers.
func (t *RetryTimer) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels all scheduled timers.
func (t *RetryTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	slog.Debug("RetryTimer stopping all timers", "count", len(t.timers))
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	t.timers = make(map[string]*timerEntry)
	slog.Info("RetryTimer stopped all timers")
}
