package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SnoozeKey builds the one-shot key for a snoozed medication reminder.
// One pending snooze per (user, medication): a second SNOOZE replaces the
// first instead of stacking re-dispatches.
func SnoozeKey(userID, medicationID string) string {
	return fmt.Sprintf("snooze_%s_%s", userID, medicationID)
}

type oneShotEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// OneShotInfo describes one pending one-shot timer.
type OneShotInfo struct {
	Key         string    `json:"key"`
	ScheduledAt time.Time `json:"scheduledAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// OneShotTimer holds keyed single-fire timers. Unlike Registry jobs these
// fire exactly once and remove themselves; they back the SNOOZE flow.
type OneShotTimer struct {
	mu     sync.Mutex
	timers map[string]*oneShotEntry
}

// NewOneShotTimer creates an empty OneShotTimer.
func NewOneShotTimer() *OneShotTimer {
	return &OneShotTimer{timers: make(map[string]*oneShotEntry)}
}

// Schedule arms fn to run once at the given time, replacing any pending
// timer under the same key. A time in the past runs fn immediately on its
// own goroutine.
func (o *OneShotTimer) Schedule(key string, at time.Time, fn func()) {
	delay := time.Until(at)
	if delay < 0 {
		slog.Warn("OneShotTimer.Schedule: time is in the past, firing immediately", "key", key, "at", at)
		go fn()
		return
	}

	o.mu.Lock()
	if old, ok := o.timers[key]; ok {
		old.timer.Stop()
		slog.Debug("OneShotTimer.Schedule: replaced pending timer", "key", key)
	}
	now := time.Now()
	timer := time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.timers, key)
		o.mu.Unlock()
		slog.Debug("OneShotTimer firing", "key", key)
		fn()
	})
	o.timers[key] = &oneShotEntry{timer: timer, scheduledAt: now, expiresAt: at}
	o.mu.Unlock()

	slog.Debug("OneShotTimer.Schedule: armed", "key", key, "at", at, "delay", delay)
}

// Cancel stops the pending timer for the key, if any.
func (o *OneShotTimer) Cancel(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(o.timers, key)
	slog.Debug("OneShotTimer.Cancel: timer removed", "key", key)
	return true
}

// CancelMatching stops every pending timer whose key satisfies the
// predicate and returns the number removed.
func (o *OneShotTimer) CancelMatching(pred func(key string) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for key, entry := range o.timers {
		if pred(key) {
			entry.timer.Stop()
			delete(o.timers, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of pending timers.
func (o *OneShotTimer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

// ListActive returns a stable snapshot of pending timers.
func (o *OneShotTimer) ListActive() []OneShotInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos := make([]OneShotInfo, 0, len(o.timers))
	for key, entry := range o.timers {
		infos = append(infos, OneShotInfo{Key: key, ScheduledAt: entry.scheduledAt, ExpiresAt: entry.expiresAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Stop cancels all pending timers.
func (o *OneShotTimer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for key, entry := range o.timers {
		entry.timer.Stop()
		delete(o.timers, key)
	}
	slog.Info("OneShotTimer stopped all timers")
}
