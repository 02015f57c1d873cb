// Package schedule owns the live wake-up timers of the reminder engine.
//
// It provides a keyed registry of recurring cron jobs and a keyed set of
// one-shot timers used for snoozed re-dispatches.
package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/medimind/medimind/internal/models"
)

// DailyCheckInKey is the fixed key of the single daily health-log job.
const DailyCheckInKey = "health_log_daily"

// JobKey builds the registry key for a per-time medication job. It is the
// single source of truth for key construction so upsert and cancel can
// never drift out of sync on key format.
func JobKey(userID, medicationID, timeOfDay string) string {
	return fmt.Sprintf("medication_%s_%s_%s", userID, medicationID, timeOfDay)
}

// KeyMatchesUser reports whether a registry or one-shot key belongs to
// the user. IDs are client-supplied, so the match is anchored to the key
// structure: a bare substring check would also hit keys whose medication
// segment happens to equal the user ID.
func KeyMatchesUser(key, userID string) bool {
	return strings.HasPrefix(key, "medication_"+userID+"_") ||
		strings.HasPrefix(key, "snooze_"+userID+"_")
}

// KeyMatchesMedication reports whether a registry key belongs to the
// user's medication.
func KeyMatchesMedication(key, userID, medicationID string) bool {
	return strings.HasPrefix(key, fmt.Sprintf("medication_%s_%s_", userID, medicationID))
}

// CronSpec converts an HH:MM time of day into a daily 5-field cron
// expression. Weekday admission happens at fire time, not in the cron
// rule, so schedule edits take effect without reinstalling jobs.
func CronSpec(timeOfDay string) (string, error) {
	t, err := time.Parse(models.TimeOfDayLayout, timeOfDay)
	if err != nil {
		return "", fmt.Errorf("invalid time of day %q: %w", timeOfDay, err)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

// Registry owns the set of live recurring jobs, keyed by a stable string
// identity. All rules are interpreted in the fixed configured zone.
type Registry struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewRegistry creates and starts a registry whose cron rules fire in the
// given zone.
func NewRegistry(zone *time.Location) *Registry {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with
	// panic recovery so one bad fire handler cannot kill the loop.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithLocation(zone),
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	c.Start()
	return &Registry{cron: c, entries: make(map[string]cron.EntryID)}
}

// Upsert installs a job under the key, stopping any previous timer for
// the same key first. Two live timers for one logical reminder would mean
// duplicate SMS, so the swap happens under the registry lock.
func (r *Registry) Upsert(key, spec string, fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[key]; ok {
		r.cron.Remove(old)
		slog.Debug("Registry.Upsert: replaced existing job", "key", key)
	}
	id, err := r.cron.AddFunc(spec, fn)
	if err != nil {
		delete(r.entries, key)
		return fmt.Errorf("failed to add job %s: %w", key, err)
	}
	r.entries[key] = id
	return nil
}

// Cancel stops and removes the job for the key. It is safe to call while
// a fire is in flight; the in-flight fire completes, no further fires
// occur after Cancel returns.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.entries[key]
	if !ok {
		return false
	}
	r.cron.Remove(id)
	delete(r.entries, key)
	slog.Debug("Registry.Cancel: job removed", "key", key)
	return true
}

// CancelMatching removes every job whose key satisfies the predicate and
// returns the number removed.
func (r *Registry) CancelMatching(pred func(key string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, id := range r.entries {
		if pred(key) {
			r.cron.Remove(id)
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// CancelAll removes every job.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, id := range r.entries {
		r.cron.Remove(id)
		delete(r.entries, key)
	}
	slog.Debug("Registry.CancelAll: all jobs removed")
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List returns a stable snapshot of live jobs. NextFireAt is computed
// from the cron entry, never stored, so the registry stays a pure
// scheduling index that can be rebuilt from medication state.
func (r *Registry) List() []models.JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]models.JobInfo, 0, len(r.entries))
	for key, id := range r.entries {
		entry := r.cron.Entry(id)
		jobs = append(jobs, models.JobInfo{
			Key:        key,
			Running:    entry.Valid(),
			NextFireAt: entry.Next,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })
	return jobs
}

// Stop cancels all jobs and stops the cron loop, waiting for running
// fires to finish.
func (r *Registry) Stop() {
	r.CancelAll()
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("Registry stopped")
}
