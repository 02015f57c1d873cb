// Package scheduler orchestrates medication reminder jobs: it keeps a
// working set of users and medications, installs recurring jobs in the
// registry, dispatches reminders through the gateway, and records
// dispatch state on occurrences.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/medimind/medimind/internal/messaging"
	"github.com/medimind/medimind/internal/models"
	"github.com/medimind/medimind/internal/occurrence"
	"github.com/medimind/medimind/internal/phone"
	"github.com/medimind/medimind/internal/schedule"
)

// DefaultCheckInTime is when the daily health-log reminder fires.
const DefaultCheckInTime = "09:00"

// Directory is the slice of the store the scheduler reads and writes.
type Directory interface {
	GetUsers(ctx context.Context) ([]models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetActiveMedications(ctx context.Context) ([]models.Medication, error)
	GetMedication(ctx context.Context, id string) (*models.Medication, error)
	GetOccurrence(ctx context.Context, key models.OccurrenceKey) (*models.ReminderOccurrence, error)
	MarkSent(ctx context.Context, key models.OccurrenceKey, at time.Time) error
}

// Scheduler owns the live reminder state. All methods are safe for
// concurrent use.
type Scheduler struct {
	mu          sync.RWMutex
	users       map[string]models.User
	medications map[string]models.Medication

	registry     *schedule.Registry
	oneShots     *schedule.OneShotTimer
	materializer *occurrence.Materializer
	gateway      messaging.Gateway
	directory    Directory
	zone         *time.Location
	checkInTime  string
	now          func() time.Time
}

// Opts holds configuration options for the scheduler.
type Opts struct {
	Zone        *time.Location
	CheckInTime string
	Now         func() time.Time
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithZone sets the fixed zone all jobs fire in.
func WithZone(zone *time.Location) Option {
	return func(o *Opts) { o.Zone = zone }
}

// WithCheckInTime sets the daily health-log reminder time (HH:MM).
func WithCheckInTime(tod string) Option {
	return func(o *Opts) { o.CheckInTime = tod }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// NewScheduler creates a stopped-state scheduler. Call InitializeAll to
// load persisted schedules and start firing.
func NewScheduler(directory Directory, gateway messaging.Gateway, materializer *occurrence.Materializer, opts ...Option) *Scheduler {
	cfg := Opts{
		Zone:        time.UTC,
		CheckInTime: DefaultCheckInTime,
		Now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		users:        make(map[string]models.User),
		medications:  make(map[string]models.Medication),
		registry:     schedule.NewRegistry(cfg.Zone),
		oneShots:     schedule.NewOneShotTimer(),
		materializer: materializer,
		gateway:      gateway,
		directory:    directory,
		zone:         cfg.Zone,
		checkInTime:  cfg.CheckInTime,
		now:          cfg.Now,
	}
}

// InitializeAll rebuilds the entire job set from persisted state. Any
// previously installed jobs and pending snoozes are dropped first, so
// calling it again is an idempotent reset.
func (s *Scheduler) InitializeAll(ctx context.Context) error {
	slog.Info("Scheduler.InitializeAll: rebuilding job set")
	s.registry.CancelAll()
	s.oneShots.Stop()

	s.mu.Lock()
	s.users = make(map[string]models.User)
	s.medications = make(map[string]models.Medication)
	s.mu.Unlock()

	users, err := s.directory.GetUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	s.mu.Lock()
	for _, u := range users {
		s.users[u.ID] = u
	}
	s.mu.Unlock()

	meds, err := s.directory.GetActiveMedications(ctx)
	if err != nil {
		return fmt.Errorf("failed to load medications: %w", err)
	}

	installed := 0
	for _, med := range meds {
		if err := s.AddMedication(ctx, med.UserID, med); err != nil {
			slog.Error("Scheduler.InitializeAll: failed to schedule medication", "error", err, "medicationID", med.ID)
			continue
		}
		installed++
	}

	if err := s.installCheckInJob(); err != nil {
		return fmt.Errorf("failed to install daily check-in job: %w", err)
	}

	slog.Info("Scheduler.InitializeAll: job set rebuilt",
		"users", len(users), "medications", installed, "jobs", s.registry.Len())
	return nil
}

// AddMedication installs one recurring job per reminder time. Unknown
// users and disabled schedules are skipped with a warning, never an
// error, so one bad record cannot block startup.
func (s *Scheduler) AddMedication(ctx context.Context, userID string, med models.Medication) error {
	user, err := s.resolveUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		slog.Warn("Scheduler.AddMedication: unknown user, skipping", "userID", userID, "medicationID", med.ID)
		return nil
	}
	if !med.RemindersEnabled || len(med.Times) == 0 {
		slog.Debug("Scheduler.AddMedication: reminders disabled or no times, skipping", "medicationID", med.ID)
		return nil
	}

	s.mu.Lock()
	s.medications[med.ID] = med
	s.mu.Unlock()

	if _, err := s.materializer.Materialize(ctx, med); err != nil {
		return fmt.Errorf("failed to materialize occurrences for %s: %w", med.ID, err)
	}
	if err := s.installJobs(userID, med); err != nil {
		return err
	}

	slog.Info("Scheduler.AddMedication: jobs installed",
		"userID", userID, "medicationID", med.ID, "times", len(med.Times))
	return nil
}

// installJobs registers one recurring job per reminder time.
func (s *Scheduler) installJobs(userID string, med models.Medication) error {
	for _, tod := range med.Times {
		spec, err := schedule.CronSpec(tod)
		if err != nil {
			return fmt.Errorf("medication %s has invalid time %q: %w", med.ID, tod, err)
		}
		key := schedule.JobKey(userID, med.ID, tod)
		medID, fireTime := med.ID, tod
		if err := s.registry.Upsert(key, spec, func() {
			s.fireReminder(medID, fireTime)
		}); err != nil {
			return fmt.Errorf("failed to install job for medication %s: %w", med.ID, err)
		}
	}
	return nil
}

// UpdateMedication replaces the medication's jobs and occurrence window
// with the new schedule. Pending snoozes for the old schedule are
// cancelled; they refer to reminder state that no longer exists. Unsent
// occurrences are regenerated; sent rows stay as dispatch history.
func (s *Scheduler) UpdateMedication(ctx context.Context, userID string, med models.Medication) error {
	s.cancelMedication(userID, med.ID)

	if _, err := s.materializer.Regenerate(ctx, med); err != nil {
		return fmt.Errorf("failed to regenerate occurrences for %s: %w", med.ID, err)
	}

	if !med.RemindersEnabled || len(med.Times) == 0 {
		slog.Info("Scheduler.UpdateMedication: reminders disabled, jobs torn down",
			"userID", userID, "medicationID", med.ID)
		return nil
	}

	user, err := s.resolveUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		slog.Warn("Scheduler.UpdateMedication: unknown user, skipping", "userID", userID, "medicationID", med.ID)
		return nil
	}

	s.mu.Lock()
	s.medications[med.ID] = med
	s.mu.Unlock()

	if err := s.installJobs(userID, med); err != nil {
		return err
	}
	slog.Info("Scheduler.UpdateMedication: jobs replaced",
		"userID", userID, "medicationID", med.ID, "times", len(med.Times))
	return nil
}

// RemoveMedication cancels every job and pending snooze for the
// medication and drops its unsent occurrences.
func (s *Scheduler) RemoveMedication(ctx context.Context, userID, medicationID string) error {
	s.cancelMedication(userID, medicationID)
	if err := s.materializer.Purge(ctx, userID, medicationID); err != nil {
		return err
	}
	slog.Info("Scheduler.RemoveMedication: jobs cancelled", "userID", userID, "medicationID", medicationID)
	return nil
}

// RemoveUser cancels everything scheduled for the user.
func (s *Scheduler) RemoveUser(ctx context.Context, userID string) {
	removed := s.registry.CancelMatching(func(key string) bool {
		return schedule.KeyMatchesUser(key, userID)
	})
	s.oneShots.CancelMatching(func(key string) bool {
		return schedule.KeyMatchesUser(key, userID)
	})

	s.mu.Lock()
	delete(s.users, userID)
	for id, med := range s.medications {
		if med.UserID == userID {
			delete(s.medications, id)
		}
	}
	s.mu.Unlock()

	slog.Info("Scheduler.RemoveUser: jobs cancelled", "userID", userID, "removed", removed)
}

// TrackUser adds or refreshes a user in the working set so later
// medication hooks can resolve them without a store round trip.
func (s *Scheduler) TrackUser(user models.User) {
	s.mu.Lock()
	s.users[user.ID] = user
	s.mu.Unlock()
}

// ScheduleSnooze arms a one-shot deferred re-dispatch of the occurrence.
// A second snooze for the same medication replaces the first.
func (s *Scheduler) ScheduleSnooze(ctx context.Context, occ models.ReminderOccurrence, at time.Time) error {
	key := schedule.SnoozeKey(occ.UserID, occ.MedicationID)
	s.oneShots.Schedule(key, at, func() {
		s.fireSnooze(occ)
	})
	slog.Info("Scheduler.ScheduleSnooze: snooze armed",
		"userID", occ.UserID, "medicationID", occ.MedicationID, "at", at)
	return nil
}

// Jobs returns a snapshot of live registry entries.
func (s *Scheduler) Jobs() []models.JobInfo {
	return s.registry.List()
}

// Status reports the engine-wide snapshot for health endpoints.
func (s *Scheduler) Status() models.SchedulerStatus {
	s.mu.RLock()
	users, meds := len(s.users), len(s.medications)
	s.mu.RUnlock()
	return models.SchedulerStatus{
		Users:       users,
		Medications: meds,
		Jobs:        s.registry.Len(),
		Snoozes:     s.oneShots.Len(),
		Gateway:     s.gateway.Status(),
	}
}

// SendTestReminder dispatches one reminder for the medication right now,
// bypassing schedule admission. Used by the manual test endpoint.
func (s *Scheduler) SendTestReminder(ctx context.Context, medicationID string) (models.DispatchOutcome, error) {
	med, err := s.directory.GetMedication(ctx, medicationID)
	if err != nil {
		return models.DispatchOutcome{}, fmt.Errorf("failed to load medication %s: %w", medicationID, err)
	}
	if med == nil {
		return models.DispatchOutcome{}, fmt.Errorf("medication %s not found", medicationID)
	}
	user, err := s.resolveUser(ctx, med.UserID)
	if err != nil {
		return models.DispatchOutcome{}, err
	}
	if user == nil {
		return models.DispatchOutcome{}, fmt.Errorf("user %s not found", med.UserID)
	}

	tod := s.now().In(s.zone).Format(models.TimeOfDayLayout)
	outcome := s.dispatchReminder(ctx, *user, *med, tod)
	return outcome, nil
}

// Shutdown stops the registry cron loop and all pending one-shots.
func (s *Scheduler) Shutdown() {
	s.oneShots.Stop()
	s.registry.Stop()
	slog.Info("Scheduler shut down")
}

// cancelMedication drops all live timers for one medication.
func (s *Scheduler) cancelMedication(userID, medicationID string) {
	s.registry.CancelMatching(func(key string) bool {
		return schedule.KeyMatchesMedication(key, userID, medicationID)
	})
	s.oneShots.Cancel(schedule.SnoozeKey(userID, medicationID))

	s.mu.Lock()
	delete(s.medications, medicationID)
	s.mu.Unlock()
}

// resolveUser checks the working set before falling back to the store.
func (s *Scheduler) resolveUser(ctx context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	u, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return &u, nil
	}

	user, err := s.directory.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if user != nil {
		s.TrackUser(*user)
	}
	return user, nil
}

// installCheckInJob installs the single daily health-log reminder.
func (s *Scheduler) installCheckInJob() error {
	spec, err := schedule.CronSpec(s.checkInTime)
	if err != nil {
		return fmt.Errorf("invalid check-in time %q: %w", s.checkInTime, err)
	}
	return s.registry.Upsert(schedule.DailyCheckInKey, spec, s.fireCheckIn)
}

// fireReminder runs on the cron goroutine for one (medication, time)
// job. Schedule state is re-validated against the working set at fire
// time so edits that raced the timer cannot produce a stale send.
func (s *Scheduler) fireReminder(medicationID, timeOfDay string) {
	ctx := context.Background()

	s.mu.RLock()
	med, ok := s.medications[medicationID]
	s.mu.RUnlock()
	if !ok {
		slog.Debug("Scheduler.fireReminder: medication no longer tracked", "medicationID", medicationID)
		return
	}

	now := s.now().In(s.zone)
	if !med.RemindersEnabled || !med.ActiveOn(now) {
		slog.Debug("Scheduler.fireReminder: schedule inactive at fire time",
			"medicationID", medicationID, "date", now.Format(models.DateLayout))
		return
	}

	user, err := s.resolveUser(ctx, med.UserID)
	if err != nil || user == nil {
		slog.Warn("Scheduler.fireReminder: user unavailable", "error", err, "userID", med.UserID)
		return
	}

	outcome := s.dispatchReminder(ctx, *user, med, timeOfDay)
	if !outcome.Success {
		slog.Error("Scheduler.fireReminder: dispatch failed",
			"medicationID", medicationID, "userID", user.ID,
			"error_kind", outcome.ErrorKind, "retryable", outcome.ErrorKind.Retryable())
		return
	}

	key := models.OccurrenceKey{
		UserID:       user.ID,
		MedicationID: medicationID,
		Date:         now.Format(models.DateLayout),
		Time:         timeOfDay,
	}
	if err := s.directory.MarkSent(ctx, key, now); err != nil {
		slog.Error("Scheduler.fireReminder: failed to mark occurrence sent", "error", err, "medicationID", medicationID)
	}
}

// fireSnooze re-dispatches a snoozed occurrence once. The medication is
// re-validated so a snooze armed before an update or delete dies quietly.
func (s *Scheduler) fireSnooze(occ models.ReminderOccurrence) {
	ctx := context.Background()

	s.mu.RLock()
	med, ok := s.medications[occ.MedicationID]
	s.mu.RUnlock()
	if !ok || !med.RemindersEnabled {
		slog.Debug("Scheduler.fireSnooze: medication gone or disabled, dropping snooze",
			"medicationID", occ.MedicationID)
		return
	}

	// The occurrence itself may have been removed by a regenerate that
	// raced the snooze timer.
	stored, err := s.directory.GetOccurrence(ctx, occ.OccurrenceKey)
	if err != nil {
		slog.Error("Scheduler.fireSnooze: occurrence lookup failed", "error", err, "medicationID", occ.MedicationID)
		return
	}
	if stored == nil {
		slog.Debug("Scheduler.fireSnooze: occurrence no longer exists, dropping snooze",
			"medicationID", occ.MedicationID)
		return
	}

	user, err := s.resolveUser(ctx, occ.UserID)
	if err != nil || user == nil {
		slog.Warn("Scheduler.fireSnooze: user unavailable", "error", err, "userID", occ.UserID)
		return
	}

	outcome := s.dispatchReminder(ctx, *user, med, occ.Time)
	if !outcome.Success {
		slog.Error("Scheduler.fireSnooze: dispatch failed",
			"medicationID", occ.MedicationID, "error_kind", outcome.ErrorKind)
	}
}

// fireCheckIn sends the daily health-log reminder to every known user.
func (s *Scheduler) fireCheckIn() {
	ctx := context.Background()

	s.mu.RLock()
	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	slog.Info("Scheduler.fireCheckIn: sending daily health-log reminders", "users", len(users))
	for _, user := range users {
		to, err := phone.Normalize(user.Phone)
		if err != nil {
			slog.Warn("Scheduler.fireCheckIn: skipping user with invalid phone", "userID", user.ID)
			continue
		}
		outcome := s.gateway.Send(ctx, to, checkInBody(user.FullName()))
		if !outcome.Success {
			slog.Error("Scheduler.fireCheckIn: dispatch failed", "userID", user.ID, "error_kind", outcome.ErrorKind)
		}
	}
}

// dispatchReminder normalizes the recipient, builds the reminder body,
// and sends it. The number may have been edited since the job was
// installed, so it is normalized again here.
func (s *Scheduler) dispatchReminder(ctx context.Context, user models.User, med models.Medication, timeOfDay string) models.DispatchOutcome {
	to, err := phone.Normalize(user.Phone)
	if err != nil {
		slog.Warn("Scheduler.dispatchReminder: invalid recipient phone", "userID", user.ID, "error", err)
		return models.DispatchOutcome{Success: false, ErrorKind: models.ErrorKindInvalidPhone}
	}
	return s.gateway.Send(ctx, to, reminderBody(user.FullName(), med, timeOfDay))
}

// reminderBody builds the outbound reminder text.
func reminderBody(userName string, med models.Medication, timeOfDay string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s, it's time to take your %s", userName, med.Name)
	if med.Dosage != "" {
		fmt.Fprintf(&b, " (%s)", med.Dosage)
	}
	fmt.Fprintf(&b, " at %s.", timeOfDay)
	if med.Instructions != "" {
		fmt.Fprintf(&b, " %s.", med.Instructions)
	}
	b.WriteString(" Take your medicine and be healthy!")
	b.WriteString(" Once you've taken it, please reply with 'TAKEN' or 'MISSED' to track your medication adherence.")
	b.WriteString(" Reply 'SNOOZE' to be reminded again in 15 minutes.")
	return b.String()
}

// checkInBody builds the daily health-log reminder text.
func checkInBody(userName string) string {
	return fmt.Sprintf("Hi %s, this is your Medi-Mind reminder: Don't forget to log your health data today! Track your progress for better health.", userName)
}
