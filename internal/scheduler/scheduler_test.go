package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medimind/medimind/internal/models"
	"github.com/medimind/medimind/internal/occurrence"
	"github.com/medimind/medimind/internal/schedule"
	"github.com/medimind/medimind/internal/store"
)

// spyGateway records every send and always succeeds.
type spyGateway struct {
	mu    sync.Mutex
	sends []string // recipient
	texts []string // body
}

func (g *spyGateway) Send(_ context.Context, to, body string) models.DispatchOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, to)
	g.texts = append(g.texts, body)
	return models.DispatchOutcome{Success: true, MessageID: "SM-spy"}
}

func (g *spyGateway) Available() bool { return true }

func (g *spyGateway) Status() models.GatewayStatus {
	return models.GatewayStatus{Configured: true, Available: true}
}

func (g *spyGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

func fixedNow() time.Time {
	return time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC) // Tuesday
}

func testUser() models.User {
	return models.User{ID: "u1", FirstName: "Asha", LastName: "Patel", Phone: "+919876543210"}
}

func testMedication() models.Medication {
	return models.Medication{
		ID:               "m1",
		UserID:           "u1",
		Name:             "Metformin",
		Dosage:           "500mg",
		Instructions:     "Take with food",
		Times:            []string{"08:00", "20:00"},
		RemindersEnabled: true,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.InMemoryStore, *spyGateway) {
	t.Helper()
	s := store.NewInMemoryStore()
	gw := &spyGateway{}
	mat := occurrence.NewMaterializer(s, occurrence.WithNow(fixedNow), occurrence.WithHorizonDays(7))
	sched := NewScheduler(s, gw, mat, WithNow(fixedNow))
	t.Cleanup(sched.Shutdown)
	return sched, s, gw
}

func TestAddMedicationInstallsJobs(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	if err := sched.AddMedication(ctx, "u1", testMedication()); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}

	jobs := sched.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("installed jobs = %d, want 2", len(jobs))
	}
	want := schedule.JobKey("u1", "m1", "08:00")
	if jobs[0].Key != want {
		t.Errorf("job key = %q, want %q", jobs[0].Key, want)
	}
	if jobs[0].NextFireAt.IsZero() {
		t.Error("job next fire time should be computed")
	}

	// Occurrences were materialized as part of registration: the 7-day
	// horizon covers 8 dates at 2 times each.
	n, _ := s.CountOccurrences(ctx, models.OccurrenceFilter{MedicationID: "m1"})
	if n != 16 {
		t.Errorf("materialized occurrences = %d, want 16", n)
	}
}

func TestAddMedicationUnknownUser(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	if err := sched.AddMedication(context.Background(), "ghost", testMedication()); err != nil {
		t.Fatalf("AddMedication for unknown user should not error, got: %v", err)
	}
	if n := len(sched.Jobs()); n != 0 {
		t.Errorf("jobs for unknown user = %d, want 0", n)
	}
}

func TestAddMedicationDisabledSchedule(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	med := testMedication()
	med.RemindersEnabled = false
	if err := sched.AddMedication(ctx, "u1", med); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}
	if n := len(sched.Jobs()); n != 0 {
		t.Errorf("jobs for disabled schedule = %d, want 0", n)
	}
}

func TestUpdateMedicationReplacesJobs(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	med := testMedication()
	if err := sched.AddMedication(ctx, "u1", med); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}

	med.Times = []string{"09:30"}
	if err := sched.UpdateMedication(ctx, "u1", med); err != nil {
		t.Fatalf("UpdateMedication failed: %v", err)
	}

	jobs := sched.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs after update = %d, want 1", len(jobs))
	}
	if jobs[0].Key != schedule.JobKey("u1", "m1", "09:30") {
		t.Errorf("job key after update = %q", jobs[0].Key)
	}

	// Unsent occurrences for the old times are gone.
	occs, _ := s.ListOccurrences(ctx, models.OccurrenceFilter{MedicationID: "m1"})
	for _, occ := range occs {
		if occ.Time != "09:30" {
			t.Errorf("stale occurrence survived update: %s %s", occ.Date, occ.Time)
		}
	}
}

func TestUpdateMedicationDisableTearsDown(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	med := testMedication()
	if err := sched.AddMedication(ctx, "u1", med); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}

	med.RemindersEnabled = false
	if err := sched.UpdateMedication(ctx, "u1", med); err != nil {
		t.Fatalf("UpdateMedication failed: %v", err)
	}
	if n := len(sched.Jobs()); n != 0 {
		t.Errorf("jobs after disable = %d, want 0", n)
	}
	n, _ := s.CountOccurrences(ctx, models.OccurrenceFilter{MedicationID: "m1"})
	if n != 0 {
		t.Errorf("unsent occurrences after disable = %d, want 0", n)
	}
}

func TestRemoveMedication(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := sched.AddMedication(ctx, "u1", testMedication()); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}

	if err := sched.RemoveMedication(ctx, "u1", "m1"); err != nil {
		t.Fatalf("RemoveMedication failed: %v", err)
	}
	if n := len(sched.Jobs()); n != 0 {
		t.Errorf("jobs after remove = %d, want 0", n)
	}
}

func TestRemoveUserCancelsEverything(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := sched.AddMedication(ctx, "u1", testMedication()); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}
	occ := models.ReminderOccurrence{
		OccurrenceKey:  models.OccurrenceKey{UserID: "u1", MedicationID: "m1", Date: "2026-09-01", Time: "08:00"},
		MedicationName: "Metformin",
	}
	if err := sched.ScheduleSnooze(ctx, occ, fixedNow().Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleSnooze failed: %v", err)
	}

	sched.RemoveUser(ctx, "u1")

	status := sched.Status()
	if status.Jobs != 0 || status.Snoozes != 0 {
		t.Errorf("status after RemoveUser = %+v, want zero jobs and snoozes", status)
	}
}

func TestInitializeAllRebuildsFromStore(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := s.SaveMedication(ctx, testMedication()); err != nil {
		t.Fatalf("SaveMedication failed: %v", err)
	}
	disabled := testMedication()
	disabled.ID = "m2"
	disabled.RemindersEnabled = false
	if err := s.SaveMedication(ctx, disabled); err != nil {
		t.Fatalf("SaveMedication failed: %v", err)
	}

	if err := sched.InitializeAll(ctx); err != nil {
		t.Fatalf("InitializeAll failed: %v", err)
	}

	// 2 medication jobs plus the daily check-in.
	jobs := sched.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("jobs after InitializeAll = %d, want 3", len(jobs))
	}
	var hasCheckIn bool
	for _, j := range jobs {
		if j.Key == schedule.DailyCheckInKey {
			hasCheckIn = true
		}
	}
	if !hasCheckIn {
		t.Error("daily check-in job missing after InitializeAll")
	}

	// Running it again must not duplicate anything.
	if err := sched.InitializeAll(ctx); err != nil {
		t.Fatalf("second InitializeAll failed: %v", err)
	}
	if n := len(sched.Jobs()); n != 3 {
		t.Errorf("jobs after second InitializeAll = %d, want 3", n)
	}
}

func TestFireReminderSendsAndMarksSent(t *testing.T) {
	sched, s, gw := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := sched.AddMedication(ctx, "u1", testMedication()); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}

	sched.fireReminder("m1", "08:00")

	if gw.count() != 1 {
		t.Fatalf("gateway sends = %d, want 1", gw.count())
	}
	body := gw.texts[0]
	for _, fragment := range []string{"Asha Patel", "Metformin", "(500mg)", "at 08:00", "Take with food", "TAKEN", "SNOOZE"} {
		if !strings.Contains(body, fragment) {
			t.Errorf("reminder body missing %q: %s", fragment, body)
		}
	}

	occ, err := s.GetOccurrence(ctx, models.OccurrenceKey{UserID: "u1", MedicationID: "m1", Date: "2026-09-01", Time: "08:00"})
	if err != nil {
		t.Fatalf("GetOccurrence failed: %v", err)
	}
	if occ == nil || !occ.Sent {
		t.Errorf("occurrence not marked sent after fire: %+v", occ)
	}
}

func TestFireReminderRevalidatesSchedule(t *testing.T) {
	sched, s, gw := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := sched.AddMedication(ctx, "u1", testMedication()); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}

	// Disable between installation and fire.
	med := testMedication()
	med.RemindersEnabled = false
	sched.mu.Lock()
	sched.medications["m1"] = med
	sched.mu.Unlock()

	sched.fireReminder("m1", "08:00")
	if gw.count() != 0 {
		t.Errorf("gateway sends for disabled medication = %d, want 0", gw.count())
	}
}

func TestFireReminderSkipsOffDays(t *testing.T) {
	sched, s, gw := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	med := testMedication()
	med.Days = []string{"wednesday"} // fixedNow is a Tuesday
	if err := sched.AddMedication(ctx, "u1", med); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}

	sched.fireReminder("m1", "08:00")
	if gw.count() != 0 {
		t.Errorf("gateway sends on a non-scheduled weekday = %d, want 0", gw.count())
	}
}

func TestFireSnoozeDropsStaleOccurrence(t *testing.T) {
	sched, s, gw := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := sched.AddMedication(ctx, "u1", testMedication()); err != nil {
		t.Fatalf("AddMedication failed: %v", err)
	}

	// A snooze whose occurrence was deleted by a later regenerate.
	stale := models.ReminderOccurrence{
		OccurrenceKey: models.OccurrenceKey{UserID: "u1", MedicationID: "m1", Date: "2026-08-30", Time: "06:00"},
	}
	sched.fireSnooze(stale)
	if gw.count() != 0 {
		t.Errorf("gateway sends for stale snooze = %d, want 0", gw.count())
	}

	// A snooze for a live occurrence goes through.
	live := models.ReminderOccurrence{
		OccurrenceKey:  models.OccurrenceKey{UserID: "u1", MedicationID: "m1", Date: "2026-09-01", Time: "08:00"},
		MedicationName: "Metformin",
	}
	sched.fireSnooze(live)
	if gw.count() != 1 {
		t.Errorf("gateway sends for live snooze = %d, want 1", gw.count())
	}
}

func TestFireCheckInReachesEveryUser(t *testing.T) {
	sched, s, gw := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	second := models.User{ID: "u2", FirstName: "Rahul", Phone: "+14155552671"}
	if err := s.SaveUser(ctx, second); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	badPhone := models.User{ID: "u3", FirstName: "Nobody", Phone: "12"}
	if err := s.SaveUser(ctx, badPhone); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := sched.InitializeAll(ctx); err != nil {
		t.Fatalf("InitializeAll failed: %v", err)
	}

	sched.fireCheckIn()
	if gw.count() != 2 {
		t.Errorf("check-in sends = %d, want 2 (invalid phone skipped)", gw.count())
	}
	for _, body := range gw.texts {
		if !strings.Contains(body, "log your health data") {
			t.Errorf("check-in body missing health-log text: %s", body)
		}
	}
}

func TestSendTestReminder(t *testing.T) {
	sched, s, gw := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := s.SaveMedication(ctx, testMedication()); err != nil {
		t.Fatalf("SaveMedication failed: %v", err)
	}

	outcome, err := sched.SendTestReminder(ctx, "m1")
	if err != nil {
		t.Fatalf("SendTestReminder failed: %v", err)
	}
	if !outcome.Success {
		t.Errorf("outcome = %+v, want success", outcome)
	}
	if gw.count() != 1 {
		t.Errorf("gateway sends = %d, want 1", gw.count())
	}

	if _, err := sched.SendTestReminder(ctx, "missing"); err == nil {
		t.Error("SendTestReminder for unknown medication should fail")
	}
}

func TestStatusSnapshot(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, testUser()); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := s.SaveMedication(ctx, testMedication()); err != nil {
		t.Fatalf("SaveMedication failed: %v", err)
	}
	if err := sched.InitializeAll(ctx); err != nil {
		t.Fatalf("InitializeAll failed: %v", err)
	}

	status := sched.Status()
	if status.Users != 1 || status.Medications != 1 {
		t.Errorf("status = %+v, want 1 user and 1 medication", status)
	}
	if status.Jobs != 3 {
		t.Errorf("status jobs = %d, want 3 (two times + check-in)", status.Jobs)
	}
	if !status.Gateway.Available {
		t.Error("gateway should report available")
	}
}
