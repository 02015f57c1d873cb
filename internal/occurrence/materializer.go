// Package occurrence materializes recurring medication schedules into
// concrete dated reminder occurrences over a rolling horizon.
package occurrence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/medimind/medimind/internal/models"
)

// DefaultHorizonDays is the rolling materialization window.
const DefaultHorizonDays = 30

// OccurrenceWriter is the slice of the store the materializer needs.
type OccurrenceWriter interface {
	UpsertOccurrence(ctx context.Context, occ models.ReminderOccurrence) (bool, error)
	DeleteOccurrences(ctx context.Context, f models.OccurrenceFilter) (int64, error)
}

// Materializer expands medication schedules into occurrence rows. All
// date arithmetic happens in the engine's fixed zone.
type Materializer struct {
	store       OccurrenceWriter
	zone        *time.Location
	horizonDays int
	now         func() time.Time
}

// Opts holds configuration options for the materializer.
type Opts struct {
	Zone        *time.Location
	HorizonDays int
	Now         func() time.Time
}

// Option defines a configuration option for the materializer.
type Option func(*Opts)

// WithZone sets the fixed time zone for schedule interpretation.
func WithZone(zone *time.Location) Option {
	return func(o *Opts) { o.Zone = zone }
}

// WithHorizonDays overrides the rolling window length.
func WithHorizonDays(days int) Option {
	return func(o *Opts) { o.HorizonDays = days }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// NewMaterializer creates a materializer writing through the given
// store slice.
func NewMaterializer(store OccurrenceWriter, opts ...Option) *Materializer {
	cfg := Opts{
		Zone:        time.UTC,
		HorizonDays: DefaultHorizonDays,
		Now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Materializer{
		store:       store,
		zone:        cfg.Zone,
		horizonDays: cfg.HorizonDays,
		now:         cfg.Now,
	}
}

// Materialize writes one occurrence per admitted (date, time) pair for
// the medication, from today through today+horizonDays inclusive.
// Re-running is idempotent: existing rows are never altered, so sent
// state and outcomes survive.
func (m *Materializer) Materialize(ctx context.Context, med models.Medication) (int, error) {
	if !med.RemindersEnabled {
		slog.Debug("Materializer.Materialize: reminders disabled, skipping", "medicationID", med.ID)
		return 0, nil
	}
	if err := med.Validate(); err != nil {
		return 0, fmt.Errorf("invalid medication %s: %w", med.ID, err)
	}

	today := m.now().In(m.zone)
	inserted := 0
	for i := 0; i <= m.horizonDays; i++ {
		date := today.AddDate(0, 0, i)
		if !med.ActiveOn(date) {
			continue
		}
		day := date.Format(models.DateLayout)
		for _, tod := range med.Times {
			occ := models.ReminderOccurrence{
				OccurrenceKey: models.OccurrenceKey{
					UserID:       med.UserID,
					MedicationID: med.ID,
					Date:         day,
					Time:         tod,
				},
				MedicationName: med.Name,
				Dosage:         med.Dosage,
				Instructions:   med.Instructions,
			}
			ok, err := m.store.UpsertOccurrence(ctx, occ)
			if err != nil {
				return inserted, fmt.Errorf("failed to materialize occurrence for %s on %s %s: %w", med.ID, day, tod, err)
			}
			if ok {
				inserted++
			}
		}
	}
	slog.Debug("Materializer.Materialize: window expanded",
		"medicationID", med.ID, "userID", med.UserID, "inserted", inserted)
	return inserted, nil
}

// Regenerate rebuilds the window after a schedule change. Unsent rows
// for the medication are removed first so stale times and dates
// disappear; sent rows are kept as dispatch history.
func (m *Materializer) Regenerate(ctx context.Context, med models.Medication) (int, error) {
	deleted, err := m.store.DeleteOccurrences(ctx, models.OccurrenceFilter{
		UserID:       med.UserID,
		MedicationID: med.ID,
		Sent:         models.BoolPtr(false),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear unsent occurrences for %s: %w", med.ID, err)
	}
	slog.Debug("Materializer.Regenerate: cleared unsent occurrences",
		"medicationID", med.ID, "deleted", deleted)
	return m.Materialize(ctx, med)
}

// Purge removes every unsent occurrence for the medication. Used when a
// medication is deleted or its reminders are turned off.
func (m *Materializer) Purge(ctx context.Context, userID, medicationID string) error {
	_, err := m.store.DeleteOccurrences(ctx, models.OccurrenceFilter{
		UserID:       userID,
		MedicationID: medicationID,
		Sent:         models.BoolPtr(false),
	})
	if err != nil {
		return fmt.Errorf("failed to purge occurrences for %s: %w", medicationID, err)
	}
	return nil
}
