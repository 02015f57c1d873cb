// Package store provides storage backends for the Medi-Mind reminder
// engine.
//
// It persists reminder occurrences (the core-owned data) plus the user
// and medication snapshots the scheduler reads, with SQLite, PostgreSQL,
// and in-memory implementations.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/medimind/medimind/internal/models"
)

// Store is the persistence contract shared by all backends.
//
// Occurrence writes are independent, idempotent operations: the natural
// key plus upsert semantics substitute for cross-job locking.
type Store interface {
	// Users
	SaveUser(ctx context.Context, u models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUsers(ctx context.Context) ([]models.User, error)
	FindUserByPhone(ctx context.Context, phone string) (*models.User, error)
	DeleteUser(ctx context.Context, id string) error

	// Medications
	SaveMedication(ctx context.Context, m models.Medication) error
	GetMedication(ctx context.Context, id string) (*models.Medication, error)
	GetActiveMedications(ctx context.Context) ([]models.Medication, error)
	GetMedicationsByUser(ctx context.Context, userID string) ([]models.Medication, error)
	DeleteMedication(ctx context.Context, id string) error
	DeleteMedicationsByUser(ctx context.Context, userID string) error

	// Reminder occurrences
	UpsertOccurrence(ctx context.Context, occ models.ReminderOccurrence) (inserted bool, err error)
	DeleteOccurrences(ctx context.Context, f models.OccurrenceFilter) (int64, error)
	CountOccurrences(ctx context.Context, f models.OccurrenceFilter) (int64, error)
	ListOccurrences(ctx context.Context, f models.OccurrenceFilter) ([]models.ReminderOccurrence, error)
	GetOccurrence(ctx context.Context, key models.OccurrenceKey) (*models.ReminderOccurrence, error)
	MarkSent(ctx context.Context, key models.OccurrenceKey, at time.Time) error
	MarkOutcome(ctx context.Context, key models.OccurrenceKey, outcome models.OutcomeKind) error
	FindLatestSentByUser(ctx context.Context, userID string) (*models.ReminderOccurrence, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres", "sqlite", or "memory".
// Anything that is neither a Postgres URL nor key/value form is treated
// as a SQLite file path; an empty DSN selects the in-memory store.
func DetectDSNType(dsn string) string {
	switch {
	case dsn == "":
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	default:
		return "sqlite"
	}
}

// NewStore opens the backend matching the DSN type.
func NewStore(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	case "sqlite":
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	default:
		return NewInMemoryStore(), nil
	}
}
