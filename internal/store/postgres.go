package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/medimind/medimind/internal/models"
)

// Connection pool settings shared by PostgreSQL deployments.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 10
	DefaultConnMaxLifetime = 30 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists engine data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveUser(ctx context.Context, u models.User) error {
	_, err := s.db.ExecContext(ctx, rebindDollar(`INSERT INTO users (id, first_name, last_name, phone, email) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_name=excluded.first_name, last_name=excluded.last_name, phone=excluded.phone, email=excluded.email`),
		u.ID, u.FirstName, u.LastName, u.Phone, u.Email)
	if err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, rebindDollar(`SELECT id, first_name, last_name, phone, email FROM users WHERE id = ?`), id)
	return scanUserRow(row)
}

func (s *PostgresStore) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, rebindDollar(`SELECT id, first_name, last_name, phone, email FROM users WHERE phone = ?`), phone)
	return scanUserRow(row)
}

func (s *PostgresStore) GetUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, first_name, last_name, phone, email FROM users ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Phone, &u.Email); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, rebindDollar(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SaveMedication(ctx context.Context, m models.Medication) error {
	times, days, err := encodeSchedule(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, rebindDollar(`INSERT INTO medications (id, user_id, name, dosage, instructions, times, days, start_date, end_date, reminders_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, name=excluded.name, dosage=excluded.dosage,
			instructions=excluded.instructions, times=excluded.times, days=excluded.days,
			start_date=excluded.start_date, end_date=excluded.end_date, reminders_enabled=excluded.reminders_enabled`),
		m.ID, m.UserID, m.Name, m.Dosage, m.Instructions, times, days, m.StartDate, nilIfEmpty(m.EndDate), m.RemindersEnabled)
	if err != nil {
		slog.Error("PostgresStore SaveMedication failed", "error", err, "medicationID", m.ID)
		return fmt.Errorf("failed to save medication %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMedication(ctx context.Context, id string) (*models.Medication, error) {
	row := s.db.QueryRowContext(ctx, rebindDollar(selectMedication+` WHERE id = ?`), id)
	return scanMedicationRow(row)
}

func (s *PostgresStore) GetActiveMedications(ctx context.Context) ([]models.Medication, error) {
	return s.queryMedications(ctx, selectMedication+` WHERE reminders_enabled = TRUE ORDER BY id`)
}

func (s *PostgresStore) GetMedicationsByUser(ctx context.Context, userID string) ([]models.Medication, error) {
	return s.queryMedications(ctx, rebindDollar(selectMedication+` WHERE user_id = ? ORDER BY id`), userID)
}

func (s *PostgresStore) queryMedications(ctx context.Context, query string, args ...interface{}) ([]models.Medication, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore medication query failed", "error", err)
		return nil, fmt.Errorf("failed to query medications: %w", err)
	}
	defer rows.Close()

	var meds []models.Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

func (s *PostgresStore) DeleteMedication(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, rebindDollar(`DELETE FROM medications WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete medication %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteMedicationsByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, rebindDollar(`DELETE FROM medications WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete medications for user %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertOccurrence(ctx context.Context, occ models.ReminderOccurrence) (bool, error) {
	res, err := s.db.ExecContext(ctx, rebindDollar(`INSERT INTO reminder_occurrences
		(user_id, medication_id, date, time, medication_name, dosage, instructions)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, medication_id, date, time) DO NOTHING`),
		occ.UserID, occ.MedicationID, occ.Date, occ.Time, occ.MedicationName, occ.Dosage, occ.Instructions)
	if err != nil {
		slog.Error("PostgresStore UpsertOccurrence failed", "error", err, "userID", occ.UserID, "medicationID", occ.MedicationID)
		return false, fmt.Errorf("failed to upsert occurrence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read upsert result: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) DeleteOccurrences(ctx context.Context, f models.OccurrenceFilter) (int64, error) {
	where, args := occurrenceWhere(f)
	res, err := s.db.ExecContext(ctx, rebindDollar(`DELETE FROM reminder_occurrences`+where), args...)
	if err != nil {
		slog.Error("PostgresStore DeleteOccurrences failed", "error", err)
		return 0, fmt.Errorf("failed to delete occurrences: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CountOccurrences(ctx context.Context, f models.OccurrenceFilter) (int64, error) {
	where, args := occurrenceWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, rebindDollar(`SELECT COUNT(*) FROM reminder_occurrences`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListOccurrences(ctx context.Context, f models.OccurrenceFilter) ([]models.ReminderOccurrence, error) {
	where, args := occurrenceWhere(f)
	rows, err := s.db.QueryContext(ctx, rebindDollar(selectOccurrence+where+` ORDER BY date, time`), args...)
	if err != nil {
		slog.Error("PostgresStore ListOccurrences query failed", "error", err)
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var occs []models.ReminderOccurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		occs = append(occs, occ)
	}
	return occs, rows.Err()
}

func (s *PostgresStore) GetOccurrence(ctx context.Context, key models.OccurrenceKey) (*models.ReminderOccurrence, error) {
	row := s.db.QueryRowContext(ctx, rebindDollar(selectOccurrence+` WHERE user_id = ? AND medication_id = ? AND date = ? AND time = ?`),
		key.UserID, key.MedicationID, key.Date, key.Time)
	return scanOccurrenceRow(row)
}

func (s *PostgresStore) MarkSent(ctx context.Context, key models.OccurrenceKey, at time.Time) error {
	_, err := s.db.ExecContext(ctx, rebindDollar(`UPDATE reminder_occurrences SET sent = TRUE, sent_at = ?
		WHERE user_id = ? AND medication_id = ? AND date = ? AND time = ?`),
		at, key.UserID, key.MedicationID, key.Date, key.Time)
	if err != nil {
		slog.Error("PostgresStore MarkSent failed", "error", err, "userID", key.UserID)
		return fmt.Errorf("failed to mark occurrence sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkOutcome(ctx context.Context, key models.OccurrenceKey, outcome models.OutcomeKind) error {
	if !models.IsValidOutcomeKind(outcome) {
		return fmt.Errorf("%w: %q", models.ErrUnknownOutcomeKind, outcome)
	}
	_, err := s.db.ExecContext(ctx, rebindDollar(`UPDATE reminder_occurrences SET outcome = ?
		WHERE user_id = ? AND medication_id = ? AND date = ? AND time = ?`),
		string(outcome), key.UserID, key.MedicationID, key.Date, key.Time)
	if err != nil {
		slog.Error("PostgresStore MarkOutcome failed", "error", err, "userID", key.UserID)
		return fmt.Errorf("failed to mark occurrence outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindLatestSentByUser(ctx context.Context, userID string) (*models.ReminderOccurrence, error) {
	row := s.db.QueryRowContext(ctx, rebindDollar(selectOccurrence+` WHERE user_id = ? AND sent = TRUE ORDER BY sent_at DESC LIMIT 1`), userID)
	return scanOccurrenceRow(row)
}
