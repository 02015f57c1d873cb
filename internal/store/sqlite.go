// SQLite-backed store for reminder occurrences and scheduler snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/medimind/medimind/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists engine data in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path; its directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveUser(ctx context.Context, u models.User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, first_name, last_name, phone, email) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_name=excluded.first_name, last_name=excluded.last_name, phone=excluded.phone, email=excluded.email`,
		u.ID, u.FirstName, u.LastName, u.Phone, u.Email)
	if err != nil {
		slog.Error("SQLiteStore SaveUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, first_name, last_name, phone, email FROM users WHERE id = ?`, id)
	return scanUserRow(row)
}

func (s *SQLiteStore) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, first_name, last_name, phone, email FROM users WHERE phone = ?`, phone)
	return scanUserRow(row)
}

func (s *SQLiteStore) GetUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, first_name, last_name, phone, email FROM users ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetUsers query failed", "error", err)
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

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SaveMedication(ctx context.Context, m models.Medication) error {
	times, days, err := encodeSchedule(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO medications (id, user_id, name, dosage, instructions, times, days, start_date, end_date, reminders_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, name=excluded.name, dosage=excluded.dosage,
			instructions=excluded.instructions, times=excluded.times, days=excluded.days,
			start_date=excluded.start_date, end_date=excluded.end_date, reminders_enabled=excluded.reminders_enabled`,
		m.ID, m.UserID, m.Name, m.Dosage, m.Instructions, times, days, m.StartDate, nilIfEmpty(m.EndDate), m.RemindersEnabled)
	if err != nil {
		slog.Error("SQLiteStore SaveMedication failed", "error", err, "medicationID", m.ID)
		return fmt.Errorf("failed to save medication %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetMedication(ctx context.Context, id string) (*models.Medication, error) {
	row := s.db.QueryRowContext(ctx, selectMedication+` WHERE id = ?`, id)
	return scanMedicationRow(row)
}

func (s *SQLiteStore) GetActiveMedications(ctx context.Context) ([]models.Medication, error) {
	return s.queryMedications(ctx, selectMedication+` WHERE reminders_enabled = 1 ORDER BY id`)
}

func (s *SQLiteStore) GetMedicationsByUser(ctx context.Context, userID string) ([]models.Medication, error) {
	return s.queryMedications(ctx, selectMedication+` WHERE user_id = ? ORDER BY id`, userID)
}

func (s *SQLiteStore) queryMedications(ctx context.Context, query string, args ...interface{}) ([]models.Medication, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore medication query failed", "error", err)
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

func (s *SQLiteStore) DeleteMedication(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM medications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete medication %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMedicationsByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM medications WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete medications for user %s: %w", userID, err)
	}
	return nil
}

// UpsertOccurrence inserts an occurrence if its natural key is new. The
// denormalized fields are written only on insert, so re-running
// materialization never alters existing rows.
func (s *SQLiteStore) UpsertOccurrence(ctx context.Context, occ models.ReminderOccurrence) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO reminder_occurrences
		(user_id, medication_id, date, time, medication_name, dosage, instructions)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, medication_id, date, time) DO NOTHING`,
		occ.UserID, occ.MedicationID, occ.Date, occ.Time, occ.MedicationName, occ.Dosage, occ.Instructions)
	if err != nil {
		slog.Error("SQLiteStore UpsertOccurrence failed", "error", err, "userID", occ.UserID, "medicationID", occ.MedicationID)
		return false, fmt.Errorf("failed to upsert occurrence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read upsert result: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteOccurrences(ctx context.Context, f models.OccurrenceFilter) (int64, error) {
	where, args := occurrenceWhere(f)
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminder_occurrences`+where, args...)
	if err != nil {
		slog.Error("SQLiteStore DeleteOccurrences failed", "error", err)
		return 0, fmt.Errorf("failed to delete occurrences: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountOccurrences(ctx context.Context, f models.OccurrenceFilter) (int64, error) {
	where, args := occurrenceWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminder_occurrences`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListOccurrences(ctx context.Context, f models.OccurrenceFilter) ([]models.ReminderOccurrence, error) {
	where, args := occurrenceWhere(f)
	rows, err := s.db.QueryContext(ctx, selectOccurrence+where+` ORDER BY date, time`, args...)
	if err != nil {
		slog.Error("SQLiteStore ListOccurrences query failed", "error", err)
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

func (s *SQLiteStore) GetOccurrence(ctx context.Context, key models.OccurrenceKey) (*models.ReminderOccurrence, error) {
	row := s.db.QueryRowContext(ctx, selectOccurrence+` WHERE user_id = ? AND medication_id = ? AND date = ? AND time = ?`,
		key.UserID, key.MedicationID, key.Date, key.Time)
	return scanOccurrenceRow(row)
}

func (s *SQLiteStore) MarkSent(ctx context.Context, key models.OccurrenceKey, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reminder_occurrences SET sent = 1, sent_at = ?
		WHERE user_id = ? AND medication_id = ? AND date = ? AND time = ?`,
		at, key.UserID, key.MedicationID, key.Date, key.Time)
	if err != nil {
		slog.Error("SQLiteStore MarkSent failed", "error", err, "userID", key.UserID)
		return fmt.Errorf("failed to mark occurrence sent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkOutcome(ctx context.Context, key models.OccurrenceKey, outcome models.OutcomeKind) error {
	if !models.IsValidOutcomeKind(outcome) {
		return fmt.Errorf("%w: %q", models.ErrUnknownOutcomeKind, outcome)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE reminder_occurrences SET outcome = ?
		WHERE user_id = ? AND medication_id = ? AND date = ? AND time = ?`,
		string(outcome), key.UserID, key.MedicationID, key.Date, key.Time)
	if err != nil {
		slog.Error("SQLiteStore MarkOutcome failed", "error", err, "userID", key.UserID)
		return fmt.Errorf("failed to mark occurrence outcome: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindLatestSentByUser(ctx context.Context, userID string) (*models.ReminderOccurrence, error) {
	row := s.db.QueryRowContext(ctx, selectOccurrence+` WHERE user_id = ? AND sent = 1 ORDER BY sent_at DESC LIMIT 1`, userID)
	return scanOccurrenceRow(row)
}

const selectMedication = `SELECT id, user_id, name, dosage, instructions, times, days, start_date, end_date, reminders_enabled FROM medications`

const selectOccurrence = `SELECT user_id, medication_id, date, time, medication_name, dosage, instructions, sent, sent_at, outcome FROM reminder_occurrences`

// nilIfEmpty returns nil for empty strings so nullable columns stay NULL.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeSchedule(m models.Medication) (string, string, error) {
	times, err := json.Marshal(m.Times)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode times: %w", err)
	}
	days, err := json.Marshal(m.Days)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode days: %w", err)
	}
	return string(times), string(days), nil
}

func scanUserRow(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Phone, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMedicationFrom(sc rowScanner) (models.Medication, error) {
	var m models.Medication
	var times, days string
	var endDate sql.NullString
	err := sc.Scan(&m.ID, &m.UserID, &m.Name, &m.Dosage, &m.Instructions, &times, &days, &m.StartDate, &endDate, &m.RemindersEnabled)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(times), &m.Times); err != nil {
		return m, fmt.Errorf("failed to decode times for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(days), &m.Days); err != nil {
		return m, fmt.Errorf("failed to decode days for %s: %w", m.ID, err)
	}
	m.EndDate = endDate.String
	return m, nil
}

func scanMedication(rows *sql.Rows) (models.Medication, error) {
	m, err := scanMedicationFrom(rows)
	if err != nil {
		return m, fmt.Errorf("failed to scan medication row: %w", err)
	}
	return m, nil
}

func scanMedicationRow(row *sql.Row) (*models.Medication, error) {
	m, err := scanMedicationFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan medication: %w", err)
	}
	return &m, nil
}

func scanOccurrenceFrom(sc rowScanner) (models.ReminderOccurrence, error) {
	var occ models.ReminderOccurrence
	var sentAt sql.NullTime
	var outcome string
	err := sc.Scan(&occ.UserID, &occ.MedicationID, &occ.Date, &occ.Time,
		&occ.MedicationName, &occ.Dosage, &occ.Instructions, &occ.Sent, &sentAt, &outcome)
	if err != nil {
		return occ, err
	}
	if sentAt.Valid {
		occ.SentAt = &sentAt.Time
	}
	occ.Outcome = models.OutcomeKind(outcome)
	return occ, nil
}

func scanOccurrence(rows *sql.Rows) (models.ReminderOccurrence, error) {
	occ, err := scanOccurrenceFrom(rows)
	if err != nil {
		return occ, fmt.Errorf("failed to scan occurrence row: %w", err)
	}
	return occ, nil
}

func scanOccurrenceRow(row *sql.Row) (*models.ReminderOccurrence, error) {
	occ, err := scanOccurrenceFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan occurrence: %w", err)
	}
	return &occ, nil
}
