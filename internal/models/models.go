// Package models defines the core data structures for the Medi-Mind
// reminder engine.
//
// It includes users, medication schedules, materialized reminder
// occurrences, and dispatch outcomes, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for occurrence and schedule dates.
const DateLayout = "2006-01-02"

// TimeOfDayLayout is the wire format for schedule times of day.
const TimeOfDayLayout = "15:04"

// Error variables for better error handling and testability
var (
	ErrEmptyUserID        = errors.New("user ID cannot be empty")
	ErrEmptyMedicationID  = errors.New("medication ID cannot be empty")
	ErrEmptyName          = errors.New("medication name is required")
	ErrNoReminderTimes    = errors.New("at least one reminder time is required when reminders are enabled")
	ErrInvalidTimeOfDay   = errors.New("reminder time must be in HH:MM format")
	ErrInvalidDay         = errors.New("invalid day of week name")
	ErrInvalidStartDate   = errors.New("start date must be in YYYY-MM-DD format")
	ErrInvalidEndDate     = errors.New("end date must be in YYYY-MM-DD format")
	ErrEndBeforeStart     = errors.New("end date cannot be before start date")
	ErrUnknownOutcomeKind = errors.New("unknown occurrence outcome")
)

// dayNames maps lowercase weekday names to time.Weekday, Sunday first as
// in the stored schedule format.
var dayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseDayName converts a stored weekday name (case-insensitive) to a
// time.Weekday.
func ParseDayName(name string) (time.Weekday, error) {
	d, ok := dayNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDay, name)
	}
	return d, nil
}

// User represents a patient account as seen by the reminder engine.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
}

// FullName returns the display name used in outbound messages.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Medication represents a recurring medication schedule. It is owned by
// the medication-management layer; the engine reads it to install jobs
// and materialize occurrences.
type Medication struct {
	ID               string   `json:"id"`
	UserID           string   `json:"userId"`
	Name             string   `json:"name"`
	Dosage           string   `json:"dosage"`
	Instructions     string   `json:"instructions,omitempty"`
	Times            []string `json:"times"`
	Days             []string `json:"days,omitempty"`
	StartDate        string   `json:"startDate"`
	EndDate          string   `json:"endDate,omitempty"`
	RemindersEnabled bool     `json:"reminders"`
}

// Validate performs structural validation on a medication schedule.
func (m *Medication) Validate() error {
	if m.UserID == "" {
		return ErrEmptyUserID
	}
	if m.Name == "" {
		return ErrEmptyName
	}
	if m.RemindersEnabled && len(m.Times) == 0 {
		return ErrNoReminderTimes
	}
	for _, tod := range m.Times {
		if _, err := time.Parse(TimeOfDayLayout, tod); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, tod)
		}
	}
	for _, day := range m.Days {
		if _, err := ParseDayName(day); err != nil {
			return err
		}
	}
	var start, end time.Time
	if m.StartDate != "" {
		var err error
		start, err = time.Parse(DateLayout, m.StartDate)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidStartDate, m.StartDate)
		}
	}
	if m.EndDate != "" {
		var err error
		end, err = time.Parse(DateLayout, m.EndDate)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidEndDate, m.EndDate)
		}
		if m.StartDate != "" && end.Before(start) {
			return ErrEndBeforeStart
		}
	}
	return nil
}

// ActiveOn reports whether the schedule admits the given calendar date:
// inside the [StartDate, EndDate] window and on a scheduled weekday. An
// empty Days set means every day.
func (m *Medication) ActiveOn(date time.Time) bool {
	day := date.Format(DateLayout)
	if m.StartDate != "" && day < m.StartDate {
		return false
	}
	if m.EndDate != "" && day > m.EndDate {
		return false
	}
	if len(m.Days) == 0 {
		return true
	}
	for _, name := range m.Days {
		if d, err := ParseDayName(name); err == nil && d == date.Weekday() {
			return true
		}
	}
	return false
}

// OutcomeKind classifies how a patient closed the loop on an occurrence.
type OutcomeKind string

const (
	// OutcomeUnset means no reply has been processed for the occurrence.
	OutcomeUnset OutcomeKind = ""
	// OutcomeAcknowledged records a TAKEN reply.
	OutcomeAcknowledged OutcomeKind = "acknowledged"
	// OutcomeMissed records a MISSED reply.
	OutcomeMissed OutcomeKind = "missed"
	// OutcomeSnoozed records a SNOOZE reply with a pending re-dispatch.
	OutcomeSnoozed OutcomeKind = "snoozed"
)

// IsValidOutcomeKind checks if the given outcome kind is supported.
func IsValidOutcomeKind(k OutcomeKind) bool {
	switch k {
	case OutcomeUnset, OutcomeAcknowledged, OutcomeMissed, OutcomeSnoozed:
		return true
	default:
		return false
	}
}

// OccurrenceKey is the composite natural key of a reminder occurrence.
// Uniqueness is enforced by the store via idempotent upsert.
type OccurrenceKey struct {
	UserID       string `json:"userId"`
	MedicationID string `json:"medicationId"`
	Date         string `json:"date"` // YYYY-MM-DD in the fixed zone
	Time         string `json:"time"` // HH:MM in the fixed zone
}

// ReminderOccurrence is one concrete dated instance of a recurring
// medication reminder. The medication fields are denormalized snapshots
// captured at materialization time.
type ReminderOccurrence struct {
	OccurrenceKey
	MedicationName string      `json:"medicationName"`
	Dosage         string      `json:"dosage"`
	Instructions   string      `json:"instructions,omitempty"`
	Sent           bool        `json:"sent"`
	SentAt         *time.Time  `json:"sentAt,omitempty"`
	Outcome        OutcomeKind `json:"outcome,omitempty"`
}

// OccurrenceFilter selects occurrences for deletion, counting, or
// listing. Zero-value fields are ignored; Sent is a tri-state.
type OccurrenceFilter struct {
	UserID       string
	MedicationID string
	Date         string
	Sent         *bool
}

// BoolPtr is a convenience for building tri-state filters.
func BoolPtr(b bool) *bool { return &b }

// ErrorKind is the closed taxonomy of gateway dispatch failures.
// Provider-specific codes are mapped into it and never leak to callers.
type ErrorKind string

const (
	ErrorKindInvalidPhone        ErrorKind = "invalid_phone"
	ErrorKindRecipientUnverified ErrorKind = "recipient_unverified"
	ErrorKindQueueFull           ErrorKind = "queue_full"
	ErrorKindAuthFailure         ErrorKind = "auth_failure"
	ErrorKindResourceNotFound    ErrorKind = "resource_not_found"
	ErrorKindUnknown             ErrorKind = "unknown"
)

// Retryable reports whether a later scheduled fire is worth attempting.
// Recipient-side kinds are permanent; infrastructure kinds are not.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindInvalidPhone, ErrorKindRecipientUnverified:
		return false
	default:
		return true
	}
}

// DispatchOutcome is the structured result of one gateway send attempt.
// Failures are data, not errors: the job loop must continue regardless.
type DispatchOutcome struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Simulated bool      `json:"simulated,omitempty"`
}

// JobInfo describes one live registry entry for status reporting.
// NextFireAt is computed from the schedule rule, never stored.
type JobInfo struct {
	Key        string    `json:"key"`
	Running    bool      `json:"running"`
	NextFireAt time.Time `json:"nextFireAt"`
}

// GatewayStatus summarizes outbound channel availability for health
// reporting. Credentials themselves are never exposed.
type GatewayStatus struct {
	Configured bool   `json:"configured"`
	Available  bool   `json:"available"`
	Simulated  bool   `json:"simulated"`
	FromNumber string `json:"fromNumber,omitempty"`
}

// SchedulerStatus is the engine-wide health snapshot.
type SchedulerStatus struct {
	Users       int           `json:"users"`
	Medications int           `json:"medications"`
	Jobs        int           `json:"jobs"`
	Snoozes     int           `json:"snoozes"`
	Gateway     GatewayStatus `json:"gateway"`
}
