// Reply processing for inbound patient SMS keywords.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/medimind/medimind/internal/models"
	"github.com/medimind/medimind/internal/phone"
)

// SnoozeDelay is how far a SNOOZE reply defers the next reminder.
const SnoozeDelay = 15 * time.Minute

// Directory resolves inbound senders to user accounts. Defined here to
// avoid an import cycle with the store package.
type Directory interface {
	FindUserByPhone(ctx context.Context, phone string) (*models.User, error)
}

// AdherenceStore records reply outcomes against occurrences.
type AdherenceStore interface {
	MarkOutcome(ctx context.Context, key models.OccurrenceKey, outcome models.OutcomeKind) error
	FindLatestSentByUser(ctx context.Context, userID string) (*models.ReminderOccurrence, error)
}

// Snoozer schedules a one-shot deferred re-dispatch of an occurrence.
// The reminder scheduler implements this.
type Snoozer interface {
	ScheduleSnooze(ctx context.Context, occ models.ReminderOccurrence, at time.Time) error
}

// Reply bodies. The messaging channel requires a synchronous response to
// every inbound message, so each path returns one of these.
const (
	replyUnidentified = "Sorry, we could not identify your account from this number. Please contact support to update your phone number."
	replyTaken        = "Great job! We've recorded that you took your medication. Stay healthy!"
	replyMissed       = "We've noted that you missed this dose. If you miss doses often, please talk to your doctor."
	replyNoReminder   = "We couldn't find a recent reminder to snooze. You'll hear from us at your next scheduled time."
	replyUnknown      = "Sorry, we didn't understand that. Reply TAKEN, MISSED, or SNOOZE."
)

// ReplyProcessor consumes inbound replies, resolves the sending user,
// and mutates occurrence state. It always produces a reply body and
// never returns an error to the webhook layer.
type ReplyProcessor struct {
	directory Directory
	store     AdherenceStore
	snoozer   Snoozer
	zone      *time.Location
	now       func() time.Time
}

// NewReplyProcessor creates a ReplyProcessor operating in the fixed zone.
func NewReplyProcessor(directory Directory, store AdherenceStore, snoozer Snoozer, zone *time.Location) *ReplyProcessor {
	return &ReplyProcessor{
		directory: directory,
		store:     store,
		snoozer:   snoozer,
		zone:      zone,
		now:       time.Now,
	}
}

// HandleReply processes one inbound reply and returns the outbound
// acknowledgement text.
func (rp *ReplyProcessor) HandleReply(ctx context.Context, from, body string) string {
	canonical, err := phone.Normalize(from)
	if err != nil {
		slog.Warn("ReplyProcessor.HandleReply: unparseable sender number", "from", from, "error", err)
		return replyUnidentified
	}

	user, err := rp.directory.FindUserByPhone(ctx, canonical)
	if err != nil {
		slog.Error("ReplyProcessor.HandleReply: directory lookup failed", "error", err, "from", canonical)
		return replyUnidentified
	}
	if user == nil {
		slog.Warn("ReplyProcessor.HandleReply: unknown sender", "from", canonical)
		return replyUnidentified
	}

	keyword := strings.ToUpper(strings.TrimSpace(body))
	slog.Debug("ReplyProcessor.HandleReply: processing keyword", "userID", user.ID, "keyword", keyword)

	switch keyword {
	case "TAKEN":
		rp.recordOutcome(ctx, user.ID, models.OutcomeAcknowledged)
		return replyTaken
	case "MISSED":
		rp.recordOutcome(ctx, user.ID, models.OutcomeMissed)
		return replyMissed
	case "SNOOZE":
		return rp.handleSnooze(ctx, user.ID)
	default:
		return replyUnknown
	}
}

// recordOutcome marks the user's most recently sent occurrence. A missing
// occurrence is logged, not surfaced: the reply is acknowledged either way.
func (rp *ReplyProcessor) recordOutcome(ctx context.Context, userID string, outcome models.OutcomeKind) {
	occ, err := rp.store.FindLatestSentByUser(ctx, userID)
	if err != nil {
		slog.Error("ReplyProcessor.recordOutcome: lookup failed", "error", err, "userID", userID)
		return
	}
	if occ == nil {
		slog.Warn("ReplyProcessor.recordOutcome: no sent occurrence for user", "userID", userID, "outcome", outcome)
		return
	}
	if err := rp.store.MarkOutcome(ctx, occ.OccurrenceKey, outcome); err != nil {
		slog.Error("ReplyProcessor.recordOutcome: mark failed", "error", err, "userID", userID, "outcome", outcome)
		return
	}
	slog.Info("ReplyProcessor.recordOutcome: outcome recorded", "userID", userID, "medicationID", occ.MedicationID, "outcome", outcome)
}

// handleSnooze schedules a single deferred re-dispatch of the latest sent
// occurrence. This is a one-shot fire, not a recurring registry job.
func (rp *ReplyProcessor) handleSnooze(ctx context.Context, userID string) string {
	occ, err := rp.store.FindLatestSentByUser(ctx, userID)
	if err != nil {
		slog.Error("ReplyProcessor.handleSnooze: lookup failed", "error", err, "userID", userID)
		return replyNoReminder
	}
	if occ == nil {
		slog.Warn("ReplyProcessor.handleSnooze: no sent occurrence for user", "userID", userID)
		return replyNoReminder
	}

	at := rp.now().In(rp.zone).Add(SnoozeDelay)
	if err := rp.snoozer.ScheduleSnooze(ctx, *occ, at); err != nil {
		slog.Error("ReplyProcessor.handleSnooze: scheduling failed", "error", err, "userID", userID, "medicationID", occ.MedicationID)
		return replyNoReminder
	}
	if err := rp.store.MarkOutcome(ctx, occ.OccurrenceKey, models.OutcomeSnoozed); err != nil {
		slog.Error("ReplyProcessor.handleSnooze: mark failed", "error", err, "userID", userID)
	}

	slog.Info("ReplyProcessor.handleSnooze: snooze scheduled", "userID", userID, "medicationID", occ.MedicationID, "at", at)
	return fmt.Sprintf("Okay, we'll remind you about %s again in 15 minutes.", occ.MedicationName)
}
