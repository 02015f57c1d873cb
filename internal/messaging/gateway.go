// Package messaging provides the outbound message gateway and inbound
// reply processing for the Medi-Mind reminder engine.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/medimind/medimind/internal/models"
	"github.com/medimind/medimind/internal/twiliosms"
)

// Gateway abstracts the outbound messaging channel. Implementations
// never return an error: every failure is classified into the closed
// ErrorKind taxonomy and reported as data, because the job loop must
// continue regardless of one failed dispatch.
type Gateway interface {
	// Send dispatches one message and reports the structured outcome.
	Send(ctx context.Context, to string, body string) models.DispatchOutcome

	// Available reports whether a live channel is configured.
	Available() bool

	// Status returns the channel summary for health reporting.
	Status() models.GatewayStatus
}

// SMSGateway sends through Twilio, or simulates delivery when no live
// client is configured. Simulation is the designed degraded mode, not a
// bug path: reminders keep flowing through the system without SMS.
type SMSGateway struct {
	sender     twiliosms.Sender
	fromNumber string
}

// NewSMSGateway creates a gateway around the given sender. A nil sender
// puts the gateway in simulation mode.
func NewSMSGateway(sender twiliosms.Sender, fromNumber string) *SMSGateway {
	if sender == nil {
		slog.Info("SMSGateway running in simulation mode, no Twilio credentials configured")
	}
	return &SMSGateway{sender: sender, fromNumber: fromNumber}
}

// Available reports whether a live Twilio client is configured.
func (g *SMSGateway) Available() bool {
	return g.sender != nil
}

// Status returns the gateway summary for health reporting.
func (g *SMSGateway) Status() models.GatewayStatus {
	return models.GatewayStatus{
		Configured: g.sender != nil,
		Available:  g.sender != nil,
		Simulated:  g.sender == nil,
		FromNumber: g.fromNumber,
	}
}

// Send dispatches one SMS. In simulation mode it performs no network
// call and reports success with a synthetic message ID.
func (g *SMSGateway) Send(ctx context.Context, to string, body string) models.DispatchOutcome {
	if g.sender == nil {
		slog.Info("SMSGateway simulated send", "to", to, "body_length", len(body))
		return models.DispatchOutcome{
			Success:   true,
			Simulated: true,
			MessageID: fmt.Sprintf("sim-%d", time.Now().UnixMilli()),
		}
	}

	sid, err := g.sender.SendSMS(ctx, to, body)
	if err != nil {
		kind := classifyTwilioError(err)
		slog.Error("SMSGateway send failed", "to", to, "error", err, "error_kind", kind)
		return models.DispatchOutcome{Success: false, ErrorKind: kind}
	}

	slog.Debug("SMSGateway send succeeded", "to", to, "sid", sid)
	return models.DispatchOutcome{Success: true, MessageID: sid}
}

// classifyTwilioError maps provider error codes into the closed
// ErrorKind taxonomy so provider-specific codes never leak to callers.
func classifyTwilioError(err error) models.ErrorKind {
	code, ok := twiliosms.ErrorCode(err)
	if !ok {
		return models.ErrorKindUnknown
	}
	switch code {
	case 21211, 21212:
		return models.ErrorKindInvalidPhone
	case 21608:
		return models.ErrorKindRecipientUnverified
	case 21610:
		return models.ErrorKindQueueFull
	case 20003:
		return models.ErrorKindAuthFailure
	case 20404:
		return models.ErrorKindResourceNotFound
	default:
		return models.ErrorKindUnknown
	}
}
