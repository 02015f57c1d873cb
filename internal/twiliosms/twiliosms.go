// Package twiliosms wraps the Twilio REST API for outbound SMS in the
// Medi-Mind reminder engine.
package twiliosms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender abstracts the outbound SMS call so the gateway can run against
// a real Twilio client or a mock in tests.
type Sender interface {
	// SendSMS sends one message and returns the provider message SID.
	SendSMS(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID          string
	AuthToken           string
	FromNumber          string
	MessagingServiceSID string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithMessagingServiceSID sets a messaging service SID used instead of a
// plain from-number.
func WithMessagingServiceSID(sid string) Option {
	return func(o *Opts) { o.MessagingServiceSID = sid }
}

// Client wraps the Twilio REST API for SMS.
type Client struct {
	client              *twilio.RestClient
	fromNumber          string
	messagingServiceSID string
}

// NewClient constructs a Twilio SMS client. Options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_PHONE_NUMBER, and
// TWILIO_MESSAGING_SERVICE_SID environment variables. Either a from
// number or a messaging service SID must be configured.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_PHONE_NUMBER")
	}
	if cfg.MessagingServiceSID == "" {
		cfg.MessagingServiceSID = os.Getenv("TWILIO_MESSAGING_SERVICE_SID")
	}
	slog.Debug("Twilio SMS client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"MessagingServiceSID_set", cfg.MessagingServiceSID != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" && cfg.MessagingServiceSID == "" {
		return nil, fmt.Errorf("either a from number or a messaging service SID must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:              client,
		fromNumber:          cfg.FromNumber,
		messagingServiceSID: cfg.MessagingServiceSID,
	}, nil
}

// FromNumber returns the configured sending number, if any.
func (c *Client) FromNumber() string {
	return c.fromNumber
}

// SendSMS sends an SMS via the Twilio API and returns the message SID.
func (c *Client) SendSMS(ctx context.Context, to string, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetBody(body)
	if c.fromNumber != "" {
		params.SetFrom(c.fromNumber)
	} else {
		params.SetMessagingServiceSid(c.messagingServiceSID)
	}

	msg, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendSMS failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}

	sid := ""
	if msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio SMS sent", "to", to, "sid", sid)
	return sid, nil
}

// ErrorCode extracts the Twilio REST error code from an error chain.
// The second return is false when the error did not come from Twilio.
func ErrorCode(err error) (int, bool) {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Code, true
	}
	return 0, false
}

// SentMessage records one mock send for assertions.
type SentMessage struct {
	To   string
	Body string
}

// MockClient is a test double recording sends and optionally failing.
type MockClient struct {
	SentMessages []SentMessage
	NextErr      error
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendSMS records the message and returns a fake SID, or NextErr if set.
func (m *MockClient) SendSMS(ctx context.Context, to string, body string) (string, error) {
	if m.NextErr != nil {
		return "", m.NextErr
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return fmt.Sprintf("SM-mock-%d", len(m.SentMessages)), nil
}
