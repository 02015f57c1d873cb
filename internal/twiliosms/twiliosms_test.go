package twiliosms

import (
	"context"
	"errors"
	"testing"

	twilioclient "github.com/twilio/twilio-go/client"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_PHONE_NUMBER", "")
	t.Setenv("TWILIO_MESSAGING_SERVICE_SID", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error when no credentials are configured")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error when neither from number nor messaging service SID is set")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+12125550199"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.FromNumber() != "+12125550199" {
		t.Errorf("unexpected from number %q", c.FromNumber())
	}
}

func TestNewClientAcceptsMessagingServiceSID(t *testing.T) {
	t.Setenv("TWILIO_PHONE_NUMBER", "")
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithMessagingServiceSID("MG123")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	restErr := &twilioclient.TwilioRestError{Code: 21211, Message: "invalid to"}
	wrapped := errors.Join(errors.New("send failed"), restErr)
	code, ok := ErrorCode(wrapped)
	if !ok || code != 21211 {
		t.Errorf("expected (21211, true), got (%d, %v)", code, ok)
	}
	if _, ok := ErrorCode(errors.New("plain")); ok {
		t.Error("expected non-Twilio error to report no code")
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	sid, err := m.SendSMS(context.Background(), "+12125550199", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a fake SID")
	}
	if len(m.SentMessages) != 1 || m.SentMessages[0].Body != "hello" {
		t.Error("message not recorded")
	}

	m.NextErr = errors.New("boom")
	if _, err := m.SendSMS(context.Background(), "+12125550199", "again"); err == nil {
		t.Error("expected scripted error")
	}
}
