// Package twiliovoice wraps the Twilio API for voice call and SMS delivery
// in CareCall.
package twiliovoice

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the outbound transport capability consumed by the orchestrator.
// PlaceCall starts a voice call and returns the transport call identifier;
// SendSMS delivers a text message and returns the message identifier.
type Sender interface {
	PlaceCall(ctx context.Context, to string, twiml string) (string, error)
	SendSMS(ctx context.Context, to string, body string) (string, error)
}

// Call placement parameters sent to Twilio.
const (
	// CallTimeoutSeconds is how long the call rings before no-answer.
	CallTimeoutSeconds = 30
	// GatherTimeoutSeconds is how long the call waits for a DTMF digit.
	GatherTimeoutSeconds = 10
)

// Opts holds configuration options for the Twilio voice client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// BaseURL is the externally reachable server root used to build the
	// status and gather webhook URLs, e.g. "https://carecall.example.com".
	BaseURL string
}

// Option defines a configuration option for the Twilio voice client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the outbound caller number in E.164 format.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithBaseURL sets the webhook base URL.
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = base }
}

// Client wraps the Twilio REST API for voice calls and SMS.
type Client struct {
	client     *twilio.RestClient
	fromNumber string
	baseURL    string
}

// NewClient creates a Twilio voice client, falling back to TWILIO_* and
// CARECALL_BASE_URL environment variables for unset options.
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
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("CARECALL_BASE_URL")
	}
	slog.Debug("Twilio voice client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"BaseURL_set", cfg.BaseURL != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		fromNumber: cfg.FromNumber,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

// StatusCallbackURL returns the webhook URL Twilio posts call status
// updates to.
func (c *Client) StatusCallbackURL() string {
	return c.baseURL + "/api/webhooks/twilio/voice-status"
}

// GatherCallbackURL returns the webhook URL Twilio posts DTMF responses to.
func (c *Client) GatherCallbackURL() string {
	return c.baseURL + "/api/webhooks/twilio/voice-response"
}

// PlaceCall starts an outbound voice call playing the given TwiML document
// and returns the Twilio call SID.
func (c *Client) PlaceCall(ctx context.Context, to string, twiml string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("destination number cannot be empty")
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetTwiml(twiml)
	params.SetStatusCallback(c.StatusCallbackURL())
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetStatusCallbackMethod("POST")
	params.SetTimeout(CallTimeoutSeconds)
	params.SetRecord(false)

	call, err := c.client.Api.CreateCall(params)
	if err != nil {
		slog.Error("Twilio PlaceCall failed", "error", err, "to", to)
		return "", fmt.Errorf("failed to place call to %s: %w", to, err)
	}
	if call.Sid == nil {
		return "", fmt.Errorf("twilio returned call without SID")
	}

	slog.Info("Twilio voice call placed", "call_sid", *call.Sid, "to", to)
	return *call.Sid, nil
}

// SendSMS sends a text message and returns the Twilio message SID.
func (c *Client) SendSMS(ctx context.Context, to string, body string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("destination number cannot be empty")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	msg, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendSMS failed", "error", err, "to", to)
		return "", fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}
	if msg.Sid == nil {
		return "", fmt.Errorf("twilio returned message without SID")
	}

	slog.Info("Twilio SMS sent", "message_sid", *msg.Sid, "to", to)
	return *msg.Sid, nil
}

// escape XML-escapes interpolated text for TwiML documents.
func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

/// ReminderTwiML builds the TwiML document for a medication reminder call:
// the reminder script, a single-digit gather, and a no-response prompt.
func ReminderTwiML(script, medicationName, gatherURL string) string {
	return fmt.Sprintf(`<Response>`+
		`<Say voice="alice">%s</Say>`+
		`<Gather action="%s" method="POST" timeout="%d" numDigits="1">`+
		`<Say voice="alice">Press 1 if you have taken your %s, or press 2 if you need more time.</Say>`+
		`</Gather>`+
		`<Say voice="alice">We didn't receive your response. A family member will be notified. Please take your medication as prescribed.</Say>`+
		`</Response>`,
		escape(script), escape(gatherURL), GatherTimeoutSeconds, escape(medicationName))
}

// ConfirmationTwiML builds the TwiML response played after a DTMF input.
func ConfirmationTwiML(script string) string {
	return fmt.Sprintf(`<Response><Say voice="alice">%s</Say></Response>`, escape(script))
}
