// Package twiliowhatsapp wraps the Twilio REST API for the WhatsApp
// channel, used when running against Twilio instead of a direct
// WhatsApp session.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends WhatsApp messages through Twilio. MediaURL is optional.
type Sender interface {
	SendText(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, body string, mediaURL string) error
}

// Opts holds the Twilio API credentials and sender number.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string // "whatsapp:+1234567890"
}

// Option configures the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending WhatsApp number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST client.
type Client struct {
	client *twilio.RestClient
	from   string
}

// NewClient creates a Twilio WhatsApp client, falling back to the
// standard Twilio environment variables for unset options.
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
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, from: cfg.FromNumber}, nil
}

// SendText sends a plain WhatsApp text message.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	return c.SendMedia(ctx, to, body, "")
}

// SendMedia sends a WhatsApp message with an optional media attachment.
func (c *Client) SendMedia(ctx context.Context, to string, body string, mediaURL string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom(c.from)
	if body != "" {
		params.SetBody(body)
	}
	if mediaURL != "" {
		params.SetMediaUrl([]string{mediaURL})
	}

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio message send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to, "has_media", mediaURL != "")
	return nil
}

// MockClient records sent messages for tests.
type MockClient struct {
	Sent []SentMessage
}

// SentMessage is one recorded outbound message.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	return m.SendMedia(ctx, to, body, "")
}

func (m *MockClient) SendMedia(ctx context.Context, to string, body string, mediaURL string) error {
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body, MediaURL: mediaURL})
	return nil
}
