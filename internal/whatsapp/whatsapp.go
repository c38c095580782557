// Package whatsapp wraps the Whatsmeow client for the WhatsApp channel.
//
// It handles login (QR or numeric code), session storage, and sending
// plain text messages. Event translation into engine messages lives in
// events.go.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/convoflow/convoflow/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSessionPath is the default SQLite path for the whatsmeow
	// session database.
	DefaultSessionPath = "/var/lib/convoflow/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends plain text WhatsApp messages. Satisfied by Client and by
// test mocks.
type Sender interface {
	SendText(ctx context.Context, to string, body string) error
}

// Opts holds configuration for the WhatsApp client: the whatsmeow
// session database and login settings.
type Opts struct {
	SessionDSN  string
	QRPath      string
	NumericCode bool
}

// Option configures the WhatsApp client.
type Option func(*Opts)

// WithSessionDSN sets the whatsmeow session database connection string.
func WithSessionDSN(dsn string) Option {
	return func(o *Opts) { o.SessionDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the given path instead of
// stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient initializes the session store, logs in if needed, and
// connects to WhatsApp.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := cfg.SessionDSN
	if dsn == "" {
		dsn = DefaultSessionPath
		slog.Debug("No session DSN provided, using default SQLite path", "path", dsn)
	}

	driver := "sqlite3"
	if store.DetectDSNType(dsn) == "postgres" {
		driver = "postgres"
	} else if !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsmeow recommends enabling foreign keys on its SQLite session database",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp session store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp session exists, connecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected")
	return &Client{waClient: waClient}, nil
}

// login runs the interactive pairing flow, emitting the QR code or
// numeric code to stdout or the configured file.
func login(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required, starting pairing flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		} else {
			slog.Debug("WhatsApp login event", "event", evt.Event)
		}
	}
	return nil
}

// SendText sends a plain text message to the recipient's phone number.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to)
	return nil
}

// GetClient exposes the underlying whatsmeow client for event handler
// registration.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient is a no-op Sender for tests.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	return nil
}
