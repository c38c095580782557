// Package messaging provides the pluggable message transport layer: a
// Service abstraction over WhatsApp (direct or via Twilio), outbound
// action dispatch, and the pump that feeds inbound events into the
// engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/convoflow/convoflow/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of the inbound event
	// channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emission.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Service is the pluggable delivery abstraction the rest of the system
// sends through and receives from.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier
	// and returns its canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendAction delivers one outbound action produced by the engine.
	SendAction(ctx context.Context, action models.OutboundAction) error

	// Start begins background processing (event handling, webhooks).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channel.
	Stop() error

	// Events returns the channel of inbound events from contacts.
	Events() <-chan models.InboundEvent
}

// canonicalizePhone strips everything but digits and validates length,
// returning the number with a leading plus.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	digits := nonDigits.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits in %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short", digits)
	}
	return "+" + digits, nil
}
