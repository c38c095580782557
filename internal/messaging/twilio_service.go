package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio WhatsApp API.
// Inbound messages arrive through the webhook handler, which must be
// mounted on the HTTP server.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	events  chan models.InboundEvent
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService around the given client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates a phone number recipient.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendAction delivers one outbound action. Twilio carries media by URL;
// everything else is flattened to text.
func (s *TwilioService) SendAction(ctx context.Context, action models.OutboundAction) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	to, err := s.ValidateAndCanonicalizeRecipient(action.Recipient)
	if err != nil {
		return err
	}
	body, mediaURL := flattenAction(action)
	if body == "" && mediaURL == "" {
		return fmt.Errorf("outbound %s action produced no sendable content", action.MessageType)
	}
	if mediaURL != "" {
		return s.client.SendMedia(ctx, to, body, mediaURL)
	}
	return s.client.SendText(ctx, to, body)
}

// Start is a no-op; inbound traffic arrives via the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped and closes the event channel once
// in-flight webhook emissions settle.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.events)
	}()
	slog.Info("TwilioService stopped")
	return nil
}

// Events returns the inbound event channel.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// WebhookHandler handles inbound Twilio message webhooks and emits them
// as inbound events.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	if from == "" {
		slog.Warn("Twilio webhook missing From field")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{Type: models.MessageTypeText, Text: body}
	if mediaURL := r.FormValue("MediaUrl0"); mediaURL != "" {
		msg = models.InboundMessage{
			Type:  models.MessageTypeImage,
			Media: &models.MediaRef{URL: mediaURL, MimeType: r.FormValue("MediaContentType0"), Caption: body},
		}
	}

	s.emit(models.InboundEvent{ContactID: from, Message: msg, Time: time.Now().Unix()})
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) emit(event models.InboundEvent) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("Dropping inbound event, service stopped", "from", event.ContactID)
		return
	}
	select {
	case s.events <- event:
		slog.Debug("Inbound Twilio event forwarded", "from", event.ContactID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Inbound event channel blocked, dropping event", "from", event.ContactID)
	}
}
