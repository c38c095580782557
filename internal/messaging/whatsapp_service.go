package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service over a direct whatsmeow session.
type WhatsAppService struct {
	sender   whatsapp.Sender
	waClient *whatsapp.Client // nil when constructed with a mock sender
	events   chan models.InboundEvent
	done     chan struct{}
}

// NewWhatsAppService creates a WhatsAppService around the given sender.
// Inbound event handling requires a full client; with a mock sender the
// service is send-only.
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		sender: sender,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
	if client, ok := sender.(*whatsapp.Client); ok {
		s.waClient = client
	} else {
		slog.Debug("WhatsAppService created without a full client, inbound events disabled")
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates a phone number recipient.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendAction delivers one outbound action. Message types whatsmeow
// cannot express natively here are flattened to text.
func (s *WhatsAppService) SendAction(ctx context.Context, action models.OutboundAction) error {
	body, mediaURL := flattenAction(action)
	if mediaURL != "" {
		if body != "" {
			body = body + "\n" + mediaURL
		} else {
			body = mediaURL
		}
	}
	if body == "" {
		return fmt.Errorf("outbound %s action produced no sendable content", action.MessageType)
	}
	if err := s.sender.SendText(ctx, action.Recipient, body); err != nil {
		return fmt.Errorf("failed to send WhatsApp action: %w", err)
	}
	return nil
}

// Start registers the inbound event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(raw any) {
		msgEvt, ok := raw.(*events.Message)
		if !ok {
			return
		}
		event, ok := whatsapp.TranslateMessage(msgEvt)
		if !ok {
			return
		}
		s.emit(event)
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the event channel.
func (s *WhatsAppService) Stop() error {
	close(s.done)
	close(s.events)
	slog.Info("WhatsAppService stopped")
	return nil
}

// Events returns the inbound event channel.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

// emit forwards an event without blocking the whatsmeow handler
// goroutine; a persistently full channel drops the event.
func (s *WhatsAppService) emit(event models.InboundEvent) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- event:
		slog.Debug("Inbound WhatsApp event forwarded", "from", event.ContactID, "type", event.Message.Type)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Inbound event channel blocked, dropping event", "from", event.ContactID)
	}
}
