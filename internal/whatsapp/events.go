package whatsapp

import (
	"log/slog"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
	"go.mau.fi/whatsmeow/types/events"
)

// TranslateMessage converts a whatsmeow message event into an engine
// inbound event. Returns false for message kinds the engine does not
// consume (reactions, protocol messages, unhandled media).
func TranslateMessage(evt *events.Message) (models.InboundEvent, bool) {
	if evt.Message == nil {
		return models.InboundEvent{}, false
	}

	var msg models.InboundMessage
	switch {
	case evt.Message.GetConversation() != "":
		msg = models.InboundMessage{Type: models.MessageTypeText, Text: evt.Message.GetConversation()}

	case evt.Message.GetExtendedTextMessage().GetText() != "":
		msg = models.InboundMessage{Type: models.MessageTypeText, Text: evt.Message.GetExtendedTextMessage().GetText()}

	case evt.Message.GetButtonsResponseMessage() != nil:
		reply := evt.Message.GetButtonsResponseMessage()
		msg = models.InboundMessage{
			Type: models.MessageTypeInteractive,
			Interactive: &models.InteractiveReply{
				ID:    reply.GetSelectedButtonID(),
				Title: reply.GetSelectedDisplayText(),
			},
		}

	case evt.Message.GetListResponseMessage() != nil:
		reply := evt.Message.GetListResponseMessage()
		msg = models.InboundMessage{
			Type: models.MessageTypeInteractive,
			Interactive: &models.InteractiveReply{
				ID:    reply.GetSingleSelectReply().GetSelectedRowID(),
				Title: reply.GetTitle(),
			},
		}

	case evt.Message.GetLocationMessage() != nil:
		loc := evt.Message.GetLocationMessage()
		msg = models.InboundMessage{
			Type: models.MessageTypeLocation,
			Location: &models.Location{
				Latitude:  loc.GetDegreesLatitude(),
				Longitude: loc.GetDegreesLongitude(),
				Name:      loc.GetName(),
				Address:   loc.GetAddress(),
			},
		}

	case evt.Message.GetImageMessage() != nil:
		img := evt.Message.GetImageMessage()
		msg = models.InboundMessage{
			Type:  models.MessageTypeImage,
			Media: &models.MediaRef{Caption: img.GetCaption(), MimeType: img.GetMimetype()},
		}

	case evt.Message.GetDocumentMessage() != nil:
		doc := evt.Message.GetDocumentMessage()
		msg = models.InboundMessage{
			Type:  models.MessageTypeDocument,
			Media: &models.MediaRef{Caption: doc.GetCaption(), Filename: doc.GetFileName(), MimeType: doc.GetMimetype()},
		}

	default:
		slog.Debug("Ignoring unhandled WhatsApp message kind", "from", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}

	return models.InboundEvent{
		ContactID: CanonicalNumber(evt.Info.Sender.User),
		Message:   msg,
		Time:      evt.Info.Timestamp.Unix(),
	}, true
}

// CanonicalNumber converts a JID user part into E.164-ish form with a
// leading plus.
func CanonicalNumber(user string) string {
	if strings.HasPrefix(user, "+") {
		return user
	}
	return "+" + user
}
