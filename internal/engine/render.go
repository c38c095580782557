// Package engine provides rendering of declarative message specs into
// outbound actions. A single renderer serves send_message steps,
// question prompts, re-prompts, end_flow finals, and handover
// pre-messages.
package engine

import (
	"fmt"

	"github.com/convoflow/convoflow/internal/models"
)

// RenderMessage template-resolves every field of the spec and produces
// one outbound send action addressed to the contact. A spec whose
// payload is missing or contradictory returns an error; callers treat
// that as a logged configuration error and contribute no action.
func (e *Executor) RenderMessage(spec *models.MessageSpec, contact *models.Contact, scope Scope) (models.OutboundAction, error) {
	if err := spec.Validate(); err != nil {
		return models.OutboundAction{}, fmt.Errorf("invalid message spec: %w", err)
	}

	payload := make(map[string]any)
	switch spec.Type {
	case models.MessageTypeText:
		payload["body"] = e.resolver.ResolveString(spec.Text, scope)
	case models.MessageTypeImage:
		payload = renderMedia(e.resolver, spec.Image, scope)
	case models.MessageTypeDocument:
		payload = renderMedia(e.resolver, spec.Document, scope)
	case models.MessageTypeAudio:
		payload = renderMedia(e.resolver, spec.Audio, scope)
	case models.MessageTypeVideo:
		payload = renderMedia(e.resolver, spec.Video, scope)
	case models.MessageTypeSticker:
		payload = renderMedia(e.resolver, spec.Sticker, scope)
	case models.MessageTypeInteractive:
		payload = e.resolver.Resolve(spec.Interactive, scope).(map[string]any)
	case models.MessageTypeTemplate:
		payload = e.resolver.Resolve(spec.Template, scope).(map[string]any)
	case models.MessageTypeContacts:
		payload["contacts"] = e.resolver.Resolve(spec.Contacts, scope)
	case models.MessageTypeLocation:
		payload["latitude"] = spec.Location.Latitude
		payload["longitude"] = spec.Location.Longitude
		payload["name"] = e.resolver.ResolveString(spec.Location.Name, scope)
		payload["address"] = e.resolver.ResolveString(spec.Location.Address, scope)
	default:
		return models.OutboundAction{}, fmt.Errorf("unsupported message type %q", spec.Type)
	}

	return models.OutboundAction{
		Recipient:   contact.PhoneNumber,
		MessageType: spec.Type,
		Payload:     payload,
	}, nil
}

// renderText is a convenience for plain-text system messages (generic
// fallbacks and apologies).
func renderText(contact *models.Contact, body string) models.OutboundAction {
	return models.OutboundAction{
		Recipient:   contact.PhoneNumber,
		MessageType: models.MessageTypeText,
		Payload:     map[string]any{"body": body},
	}
}

func renderMedia(r *Resolver, media *models.MediaRef, scope Scope) map[string]any {
	payload := make(map[string]any)
	if media.ID != "" {
		payload["id"] = r.ResolveString(media.ID, scope)
	}
	if media.URL != "" {
		payload["url"] = r.ResolveString(media.URL, scope)
	}
	if media.Caption != "" {
		payload["caption"] = r.ResolveString(media.Caption, scope)
	}
	if media.Filename != "" {
		payload["filename"] = r.ResolveString(media.Filename, scope)
	}
	if media.MimeType != "" {
		payload["mime_type"] = media.MimeType
	}
	return payload
}
