// Package models defines the core data structures for ConvoFlow.
//
// It includes types for flows, steps, transitions, inbound messages,
// outbound actions, and per-contact conversation state, which are shared
// across modules.
package models

import "errors"

// MessageType identifies the kind of payload a message carries.
type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeInteractive MessageType = "interactive"
	MessageTypeImage       MessageType = "image"
	MessageTypeDocument    MessageType = "document"
	MessageTypeAudio       MessageType = "audio"
	MessageTypeVideo       MessageType = "video"
	MessageTypeSticker     MessageType = "sticker"
	MessageTypeTemplate    MessageType = "template"
	MessageTypeContacts    MessageType = "contacts"
	MessageTypeLocation    MessageType = "location"
	MessageTypeForm        MessageType = "form"
)

// Error variables for message and configuration validation.
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrMissingPayload     = errors.New("message payload missing for declared message type")
	ErrAmbiguousPayload   = errors.New("message declares more than one payload")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrEmptyActionItems   = errors.New("action step requires at least one item")
	ErrMissingVariable    = errors.New("reply variable name is required")
)

// InteractiveReply carries the identifier of a pressed button or
// selected list row.
type InteractiveReply struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// MediaRef points at an already-uploaded media asset.
type MediaRef struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Location is a geographic point payload.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// InboundMessage is a single message received from a contact. Exactly
// one payload field is populated, matching Type.
type InboundMessage struct {
	Type        MessageType       `json:"type"`
	Text        string            `json:"text,omitempty"`
	Interactive *InteractiveReply `json:"interactive,omitempty"`
	Media       *MediaRef         `json:"media,omitempty"`
	Location    *Location         `json:"location,omitempty"`
	Form        map[string]any    `json:"form,omitempty"`
}

// HasText reports whether the message carries a usable text body.
func (m *InboundMessage) HasText() bool {
	return m != nil && m.Text != ""
}

// InteractiveID returns the button/list reply id, or empty if the
// message is not an interactive reply.
func (m *InboundMessage) InteractiveID() string {
	if m == nil || m.Interactive == nil {
		return ""
	}
	return m.Interactive.ID
}

// InboundEvent is one message arriving from the transport, addressed to
// the engine. ContactID is the canonicalized sender identifier.
type InboundEvent struct {
	ContactID string         `json:"contact_id"`
	Message   InboundMessage `json:"message"`
	Time      int64          `json:"time"`
}

// OutboundAction is one send directive produced by a processing cycle.
// The dispatch collaborator is responsible for actual delivery.
type OutboundAction struct {
	Recipient   string         `json:"recipient"`
	MessageType MessageType    `json:"message_type"`
	Payload     map[string]any `json:"payload"`
}

// TextBody returns the resolved text body of a text action, or empty.
func (a OutboundAction) TextBody() string {
	if body, ok := a.Payload["body"].(string); ok {
		return body
	}
	return ""
}
