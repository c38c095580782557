// Package models defines per-contact conversation state for ConvoFlow.
package models

import "time"

// PendingQuestion records that a question step is awaiting a specific,
// typed answer from the contact.
type PendingQuestion struct {
	StepID       string    `json:"step_id"`
	Variable     string    `json:"variable"`
	ExpectedType ReplyType `json:"expected_type"`
	Pattern      string    `json:"pattern,omitempty"`
}

// ContactFlowState is the single per-contact engine state row: the
// active flow, the current step, the collected context variables, and
// the awaiting-reply bookkeeping. Created when a flow is triggered and
// deleted when the flow ends, hands off, is switched away from, or is
// reaped after inactivity.
type ContactFlowState struct {
	ID         string           `json:"id"`
	ContactID  string           `json:"contact_id"`
	FlowID     string           `json:"flow_id"`
	StepID     string           `json:"step_id"`
	Context    map[string]any   `json:"context,omitempty"`
	Pending    *PendingQuestion `json:"pending_question,omitempty"`
	RetryCount int              `json:"retry_count,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// SetVar writes one context variable, allocating the map if needed.
func (s *ContactFlowState) SetVar(key string, value any) {
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	s.Context[key] = value
}

// AwaitingReplyFor reports whether the state is awaiting a reply for the
// given step.
func (s *ContactFlowState) AwaitingReplyFor(stepID string) bool {
	return s.Pending != nil && s.Pending.StepID == stepID
}

// Contact is the engine-visible slice of a contact's identity. The full
// contact record is owned by an external collaborator; the engine reads
// these fields and occasionally writes NeedsHuman and CustomFields.
type Contact struct {
	ID              string            `json:"id"`
	PhoneNumber     string            `json:"phone_number"`
	DisplayName     string            `json:"display_name,omitempty"`
	NeedsHuman      bool              `json:"needs_human"`
	NeedsHumanSince *time.Time        `json:"needs_human_since,omitempty"`
	CustomFields    map[string]string `json:"custom_fields,omitempty"`
	ProfileID       string            `json:"profile_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CustomerProfile is the optional linked profile whose attributes are
// addressable by template paths (e.g. customer_profile.first_name).
type CustomerProfile struct {
	ID                     string         `json:"id"`
	FirstName              string         `json:"first_name,omitempty"`
	LastName               string         `json:"last_name,omitempty"`
	Email                  string         `json:"email,omitempty"`
	BirthDate              string         `json:"birth_date,omitempty"` // YYYY-MM-DD
	Gender                 string         `json:"gender,omitempty"`
	Attributes             map[string]any `json:"attributes,omitempty"`
	LastConversationUpdate *time.Time     `json:"last_conversation_update,omitempty"`
}

// FullName joins the profile name parts, used as a computed template
// accessor.
func (p *CustomerProfile) FullName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.LastName
	}
}
