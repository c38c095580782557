// Package models defines flow graph structures for ConvoFlow.
//
// A Flow is a directed graph of Steps connected by prioritized,
// conditional Transitions. Step configuration is decoded once at load
// time into a typed variant per step type.
package models

import (
	"encoding/json"
	"fmt"
)

// StepType identifies the behavior of a step.
type StepType string

const (
	StepTypeSendMessage   StepType = "send_message"
	StepTypeQuestion      StepType = "question"
	StepTypeAction        StepType = "action"
	StepTypeCondition     StepType = "condition"
	StepTypeWaitForReply  StepType = "wait_for_reply"
	StepTypeEndFlow       StepType = "end_flow"
	StepTypeStartFlowNode StepType = "start_flow_node"
	StepTypeHumanHandover StepType = "human_handover"
)

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(st StepType) bool {
	switch st {
	case StepTypeSendMessage, StepTypeQuestion, StepTypeAction, StepTypeCondition,
		StepTypeWaitForReply, StepTypeEndFlow, StepTypeStartFlowNode, StepTypeHumanHandover:
		return true
	default:
		return false
	}
}

// Flow is a named, versionless graph of steps and transitions. Flows are
// authored externally and read-only to the engine at run time.
type Flow struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Active          bool     `json:"active"`
	TriggerKeywords []string `json:"trigger_keywords"`
	RequiresAuth    bool     `json:"requires_auth"`
}

// Step is a node in a Flow. Config holds the decoded, type-specific
// configuration; structural step types (condition, wait_for_reply,
// start_flow_node) carry none.
type Step struct {
	ID           string          `json:"id"`
	FlowID       string          `json:"flow_id"`
	Type         StepType        `json:"step_type"`
	IsEntryPoint bool            `json:"is_entry_point"`
	Config       StepConfig      `json:"-"`
	Fallback     *FallbackConfig `json:"fallback,omitempty"`
}

// StepConfig is the tagged union of per-step-type configuration.
type StepConfig interface {
	Validate() error
}

// MessageSpec declares one outbound message: a message type plus exactly
// one matching payload. Every field is template-resolved before sending.
type MessageSpec struct {
	Type        MessageType      `json:"message_type"`
	Text        string           `json:"text,omitempty"`
	Image       *MediaRef        `json:"image,omitempty"`
	Document    *MediaRef        `json:"document,omitempty"`
	Audio       *MediaRef        `json:"audio,omitempty"`
	Video       *MediaRef        `json:"video,omitempty"`
	Sticker     *MediaRef        `json:"sticker,omitempty"`
	Interactive map[string]any   `json:"interactive,omitempty"`
	Template    map[string]any   `json:"template,omitempty"`
	Contacts    []map[string]any `json:"contacts,omitempty"`
	Location    *Location        `json:"location,omitempty"`
}

// payloadCount returns how many payload fields are populated.
func (m *MessageSpec) payloadCount() int {
	n := 0
	if m.Text != "" {
		n++
	}
	for _, p := range []*MediaRef{m.Image, m.Document, m.Audio, m.Video, m.Sticker} {
		if p != nil {
			n++
		}
	}
	if m.Interactive != nil {
		n++
	}
	if m.Template != nil {
		n++
	}
	if m.Contacts != nil {
		n++
	}
	if m.Location != nil {
		n++
	}
	return n
}

// Validate checks that the declared message type has exactly one
// matching payload.
func (m *MessageSpec) Validate() error {
	if m.payloadCount() > 1 {
		return ErrAmbiguousPayload
	}
	var ok bool
	switch m.Type {
	case MessageTypeText:
		ok = m.Text != ""
	case MessageTypeImage:
		ok = m.Image != nil
	case MessageTypeDocument:
		ok = m.Document != nil
	case MessageTypeAudio:
		ok = m.Audio != nil
	case MessageTypeVideo:
		ok = m.Video != nil
	case MessageTypeSticker:
		ok = m.Sticker != nil
	case MessageTypeInteractive:
		ok = m.Interactive != nil
	case MessageTypeTemplate:
		ok = m.Template != nil
	case MessageTypeContacts:
		ok = m.Contacts != nil
	case MessageTypeLocation:
		ok = m.Location != nil
	default:
		return ErrInvalidMessageType
	}
	if !ok {
		return ErrMissingPayload
	}
	return nil
}

// SendMessageConfig configures a send_message step.
type SendMessageConfig struct {
	Message MessageSpec `json:"message"`
}

func (c *SendMessageConfig) Validate() error {
	return c.Message.Validate()
}

// ReplyType is the expected type of a question's answer.
type ReplyType string

const (
	ReplyTypeText          ReplyType = "text"
	ReplyTypeEmail         ReplyType = "email"
	ReplyTypeNumber        ReplyType = "number"
	ReplyTypeInteractiveID ReplyType = "interactive_id"
	ReplyTypeAny           ReplyType = "any"
)

// ReplySpec names the context variable a question stores into and how
// the answer is validated.
type ReplySpec struct {
	Variable     string    `json:"variable"`
	ExpectedType ReplyType `json:"expected_type"`
	Pattern      string    `json:"pattern,omitempty"`
}

// RetrySpec controls what happens when a reply fails validation.
// MaxRetries defaults to 1 when zero. Fallback is "human_handover"
// (default) or "end_flow"; any other value falls through to normal
// transition evaluation.
type RetrySpec struct {
	MaxRetries      int          `json:"max_retries,omitempty"`
	Reprompt        *MessageSpec `json:"reprompt,omitempty"`
	Fallback        string       `json:"fallback,omitempty"`
	FallbackMessage *MessageSpec `json:"fallback_message,omitempty"`
}

// QuestionConfig configures a question step: a prompt message plus the
// reply contract.
type QuestionConfig struct {
	Message MessageSpec `json:"message"`
	Reply   ReplySpec   `json:"reply"`
	Retry   RetrySpec   `json:"retry,omitempty"`
}

func (c *QuestionConfig) Validate() error {
	if err := c.Message.Validate(); err != nil {
		return err
	}
	if c.Reply.Variable == "" {
		return ErrMissingVariable
	}
	switch c.Reply.ExpectedType {
	case ReplyTypeText, ReplyTypeEmail, ReplyTypeNumber, ReplyTypeInteractiveID, ReplyTypeAny:
	case "":
		c.Reply.ExpectedType = ReplyTypeAny
	default:
		return fmt.Errorf("unknown expected reply type %q", c.Reply.ExpectedType)
	}
	return nil
}

// ActionItemType identifies one action inside an action step.
type ActionItemType string

const (
	ActionSetContextVariable    ActionItemType = "set_context_variable"
	ActionUpdateContactField    ActionItemType = "update_contact_field"
	ActionUpdateCustomerProfile ActionItemType = "update_customer_profile"
	ActionSwitchFlow            ActionItemType = "switch_flow"
	ActionFetchExternalData     ActionItemType = "fetch_external_data"
)

// ActionItem is one entry in an action step's ordered item list. Fields
// are used according to Type; values are template strings resolved at
// execution time.
type ActionItem struct {
	Type ActionItemType `json:"type"`

	// set_context_variable
	Variable string `json:"variable,omitempty"`
	Value    any    `json:"value,omitempty"`

	// update_contact_field
	Field string `json:"field,omitempty"`

	// update_customer_profile: field name -> template
	Fields map[string]string `json:"fields,omitempty"`

	// switch_flow
	TargetFlow     string         `json:"target_flow,omitempty"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
	TriggerText    string         `json:"trigger_text,omitempty"`

	// fetch_external_data
	Capability     string         `json:"capability,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	ResultVariable string         `json:"result_variable,omitempty"`
}

// ActionConfig configures an action step: an ordered, non-empty list of
// action items.
type ActionConfig struct {
	Items []ActionItem `json:"items"`
}

func (c *ActionConfig) Validate() error {
	if len(c.Items) == 0 {
		return ErrEmptyActionItems
	}
	return nil
}

// EndFlowConfig configures an end_flow step with an optional final
// message.
type EndFlowConfig struct {
	Message *MessageSpec `json:"message,omitempty"`
}

func (c *EndFlowConfig) Validate() error {
	if c.Message != nil {
		return c.Message.Validate()
	}
	return nil
}

// HandoverConfig configures a human_handover step with an optional
// pre-handoff message.
type HandoverConfig struct {
	Message *MessageSpec `json:"message,omitempty"`
}

func (c *HandoverConfig) Validate() error {
	if c.Message != nil {
		return c.Message.Validate()
	}
	return nil
}

// markerConfig is the empty config for structural step types.
type markerConfig struct{}

func (markerConfig) Validate() error { return nil }

// FallbackConfig is applied when no transition from a step matches a
// live inbound message. Type is "message" or "human_handover"; when
// unset the engine sends a generic did-not-understand message.
type FallbackConfig struct {
	Type    string       `json:"type"`
	Message *MessageSpec `json:"message,omitempty"`
}

// DecodeStepConfig decodes raw step configuration into its typed
// variant and validates it. Called once when a step is loaded.
func DecodeStepConfig(st StepType, raw []byte) (StepConfig, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var cfg StepConfig
	switch st {
	case StepTypeSendMessage:
		cfg = &SendMessageConfig{}
	case StepTypeQuestion:
		cfg = &QuestionConfig{}
	case StepTypeAction:
		cfg = &ActionConfig{}
	case StepTypeEndFlow:
		cfg = &EndFlowConfig{}
	case StepTypeHumanHandover:
		cfg = &HandoverConfig{}
	case StepTypeCondition, StepTypeWaitForReply, StepTypeStartFlowNode:
		return markerConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", st)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", st, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", st, err)
	}
	return cfg, nil
}

// ConditionType identifies the semantics of a transition condition.
type ConditionType string

const (
	CondAlwaysTrue           ConditionType = "always_true"
	CondKeywordMatch         ConditionType = "keyword_match"
	CondInteractiveReplyID   ConditionType = "interactive_reply_id_equals"
	CondMessageTypeIs        ConditionType = "message_type_is"
	CondRegexMatch           ConditionType = "regex_match"
	CondVariableEquals       ConditionType = "variable_equals"
	CondVariableExists       ConditionType = "variable_exists"
	CondVariableContains     ConditionType = "variable_contains"
	CondFormFieldEquals      ConditionType = "form_field_equals"
	CondHumanRequest         ConditionType = "human_request"
	CondUserReplyReceived    ConditionType = "user_reply_received"
	CondQuestionReplyIsValid ConditionType = "question_reply_is_valid"
)

// Condition is the declarative condition attached to a transition.
// Fields are interpreted according to Type.
type Condition struct {
	Type ConditionType `json:"type"`

	// keyword_match
	Keyword       string `json:"keyword,omitempty"`
	MatchType     string `json:"match_type,omitempty"` // "exact" or "contains"
	CaseSensitive bool   `json:"case_sensitive,omitempty"`

	// interactive_reply_id_equals / message_type_is / variable comparisons
	Value string `json:"value,omitempty"`

	// regex_match
	Pattern string `json:"pattern,omitempty"`

	// variable_* conditions: path resolved against context and contact
	Variable string `json:"variable,omitempty"`

	// form_field_equals: dotted/indexed path into the form payload
	FieldPath string `json:"field_path,omitempty"`

	// human_request
	Keywords []string `json:"keywords,omitempty"`

	// question_reply_is_valid: "valid" (default) or "invalid"
	Expect string `json:"expect,omitempty"`
}

// Transition is a prioritized, conditional edge between two steps in the
// same Flow. Lower priority evaluates first; equal priorities keep
// declaration order.
type Transition struct {
	ID         string    `json:"id"`
	FlowID     string    `json:"flow_id"`
	FromStepID string    `json:"from_step_id"`
	ToStepID   string    `json:"to_step_id"`
	Priority   int       `json:"priority"`
	Condition  Condition `json:"condition"`
}
