// Package engine provides per-step-type execution.
//
// Executing a step yields ordered outbound actions, context mutations on
// the contact's state, and optionally an internal command (clear state
// or switch flow) the orchestrator acts on. Configuration errors are
// fail-soft: logged, the offending piece contributes nothing, and
// processing continues.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/google/uuid"
)

// Command is the internal directive a step execution can raise.
type Command int

const (
	// CommandNone means processing continues normally.
	CommandNone Command = iota
	// CommandClearState removes the contact's flow state.
	CommandClearState
	// CommandSwitchFlow discards the current state and re-enters flow
	// triggering for the named target.
	CommandSwitchFlow
)

// SwitchRequest carries the resolved parameters of a switch_flow item.
type SwitchRequest struct {
	TargetFlow     string
	InitialContext map[string]any
	TriggerText    string
}

// ExecResult is the outcome of executing one step.
type ExecResult struct {
	Actions []models.OutboundAction
	Command Command
	Switch  *SwitchRequest
}

// Executor runs individual steps against a contact and its state.
type Executor struct {
	store    Store
	resolver *Resolver
	now      nowFunc
}

// NewExecutor creates a step executor.
func NewExecutor(store Store, resolver *Resolver) *Executor {
	return &Executor{store: store, resolver: resolver, now: time.Now}
}

// scopeFor builds the template resolution scope, loading the linked
// customer profile when present.
func (e *Executor) scopeFor(contact *models.Contact, state *models.ContactFlowState) Scope {
	scope := Scope{Context: state.Context, Contact: contact}
	if contact.ProfileID != "" {
		profile, err := e.store.GetCustomerProfile(contact.ProfileID)
		if err != nil {
			slog.Error("Failed to load customer profile for scope", "error", err, "contact", contact.ID)
		} else {
			scope.Profile = profile
		}
	}
	return scope
}

// ExecuteStep dispatches on the step type. The state's context and
// pending-question marker are mutated in place; persistence is the
// orchestrator's responsibility.
func (e *Executor) ExecuteStep(ctx context.Context, step *models.Step, contact *models.Contact, state *models.ContactFlowState) ExecResult {
	slog.Debug("Executing step", "step", step.ID, "type", step.Type, "contact", contact.ID)
	switch step.Type {
	case models.StepTypeSendMessage:
		return e.execSendMessage(step, contact, state)
	case models.StepTypeQuestion:
		return e.execQuestion(step, contact, state)
	case models.StepTypeAction:
		return e.execAction(ctx, step, contact, state)
	case models.StepTypeEndFlow:
		return e.execEndFlow(step, contact, state)
	case models.StepTypeHumanHandover:
		return e.execHandover(step, contact, state)
	case models.StepTypeCondition, models.StepTypeWaitForReply, models.StepTypeStartFlowNode:
		// Structural markers: all behavior comes from transitions.
		return ExecResult{}
	default:
		slog.Warn("Unknown step type, skipping", "step", step.ID, "type", step.Type)
		return ExecResult{}
	}
}

func (e *Executor) execSendMessage(step *models.Step, contact *models.Contact, state *models.ContactFlowState) ExecResult {
	cfg, ok := step.Config.(*models.SendMessageConfig)
	if !ok {
		slog.Error("send_message step has wrong config type", "step", step.ID)
		return ExecResult{}
	}
	action, err := e.RenderMessage(&cfg.Message, contact, e.scopeFor(contact, state))
	if err != nil {
		slog.Error("send_message configuration error", "error", err, "step", step.ID)
		return ExecResult{}
	}
	return ExecResult{Actions: []models.OutboundAction{action}}
}

func (e *Executor) execQuestion(step *models.Step, contact *models.Contact, state *models.ContactFlowState) ExecResult {
	cfg, ok := step.Config.(*models.QuestionConfig)
	if !ok {
		slog.Error("question step has wrong config type", "step", step.ID)
		return ExecResult{}
	}
	var actions []models.OutboundAction
	action, err := e.RenderMessage(&cfg.Message, contact, e.scopeFor(contact, state))
	if err != nil {
		slog.Error("question prompt configuration error", "error", err, "step", step.ID)
	} else {
		actions = append(actions, action)
	}
	state.Pending = &models.PendingQuestion{
		StepID:       step.ID,
		Variable:     cfg.Reply.Variable,
		ExpectedType: cfg.Reply.ExpectedType,
		Pattern:      cfg.Reply.Pattern,
	}
	return ExecResult{Actions: actions}
}

func (e *Executor) execAction(ctx context.Context, step *models.Step, contact *models.Contact, state *models.ContactFlowState) ExecResult {
	cfg, ok := step.Config.(*models.ActionConfig)
	if !ok {
		slog.Error("action step has wrong config type", "step", step.ID)
		return ExecResult{}
	}
	var result ExecResult
	for i := range cfg.Items {
		item := &cfg.Items[i]
		scope := e.scopeFor(contact, state)
		switch item.Type {
		case models.ActionSetContextVariable:
			state.SetVar(item.Variable, e.resolver.Resolve(item.Value, scope))

		case models.ActionUpdateContactField:
			value := e.resolver.ResolveString(Stringify(item.Value), scope)
			e.updateContactField(contact, item.Field, value)

		case models.ActionUpdateCustomerProfile:
			e.updateCustomerProfile(contact, item.Fields, scope)

		case models.ActionSwitchFlow:
			result.Command = CommandSwitchFlow
			result.Switch = &SwitchRequest{
				TargetFlow:     e.resolver.ResolveString(item.TargetFlow, scope),
				TriggerText:    e.resolver.ResolveString(item.TriggerText, scope),
				InitialContext: resolveMap(e.resolver, item.InitialContext, scope),
			}
			// Items after a switch are never executed.
			return result

		case models.ActionFetchExternalData:
			params := resolveMap(e.resolver, item.Params, scope)
			data := InvokeCapability(ctx, item.Capability, params)
			variable := item.ResultVariable
			if variable == "" {
				variable = item.Variable
			}
			if variable == "" {
				slog.Error("fetch_external_data item missing result variable", "step", step.ID, "item", i)
				continue
			}
			state.SetVar(variable, data)

		default:
			slog.Warn("Unknown action item type, skipping", "step", step.ID, "item", i, "type", item.Type)
		}
	}
	return result
}

func (e *Executor) execEndFlow(step *models.Step, contact *models.Contact, state *models.ContactFlowState) ExecResult {
	cfg, ok := step.Config.(*models.EndFlowConfig)
	if !ok {
		slog.Error("end_flow step has wrong config type", "step", step.ID)
		return ExecResult{Command: CommandClearState}
	}
	result := ExecResult{Command: CommandClearState}
	if cfg.Message != nil {
		action, err := e.RenderMessage(cfg.Message, contact, e.scopeFor(contact, state))
		if err != nil {
			slog.Error("end_flow message configuration error", "error", err, "step", step.ID)
		} else {
			result.Actions = append(result.Actions, action)
		}
	}
	return result
}

func (e *Executor) execHandover(step *models.Step, contact *models.Contact, state *models.ContactFlowState) ExecResult {
	cfg, ok := step.Config.(*models.HandoverConfig)
	if !ok {
		slog.Error("human_handover step has wrong config type", "step", step.ID)
		return ExecResult{Command: CommandClearState}
	}
	result := ExecResult{Command: CommandClearState}
	if cfg.Message != nil {
		action, err := e.RenderMessage(cfg.Message, contact, e.scopeFor(contact, state))
		if err != nil {
			slog.Error("human_handover message configuration error", "error", err, "step", step.ID)
		} else {
			result.Actions = append(result.Actions, action)
		}
	}
	if err := e.FlagForHuman(contact); err != nil {
		slog.Error("Failed to flag contact for human intervention", "error", err, "contact", contact.ID)
	}
	return result
}

// FlagForHuman marks the contact as needing human intervention with a
// timestamp and persists it. Also used by the reply validator's
// handover fallback.
func (e *Executor) FlagForHuman(contact *models.Contact) error {
	now := e.now()
	contact.NeedsHuman = true
	contact.NeedsHumanSince = &now
	contact.UpdatedAt = now
	slog.Info("Contact flagged for human intervention", "contact", contact.ID)
	return e.store.SaveContact(*contact)
}

// protectedContactFields are identity and relational fields action items
// may never write.
var protectedContactFields = map[string]bool{
	"id":         true,
	"profile_id": true,
	"created_at": true,
	"updated_at": true,
}

// writableContactFields maps whitelisted field names to setters.
var writableContactFields = map[string]func(*models.Contact, string){
	"display_name": func(c *models.Contact, v string) { c.DisplayName = v },
}

// updateContactField writes a whitelisted contact field or a nested
// custom-fields path. Protected fields are rejected.
func (e *Executor) updateContactField(contact *models.Contact, field, value string) {
	if field == "" {
		slog.Error("update_contact_field item missing field name", "contact", contact.ID)
		return
	}
	if protectedContactFields[field] {
		slog.Error("Rejected write to protected contact field", "field", field, "contact", contact.ID)
		return
	}
	if rest, ok := strings.CutPrefix(field, "custom_fields."); ok {
		if contact.CustomFields == nil {
			contact.CustomFields = make(map[string]string)
		}
		contact.CustomFields[rest] = value
	} else if set, ok := writableContactFields[field]; ok {
		set(contact, value)
	} else {
		slog.Error("Contact field not writable", "field", field, "contact", contact.ID)
		return
	}
	contact.UpdatedAt = e.now()
	if err := e.store.SaveContact(*contact); err != nil {
		slog.Error("Failed to persist contact field update", "error", err, "contact", contact.ID, "field", field)
	}
}

// birthDateLayouts are the accepted inbound date formats, normalized to
// YYYY-MM-DD on write.
var birthDateLayouts = []string{"2006-01-02", "02/01/2006", "01/02/2006", "2 January 2006"}

// genderValues maps free-form answers onto the stored categories.
var genderValues = map[string]string{
	"m": "male", "male": "male", "man": "male",
	"f": "female", "female": "female", "woman": "female",
	"o": "other", "other": "other",
}

// updateCustomerProfile resolves a map of field templates, applies
// value-specific normalization, writes only changed fields, and stamps
// the last-updated-from-conversation timestamp. A missing profile is
// created and linked.
func (e *Executor) updateCustomerProfile(contact *models.Contact, fields map[string]string, scope Scope) {
	if len(fields) == 0 {
		slog.Error("update_customer_profile item has no fields", "contact", contact.ID)
		return
	}
	profile := scope.Profile
	if profile == nil {
		profile = &models.CustomerProfile{ID: uuid.NewString()}
	}
	changed := false
	for field, tmpl := range fields {
		value := e.resolver.ResolveString(tmpl, scope)
		if value == "" {
			continue
		}
		switch field {
		case "first_name":
			changed = setIfChanged(&profile.FirstName, value) || changed
		case "last_name":
			changed = setIfChanged(&profile.LastName, value) || changed
		case "email":
			changed = setIfChanged(&profile.Email, value) || changed
		case "birth_date":
			if normalized, ok := normalizeBirthDate(value); ok {
				changed = setIfChanged(&profile.BirthDate, normalized) || changed
			} else {
				slog.Warn("Unrecognized birth date format, skipping", "value", value, "contact", contact.ID)
			}
		case "gender":
			if normalized, ok := genderValues[strings.ToLower(value)]; ok {
				changed = setIfChanged(&profile.Gender, normalized) || changed
			} else {
				slog.Warn("Unrecognized gender value, skipping", "contact", contact.ID)
			}
		default:
			if profile.Attributes == nil {
				profile.Attributes = make(map[string]any)
			}
			if existing, ok := profile.Attributes[field]; !ok || existing != value {
				profile.Attributes[field] = value
				changed = true
			}
		}
	}
	if !changed {
		return
	}
	now := e.now()
	profile.LastConversationUpdate = &now
	if err := e.store.SaveCustomerProfile(*profile); err != nil {
		slog.Error("Failed to persist customer profile update", "error", err, "profile", profile.ID)
		return
	}
	if contact.ProfileID != profile.ID {
		contact.ProfileID = profile.ID
		contact.UpdatedAt = now
		if err := e.store.SaveContact(*contact); err != nil {
			slog.Error("Failed to link customer profile to contact", "error", err, "contact", contact.ID)
		}
	}
}

func setIfChanged(dst *string, value string) bool {
	if *dst == value {
		return false
	}
	*dst = value
	return true
}

func normalizeBirthDate(value string) (string, bool) {
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// resolveMap resolves every value of a parameter map.
func resolveMap(r *Resolver, params map[string]any, scope Scope) map[string]any {
	if params == nil {
		return nil
	}
	return r.Resolve(params, scope).(map[string]any)
}
