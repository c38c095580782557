// Package engine provides reply validation for question steps.
//
// Validation is orchestrator-internal: it runs only when the current
// step is a question whose awaiting-reply marker names that step. A
// failed validation is not an error; it consumes the configured retry
// budget and eventually applies the configured fallback.
package engine

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
)

// defaultEmailPattern validates email replies when the question
// configures no pattern of its own.
var defaultEmailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// validationOutcome tells the orchestrator how to proceed after the
// validator ran.
type validationOutcome int

const (
	// replyAccepted: value stored, continue to transition evaluation.
	replyAccepted validationOutcome = iota
	// replyRetried: re-prompt sent, stop the cycle and await the next message.
	replyRetried
	// replyTerminal: fallback applied (handover or end), state must be cleared.
	replyTerminal
	// replyFellThrough: budget exhausted with a pass-through fallback,
	// continue to transition evaluation without a stored value.
	replyFellThrough
)

// validateReply extracts and validates the contact's answer to the
// pending question, mutating the state accordingly.
func (e *Executor) validateReply(step *models.Step, cfg *models.QuestionConfig, msg *models.InboundMessage, contact *models.Contact, state *models.ContactFlowState) (validationOutcome, []models.OutboundAction) {
	pending := state.Pending
	value, ok := extractReply(pending, msg)
	if ok {
		slog.Debug("Reply validated", "contact", contact.ID, "variable", pending.Variable)
		state.SetVar(pending.Variable, value)
		state.Pending = nil
		state.RetryCount = 0
		return replyAccepted, nil
	}

	maxRetries := cfg.Retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if state.RetryCount < maxRetries {
		state.RetryCount++
		slog.Debug("Reply invalid, re-prompting", "contact", contact.ID, "attempt", state.RetryCount, "max", maxRetries)
		spec := cfg.Retry.Reprompt
		if spec == nil {
			spec = &cfg.Message
		}
		action, err := e.RenderMessage(spec, contact, e.scopeFor(contact, state))
		if err != nil {
			slog.Error("Re-prompt configuration error", "error", err, "step", step.ID)
			return replyRetried, nil
		}
		return replyRetried, []models.OutboundAction{action}
	}

	// Budget exhausted: apply the configured fallback.
	state.RetryCount = 0
	state.Pending = nil
	var actions []models.OutboundAction
	if cfg.Retry.FallbackMessage != nil {
		if action, err := e.RenderMessage(cfg.Retry.FallbackMessage, contact, e.scopeFor(contact, state)); err != nil {
			slog.Error("Fallback message configuration error", "error", err, "step", step.ID)
		} else {
			actions = append(actions, action)
		}
	}
	switch cfg.Retry.Fallback {
	case "", "human_handover":
		slog.Info("Reply retries exhausted, handing over", "contact", contact.ID, "step", step.ID)
		if err := e.FlagForHuman(contact); err != nil {
			slog.Error("Failed to flag contact during reply fallback", "error", err, "contact", contact.ID)
		}
		return replyTerminal, actions
	case "end_flow":
		slog.Info("Reply retries exhausted, ending flow", "contact", contact.ID, "step", step.ID)
		return replyTerminal, actions
	default:
		slog.Debug("Reply retries exhausted, falling through to transitions", "contact", contact.ID, "fallback", cfg.Retry.Fallback)
		return replyFellThrough, actions
	}
}

// extractReply pulls a typed value out of the inbound message according
// to the pending question's expectations.
func extractReply(pending *models.PendingQuestion, msg *models.InboundMessage) (any, bool) {
	switch pending.ExpectedType {
	case models.ReplyTypeText:
		if !msg.HasText() {
			return nil, false
		}
		return checkPattern(msg.Text, pending.Pattern)

	case models.ReplyTypeEmail:
		if !msg.HasText() {
			return nil, false
		}
		text := strings.TrimSpace(msg.Text)
		if pending.Pattern != "" {
			return checkPattern(text, pending.Pattern)
		}
		if defaultEmailPattern.MatchString(text) {
			return text, true
		}
		return nil, false

	case models.ReplyTypeNumber:
		if !msg.HasText() {
			return nil, false
		}
		text := strings.TrimSpace(msg.Text)
		if pending.Pattern != "" {
			if _, ok := checkPattern(text, pending.Pattern); !ok {
				return nil, false
			}
		}
		return parseNumber(text)

	case models.ReplyTypeInteractiveID:
		id := msg.InteractiveID()
		if id == "" {
			return nil, false
		}
		return checkPattern(id, pending.Pattern)

	case models.ReplyTypeAny:
		if msg.HasText() {
			return msg.Text, true
		}
		if id := msg.InteractiveID(); id != "" {
			return id, true
		}
		if msg.Media != nil {
			if msg.Media.ID != "" {
				return msg.Media.ID, true
			}
			return msg.Media.URL, true
		}
		if msg.Location != nil {
			return strconv.FormatFloat(msg.Location.Latitude, 'f', -1, 64) + "," +
				strconv.FormatFloat(msg.Location.Longitude, 'f', -1, 64), true
		}
		return string(msg.Type), true

	default:
		slog.Warn("Unknown expected reply type", "type", pending.ExpectedType)
		return nil, false
	}
}

// checkPattern validates text against an optional regex. An invalid
// pattern is a configuration error: logged and treated as passing.
func checkPattern(text, pattern string) (any, bool) {
	if pattern == "" {
		return text, true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Error("Invalid reply validation pattern", "pattern", pattern, "error", err)
		return text, true
	}
	if !re.MatchString(text) {
		return nil, false
	}
	return text, true
}

// parseNumber parses a reply as integer or decimal, preferring the
// integer representation.
func parseNumber(text string) (any, bool) {
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f, true
	}
	return nil, false
}
