// Package engine provides transition condition evaluation.
//
// Transitions are evaluated in ascending priority order; the first
// satisfied condition picks the next step. On an automatic pass (no
// inbound message) every condition that semantically requires a user
// message is forced false, while state-only conditions still evaluate.
package engine

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
)

// defaultHumanRequestKeywords matches common ways a contact asks for a
// person when a human_request condition configures none.
var defaultHumanRequestKeywords = []string{"help", "agent", "human", "support", "operator", "representative"}

// Evaluator decides which transition, if any, a step takes.
type Evaluator struct {
	resolver *Resolver
}

// NewEvaluator creates a transition evaluator sharing the engine's
// template resolver.
func NewEvaluator(resolver *Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// Pick returns the first transition whose condition is satisfied, or nil
// when none match. msg is nil on an automatic pass.
func (ev *Evaluator) Pick(transitions []models.Transition, msg *models.InboundMessage, scope Scope, state *models.ContactFlowState) *models.Transition {
	for i := range transitions {
		if ev.Evaluate(transitions[i].Condition, msg, scope, state) {
			slog.Debug("Transition matched", "transition", transitions[i].ID, "to_step", transitions[i].ToStepID)
			return &transitions[i]
		}
	}
	return nil
}

// Evaluate checks a single condition. Unknown condition types evaluate
// to false.
func (ev *Evaluator) Evaluate(cond models.Condition, msg *models.InboundMessage, scope Scope, state *models.ContactFlowState) bool {
	if msg == nil && isUserDependent(cond.Type) {
		return false
	}
	switch cond.Type {
	case models.CondAlwaysTrue:
		return true
	case models.CondKeywordMatch:
		return evalKeywordMatch(cond, msg)
	case models.CondInteractiveReplyID:
		return msg.InteractiveID() != "" && msg.InteractiveID() == cond.Value
	case models.CondMessageTypeIs:
		return string(msg.Type) == cond.Value
	case models.CondRegexMatch:
		return evalRegexMatch(cond, msg)
	case models.CondVariableEquals:
		value, ok := ev.resolver.LookupPath(cond.Variable, scope)
		return ok && Stringify(value) == cond.Value
	case models.CondVariableExists:
		_, ok := ev.resolver.LookupPath(cond.Variable, scope)
		return ok
	case models.CondVariableContains:
		value, ok := ev.resolver.LookupPath(cond.Variable, scope)
		return ok && strings.Contains(Stringify(value), cond.Value)
	case models.CondFormFieldEquals:
		return evalFormField(cond, msg)
	case models.CondHumanRequest:
		return evalHumanRequest(cond, msg)
	case models.CondUserReplyReceived:
		return true // msg is non-nil here
	case models.CondQuestionReplyIsValid:
		return evalQuestionReply(cond, scope, state)
	default:
		slog.Warn("Unknown condition type", "type", cond.Type)
		return false
	}
}

// isUserDependent classifies conditions that cannot hold without a live
// inbound message.
func isUserDependent(t models.ConditionType) bool {
	switch t {
	case models.CondKeywordMatch, models.CondInteractiveReplyID, models.CondMessageTypeIs,
		models.CondRegexMatch, models.CondFormFieldEquals, models.CondHumanRequest,
		models.CondUserReplyReceived:
		return true
	default:
		return false
	}
}

func evalKeywordMatch(cond models.Condition, msg *models.InboundMessage) bool {
	if !msg.HasText() || cond.Keyword == "" {
		return false
	}
	text, keyword := msg.Text, cond.Keyword
	if !cond.CaseSensitive {
		text = strings.ToLower(text)
		keyword = strings.ToLower(keyword)
	}
	if cond.MatchType == "exact" {
		return strings.TrimSpace(text) == keyword
	}
	return strings.Contains(text, keyword)
}

func evalRegexMatch(cond models.Condition, msg *models.InboundMessage) bool {
	if !msg.HasText() || cond.Pattern == "" {
		return false
	}
	re, err := regexp.Compile(cond.Pattern)
	if err != nil {
		slog.Error("Invalid regex in transition condition", "pattern", cond.Pattern, "error", err)
		return false
	}
	return re.MatchString(msg.Text)
}

// evalFormField inspects a structured form-submission payload by
// dotted/indexed path.
func evalFormField(cond models.Condition, msg *models.InboundMessage) bool {
	if msg.Form == nil || cond.FieldPath == "" {
		return false
	}
	value, ok := walkContext(msg.Form, strings.Split(cond.FieldPath, "."))
	return ok && Stringify(value) == cond.Value
}

func evalHumanRequest(cond models.Condition, msg *models.InboundMessage) bool {
	if !msg.HasText() {
		return false
	}
	keywords := cond.Keywords
	if len(keywords) == 0 {
		keywords = defaultHumanRequestKeywords
	}
	text := strings.ToLower(msg.Text)
	for _, keyword := range keywords {
		if strings.Contains(text, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// evalQuestionReply checks whether the question's reply variable holds a
// stored value. The variable defaults to the one named by the pending
// marker, so the condition works both while awaiting and right after a
// reply was captured (when the configuration names the variable).
func evalQuestionReply(cond models.Condition, scope Scope, state *models.ContactFlowState) bool {
	variable := cond.Variable
	if variable == "" && state != nil && state.Pending != nil {
		variable = state.Pending.Variable
	}
	if variable == "" {
		return false
	}
	value, ok := scope.Context[variable]
	valid := ok && value != nil
	if cond.Expect == "invalid" {
		return !valid
	}
	return valid
}
