package engine

import (
	"testing"

	"github.com/convoflow/convoflow/internal/models"
)

func textMessage(body string) *models.InboundMessage {
	return &models.InboundMessage{Type: models.MessageTypeText, Text: body}
}

func TestEvaluateConditions(t *testing.T) {
	ev := NewEvaluator(NewResolver())
	scope := Scope{Context: map[string]any{"status": "paid", "empty": nil}}

	cases := []struct {
		name string
		cond models.Condition
		msg  *models.InboundMessage
		want bool
	}{
		{"always true", models.Condition{Type: models.CondAlwaysTrue}, nil, true},
		{"keyword contains", models.Condition{Type: models.CondKeywordMatch, Keyword: "yes"}, textMessage("well YES then"), true},
		{"keyword exact miss", models.Condition{Type: models.CondKeywordMatch, Keyword: "yes", MatchType: "exact"}, textMessage("well yes then"), false},
		{"keyword exact trimmed", models.Condition{Type: models.CondKeywordMatch, Keyword: "yes", MatchType: "exact"}, textMessage("  Yes "), true},
		{"keyword case sensitive miss", models.Condition{Type: models.CondKeywordMatch, Keyword: "Yes", CaseSensitive: true}, textMessage("yes"), false},
		{"interactive id equals", models.Condition{Type: models.CondInteractiveReplyID, Value: "btn_ok"},
			&models.InboundMessage{Type: models.MessageTypeInteractive, Interactive: &models.InteractiveReply{ID: "btn_ok"}}, true},
		{"interactive id differs", models.Condition{Type: models.CondInteractiveReplyID, Value: "btn_ok"},
			&models.InboundMessage{Type: models.MessageTypeInteractive, Interactive: &models.InteractiveReply{ID: "btn_no"}}, false},
		{"message type is", models.Condition{Type: models.CondMessageTypeIs, Value: "image"},
			&models.InboundMessage{Type: models.MessageTypeImage, Media: &models.MediaRef{ID: "m1"}}, true},
		{"regex match", models.Condition{Type: models.CondRegexMatch, Pattern: `^\d{4}$`}, textMessage("1234"), true},
		{"regex invalid pattern", models.Condition{Type: models.CondRegexMatch, Pattern: `([`}, textMessage("1234"), false},
		{"variable equals", models.Condition{Type: models.CondVariableEquals, Variable: "status", Value: "paid"}, nil, true},
		{"variable equals miss", models.Condition{Type: models.CondVariableEquals, Variable: "status", Value: "open"}, nil, false},
		{"variable exists", models.Condition{Type: models.CondVariableExists, Variable: "status"}, nil, true},
		{"variable exists nil value", models.Condition{Type: models.CondVariableExists, Variable: "empty"}, nil, false},
		{"variable contains", models.Condition{Type: models.CondVariableContains, Variable: "status", Value: "ai"}, nil, true},
		{"form field equals", models.Condition{Type: models.CondFormFieldEquals, FieldPath: "answers.color", Value: "red"},
			&models.InboundMessage{Type: models.MessageTypeForm, Form: map[string]any{"answers": map[string]any{"color": "red"}}}, true},
		{"human request default keywords", models.Condition{Type: models.CondHumanRequest}, textMessage("I need a HUMAN now"), true},
		{"human request custom keywords", models.Condition{Type: models.CondHumanRequest, Keywords: []string{"persona"}}, textMessage("quiero una persona"), true},
		{"human request miss", models.Condition{Type: models.CondHumanRequest, Keywords: []string{"persona"}}, textMessage("hola"), false},
		{"user reply received", models.Condition{Type: models.CondUserReplyReceived}, textMessage("anything"), true},
		{"unknown type", models.Condition{Type: "telepathy"}, textMessage("hm"), false},
	}
	for _, c := range cases {
		if got := ev.Evaluate(c.cond, c.msg, scope, nil); got != c.want {
			t.Errorf("%s: Evaluate = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestUserDependentConditionsFalseOnAutoPass(t *testing.T) {
	ev := NewEvaluator(NewResolver())
	scope := Scope{Context: map[string]any{"status": "paid"}}

	userDependent := []models.Condition{
		{Type: models.CondKeywordMatch, Keyword: "yes"},
		{Type: models.CondInteractiveReplyID, Value: "btn"},
		{Type: models.CondMessageTypeIs, Value: "text"},
		{Type: models.CondRegexMatch, Pattern: ".*"},
		{Type: models.CondFormFieldEquals, FieldPath: "a", Value: "b"},
		{Type: models.CondHumanRequest},
		{Type: models.CondUserReplyReceived},
	}
	for _, cond := range userDependent {
		if ev.Evaluate(cond, nil, scope, nil) {
			t.Errorf("%s must be false without a message", cond.Type)
		}
	}
	// State-only conditions still evaluate on an automatic pass.
	if !ev.Evaluate(models.Condition{Type: models.CondVariableEquals, Variable: "status", Value: "paid"}, nil, scope, nil) {
		t.Error("variable_equals must evaluate without a message")
	}
}

func TestQuestionReplyIsValidCondition(t *testing.T) {
	ev := NewEvaluator(NewResolver())
	scope := Scope{Context: map[string]any{"name": "Ada"}}
	state := &models.ContactFlowState{
		Context: scope.Context,
		Pending: &models.PendingQuestion{StepID: "q", Variable: "name"},
	}

	if !ev.Evaluate(models.Condition{Type: models.CondQuestionReplyIsValid}, nil, scope, state) {
		t.Error("stored value under the pending variable must be valid")
	}
	if !ev.Evaluate(models.Condition{Type: models.CondQuestionReplyIsValid, Variable: "name"}, nil, scope, state) {
		t.Error("explicit variable must be valid")
	}
	if ev.Evaluate(models.Condition{Type: models.CondQuestionReplyIsValid, Variable: "other"}, nil, scope, state) {
		t.Error("missing variable must be invalid")
	}
	if !ev.Evaluate(models.Condition{Type: models.CondQuestionReplyIsValid, Variable: "other", Expect: "invalid"}, nil, scope, state) {
		t.Error("expect=invalid must invert the check")
	}
}

func TestPickHonorsOrder(t *testing.T) {
	ev := NewEvaluator(NewResolver())
	scope := Scope{Context: map[string]any{}}
	transitions := []models.Transition{
		{ID: "t1", ToStepID: "a", Condition: models.Condition{Type: models.CondKeywordMatch, Keyword: "zzz"}},
		{ID: "t2", ToStepID: "b", Condition: models.Condition{Type: models.CondAlwaysTrue}},
		{ID: "t3", ToStepID: "c", Condition: models.Condition{Type: models.CondAlwaysTrue}},
	}
	picked := ev.Pick(transitions, textMessage("hello"), scope, nil)
	if picked == nil || picked.ID != "t2" {
		t.Fatalf("Pick = %+v, want t2", picked)
	}
	if ev.Pick(nil, textMessage("hello"), scope, nil) != nil {
		t.Error("Pick with no transitions must return nil")
	}
}

func TestMatchFlowOrderAndCase(t *testing.T) {
	flows := []models.Flow{
		{ID: "f1", Name: "Alpha", TriggerKeywords: []string{"order"}},
		{ID: "f2", Name: "Beta", TriggerKeywords: []string{"order status", "order"}},
	}
	if f := MatchFlow(textMessage("ORDER status please"), flows); f == nil || f.ID != "f1" {
		t.Errorf("first flow in order must win, got %+v", f)
	}
	if f := MatchFlow(textMessage("nothing relevant"), flows); f != nil {
		t.Errorf("expected no match, got %+v", f)
	}
	if f := MatchFlow(&models.InboundMessage{Type: models.MessageTypeImage, Media: &models.MediaRef{ID: "m"}}, flows); f != nil {
		t.Errorf("non-text message must not trigger, got %+v", f)
	}
}
