package models

import (
	"errors"
	"testing"
)

func TestDecodeStepConfigVariants(t *testing.T) {
	cases := []struct {
		name string
		st   StepType
		raw  string
		want any
	}{
		{"send_message", StepTypeSendMessage,
			`{"message": {"message_type": "text", "text": "hi"}}`, &SendMessageConfig{}},
		{"question", StepTypeQuestion,
			`{"message": {"message_type": "text", "text": "Name?"}, "reply": {"variable": "name", "expected_type": "text"}}`, &QuestionConfig{}},
		{"action", StepTypeAction,
			`{"items": [{"type": "set_context_variable", "variable": "x", "value": "1"}]}`, &ActionConfig{}},
		{"end_flow with message", StepTypeEndFlow,
			`{"message": {"message_type": "text", "text": "Bye"}}`, &EndFlowConfig{}},
		{"end_flow empty", StepTypeEndFlow, `{}`, &EndFlowConfig{}},
		{"human_handover empty", StepTypeHumanHandover, ``, &HandoverConfig{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := DecodeStepConfig(c.st, []byte(c.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch c.want.(type) {
			case *SendMessageConfig:
				if _, ok := cfg.(*SendMessageConfig); !ok {
					t.Errorf("got %T", cfg)
				}
			case *QuestionConfig:
				if _, ok := cfg.(*QuestionConfig); !ok {
					t.Errorf("got %T", cfg)
				}
			case *ActionConfig:
				if _, ok := cfg.(*ActionConfig); !ok {
					t.Errorf("got %T", cfg)
				}
			case *EndFlowConfig:
				if _, ok := cfg.(*EndFlowConfig); !ok {
					t.Errorf("got %T", cfg)
				}
			case *HandoverConfig:
				if _, ok := cfg.(*HandoverConfig); !ok {
					t.Errorf("got %T", cfg)
				}
			}
		})
	}
}

func TestDecodeStepConfigStructuralTypes(t *testing.T) {
	for _, st := range []StepType{StepTypeCondition, StepTypeWaitForReply, StepTypeStartFlowNode} {
		cfg, err := DecodeStepConfig(st, nil)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", st, err)
		}
		if cfg == nil {
			t.Errorf("%s: structural steps still carry a non-nil marker config", st)
		}
	}
}

func TestDecodeStepConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		st      StepType
		raw     string
		wantErr error
	}{
		{"unknown type", StepType("teleport"), `{}`, nil},
		{"question without variable", StepTypeQuestion,
			`{"message": {"message_type": "text", "text": "x"}, "reply": {}}`, ErrMissingVariable},
		{"send_message without payload", StepTypeSendMessage,
			`{"message": {"message_type": "text"}}`, ErrMissingPayload},
		{"send_message two payloads", StepTypeSendMessage,
			`{"message": {"message_type": "text", "text": "x", "image": {"url": "http://e/x.png"}}}`, ErrAmbiguousPayload},
		{"action without items", StepTypeAction, `{"items": []}`, ErrEmptyActionItems},
		{"malformed json", StepTypeSendMessage, `{"message":`, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := DecodeStepConfig(c.st, []byte(c.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if c.wantErr != nil && !errors.Is(err, c.wantErr) {
				t.Errorf("error = %v, want wrapped %v", err, c.wantErr)
			}
		})
	}
}

func TestQuestionConfigDefaultsExpectedType(t *testing.T) {
	cfg, err := DecodeStepConfig(StepTypeQuestion,
		[]byte(`{"message": {"message_type": "text", "text": "x"}, "reply": {"variable": "v"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	qc := cfg.(*QuestionConfig)
	if qc.Reply.ExpectedType != ReplyTypeAny {
		t.Errorf("empty expected_type should default to any, got %q", qc.Reply.ExpectedType)
	}
}

func TestMessageSpecValidate(t *testing.T) {
	cases := []struct {
		name    string
		spec    MessageSpec
		wantErr error
	}{
		{"text ok", MessageSpec{Type: MessageTypeText, Text: "hi"}, nil},
		{"location ok", MessageSpec{Type: MessageTypeLocation, Location: &Location{Latitude: 1, Longitude: 2}}, nil},
		{"interactive ok", MessageSpec{Type: MessageTypeInteractive, Interactive: map[string]any{"body": map[string]any{"text": "pick"}}}, nil},
		{"wrong payload for type", MessageSpec{Type: MessageTypeImage, Text: "hi"}, ErrMissingPayload},
		{"unknown type", MessageSpec{Type: MessageType("hologram"), Text: "x"}, ErrInvalidMessageType},
		{"two payloads", MessageSpec{Type: MessageTypeText, Text: "x", Template: map[string]any{"name": "t"}}, ErrAmbiguousPayload},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.spec.Validate()
			if !errors.Is(err, c.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, c.wantErr)
			}
		})
	}
}

func TestIsValidStepType(t *testing.T) {
	for _, st := range []StepType{StepTypeSendMessage, StepTypeQuestion, StepTypeAction,
		StepTypeCondition, StepTypeWaitForReply, StepTypeEndFlow, StepTypeStartFlowNode, StepTypeHumanHandover} {
		if !IsValidStepType(st) {
			t.Errorf("%s should be valid", st)
		}
	}
	if IsValidStepType(StepType("teleport")) {
		t.Error("unknown step type should be invalid")
	}
}
