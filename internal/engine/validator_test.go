package engine

import (
	"testing"

	"github.com/convoflow/convoflow/internal/models"
)

func TestExtractReplyText(t *testing.T) {
	pending := &models.PendingQuestion{Variable: "v", ExpectedType: models.ReplyTypeText}
	if v, ok := extractReply(pending, textMessage("hello")); !ok || v != "hello" {
		t.Errorf("text reply = %v, %v", v, ok)
	}
	if _, ok := extractReply(pending, &models.InboundMessage{Type: models.MessageTypeImage}); ok {
		t.Error("non-text message must not satisfy a text question")
	}
	pending.Pattern = `^[A-Z]+$`
	if _, ok := extractReply(pending, textMessage("hello")); ok {
		t.Error("pattern mismatch must fail")
	}
	if v, ok := extractReply(pending, textMessage("HELLO")); !ok || v != "HELLO" {
		t.Errorf("pattern match = %v, %v", v, ok)
	}
}

func TestExtractReplyEmail(t *testing.T) {
	pending := &models.PendingQuestion{Variable: "v", ExpectedType: models.ReplyTypeEmail}
	if v, ok := extractReply(pending, textMessage("  ada@example.com ")); !ok || v != "ada@example.com" {
		t.Errorf("email reply = %v, %v", v, ok)
	}
	for _, bad := range []string{"not an email", "a@b", "@example.com"} {
		if _, ok := extractReply(pending, textMessage(bad)); ok {
			t.Errorf("%q must not validate as email", bad)
		}
	}
}

func TestExtractReplyNumber(t *testing.T) {
	pending := &models.PendingQuestion{Variable: "v", ExpectedType: models.ReplyTypeNumber}
	if v, ok := extractReply(pending, textMessage("42")); !ok || v != int64(42) {
		t.Errorf("integer reply = %v (%T), %v", v, v, ok)
	}
	if v, ok := extractReply(pending, textMessage("3.14")); !ok || v != float64(3.14) {
		t.Errorf("decimal reply = %v (%T), %v", v, v, ok)
	}
	if _, ok := extractReply(pending, textMessage("forty two")); ok {
		t.Error("non-numeric reply must fail")
	}
}

func TestExtractReplyInteractiveID(t *testing.T) {
	pending := &models.PendingQuestion{Variable: "v", ExpectedType: models.ReplyTypeInteractiveID}
	msg := &models.InboundMessage{Type: models.MessageTypeInteractive, Interactive: &models.InteractiveReply{ID: "opt_2"}}
	if v, ok := extractReply(pending, msg); !ok || v != "opt_2" {
		t.Errorf("interactive reply = %v, %v", v, ok)
	}
	if _, ok := extractReply(pending, textMessage("opt_2")); ok {
		t.Error("plain text must not satisfy an interactive_id question")
	}
}

func TestExtractReplyAny(t *testing.T) {
	pending := &models.PendingQuestion{Variable: "v", ExpectedType: models.ReplyTypeAny}
	cases := []struct {
		msg  *models.InboundMessage
		want any
	}{
		{textMessage("hi"), "hi"},
		{&models.InboundMessage{Type: models.MessageTypeInteractive, Interactive: &models.InteractiveReply{ID: "x"}}, "x"},
		{&models.InboundMessage{Type: models.MessageTypeImage, Media: &models.MediaRef{ID: "m1"}}, "m1"},
		{&models.InboundMessage{Type: models.MessageTypeLocation, Location: &models.Location{Latitude: 1.5, Longitude: -2}}, "1.5,-2"},
		{&models.InboundMessage{Type: models.MessageTypeSticker}, "sticker"},
	}
	for i, c := range cases {
		v, ok := extractReply(pending, c.msg)
		if !ok || v != c.want {
			t.Errorf("case %d: extractReply = %v, %v, want %v", i, v, ok, c.want)
		}
	}
}

func TestCheckPatternInvalidRegexPasses(t *testing.T) {
	// A broken pattern is a configuration error; the reply passes rather
	// than trapping the contact.
	if v, ok := checkPattern("anything", "(["); !ok || v != "anything" {
		t.Errorf("checkPattern with invalid regex = %v, %v", v, ok)
	}
}
