package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convoflow/convoflow/internal/models"
)

// fakeService implements Service in memory for pump tests.
type fakeService struct {
	mu     sync.Mutex
	sent   []models.OutboundAction
	failOn int // 1-based index of the send that fails; 0 disables
	events chan models.InboundEvent
}

func newFakeService() *fakeService {
	return &fakeService{events: make(chan models.InboundEvent, 10)}
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (f *fakeService) SendAction(ctx context.Context, action models.OutboundAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.sent)+1 == f.failOn {
		return errors.New("transport rejected message")
	}
	f.sent = append(f.sent, action)
	return nil
}

func (f *fakeService) Start(ctx context.Context) error { return nil }
func (f *fakeService) Stop() error                     { close(f.events); return nil }
func (f *fakeService) Events() <-chan models.InboundEvent {
	return f.events
}

func (f *fakeService) sentActions() []models.OutboundAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OutboundAction(nil), f.sent...)
}

type fakeProcessor struct {
	actions []models.OutboundAction
	err     error
	mu      sync.Mutex
	seen    []models.InboundEvent
}

func (p *fakeProcessor) ProcessEvent(ctx context.Context, event models.InboundEvent) ([]models.OutboundAction, error) {
	p.mu.Lock()
	p.seen = append(p.seen, event)
	p.mu.Unlock()
	return p.actions, p.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPumpProcessesAndDispatches(t *testing.T) {
	svc := newFakeService()
	proc := &fakeProcessor{actions: []models.OutboundAction{
		{Recipient: "+15550001", MessageType: models.MessageTypeText, Payload: map[string]any{"body": "one"}},
		{Recipient: "+15550001", MessageType: models.MessageTypeText, Payload: map[string]any{"body": "two"}},
	}}
	pump := NewPump(svc, proc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pump.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	svc.events <- models.InboundEvent{ContactID: "+15550001", Message: models.InboundMessage{Type: models.MessageTypeText, Text: "hi"}}
	waitFor(t, func() bool { return len(svc.sentActions()) == 2 })

	sent := svc.sentActions()
	if sent[0].TextBody() != "one" || sent[1].TextBody() != "two" {
		t.Errorf("actions dispatched out of order: %+v", sent)
	}
}

func TestDispatchContinuesAfterSendFailure(t *testing.T) {
	svc := newFakeService()
	svc.failOn = 1
	d := NewDispatcher(svc)
	d.DispatchAll(context.Background(), []models.OutboundAction{
		{Recipient: "+15550001", MessageType: models.MessageTypeText, Payload: map[string]any{"body": "fails"}},
		{Recipient: "+15550001", MessageType: models.MessageTypeText, Payload: map[string]any{"body": "lands"}},
	})
	sent := svc.sentActions()
	if len(sent) != 1 || sent[0].TextBody() != "lands" {
		t.Errorf("expected second action delivered despite first failing, got %+v", sent)
	}
}

func TestDispatchSkipsInvalidRecipient(t *testing.T) {
	svc := newFakeService()
	d := NewDispatcher(svc)
	d.DispatchAll(context.Background(), []models.OutboundAction{
		{Recipient: "not a number", MessageType: models.MessageTypeText, Payload: map[string]any{"body": "x"}},
	})
	if len(svc.sentActions()) != 0 {
		t.Errorf("expected no sends for invalid recipient, got %+v", svc.sentActions())
	}
}

func TestPumpSurvivesProcessorError(t *testing.T) {
	svc := newFakeService()
	proc := &fakeProcessor{err: errors.New("engine unavailable")}
	pump := NewPump(svc, proc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pump.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	svc.events <- models.InboundEvent{ContactID: "+15550001", Message: models.InboundMessage{Type: models.MessageTypeText, Text: "hi"}}
	svc.events <- models.InboundEvent{ContactID: "+15550002", Message: models.InboundMessage{Type: models.MessageTypeText, Text: "hi again"}}

	waitFor(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.seen) == 2
	})
}
