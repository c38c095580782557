package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

type recordingNotifier struct {
	actions []models.OutboundAction
}

func (n *recordingNotifier) DispatchAll(ctx context.Context, actions []models.OutboundAction) {
	n.actions = append(n.actions, actions...)
}

func TestSweepRemovesOnlyIdleStates(t *testing.T) {
	s := store.NewInMemoryStore()
	now := time.Now()
	stale := models.ContactFlowState{ID: "st1", ContactID: "+15550001", FlowID: "f", StepID: "s", UpdatedAt: now.Add(-48 * time.Hour)}
	fresh := models.ContactFlowState{ID: "st2", ContactID: "+15550002", FlowID: "f", StepID: "s", UpdatedAt: now}
	if err := s.SaveContactFlowState(stale); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveContactFlowState(fresh); err != nil {
		t.Fatal(err)
	}

	notifier := &recordingNotifier{}
	r := New(s, WithMaxIdle(24*time.Hour), WithNotifier(notifier, "This conversation expired."))
	r.Sweep(context.Background())

	if st, _ := s.GetContactFlowState("+15550001"); st != nil {
		t.Errorf("stale state not reaped: %+v", st)
	}
	if st, _ := s.GetContactFlowState("+15550002"); st == nil {
		t.Error("fresh state was reaped")
	}
	if len(notifier.actions) != 1 || notifier.actions[0].Recipient != "+15550001" {
		t.Errorf("expected one expiry notice to the reaped contact, got %+v", notifier.actions)
	}
	if notifier.actions[0].TextBody() != "This conversation expired." {
		t.Errorf("unexpected expiry text %q", notifier.actions[0].TextBody())
	}
}

func TestSweepWithoutNotifierIsSilent(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveContactFlowState(models.ContactFlowState{
		ID: "st1", ContactID: "+15550001", FlowID: "f", StepID: "s",
		UpdatedAt: time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	r := New(s, WithMaxIdle(24*time.Hour))
	r.Sweep(context.Background())
	if st, _ := s.GetContactFlowState("+15550001"); st != nil {
		t.Errorf("stale state not reaped: %+v", st)
	}
}
