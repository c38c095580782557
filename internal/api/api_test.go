package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/convoflow/convoflow/internal/engine"
	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	return NewServer(st, engine.NewOrchestrator(st), nil, nil), st
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v (%s)", err, rec.Body.String())
	}
	return resp
}

const greeterFlowJSON = `{
	"flow": {"name": "Greeter", "active": true, "trigger_keywords": ["hello"]},
	"steps": [
		{"id": "entry", "step_type": "send_message", "is_entry_point": true,
		 "config": {"message": {"message_type": "text", "text": "Hi there!"}}},
		{"id": "ask", "step_type": "question",
		 "config": {"message": {"message_type": "text", "text": "Your name?"},
		            "reply": {"variable": "name", "expected_type": "text"}}}
	],
	"transitions": [
		{"from_step_id": "entry", "to_step_id": "ask", "condition": {"type": "always_true"}}
	]
}`

func uploadGreeterFlow(t *testing.T, s *Server) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/flows", strings.NewReader(greeterFlowJSON))
	s.createFlowHandler(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("flow upload returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAndListFlows(t *testing.T) {
	s, st := newTestServer(t)
	uploadGreeterFlow(t, s)

	flows, err := st.ListActiveFlows()
	if err != nil || len(flows) != 1 || flows[0].Name != "Greeter" {
		t.Fatalf("stored flows = %+v, err %v", flows, err)
	}
	entry, err := st.GetEntryStep(flows[0].ID)
	if err != nil || entry == nil || entry.Type != models.StepTypeSendMessage {
		t.Fatalf("entry step = %+v, err %v", entry, err)
	}
	if _, ok := entry.Config.(*models.SendMessageConfig); !ok {
		t.Fatalf("entry config not decoded: %T", entry.Config)
	}

	rec := httptest.NewRecorder()
	s.flowsHandler(rec, httptest.NewRequest(http.MethodGet, "/v1/flows", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list flows returned %d", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Status != "ok" {
		t.Errorf("list flows status = %s", resp.Status)
	}
}

func TestCreateFlowValidation(t *testing.T) {
	s, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"flow": {"active": true}, "steps": [{"step_type": "send_message", "is_entry_point": true, "config": {"message": {"message_type": "text", "text": "x"}}}]}`},
		{"no steps", `{"flow": {"name": "Empty"}}`},
		{"no entry point", `{"flow": {"name": "F"}, "steps": [{"step_type": "send_message", "config": {"message": {"message_type": "text", "text": "x"}}}]}`},
		{"bad config", `{"flow": {"name": "F"}, "steps": [{"step_type": "question", "is_entry_point": true, "config": {"message": {"message_type": "text", "text": "x"}}}]}`},
		{"dangling transition", `{"flow": {"name": "F"}, "steps": [{"id": "a", "step_type": "send_message", "is_entry_point": true, "config": {"message": {"message_type": "text", "text": "x"}}}], "transitions": [{"from_step_id": "a", "to_step_id": "nope", "condition": {"type": "always_true"}}]}`},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/flows", strings.NewReader(c.body))
		s.createFlowHandler(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d (%s)", c.name, rec.Code, rec.Body.String())
		}
	}
}

func TestEventInjectionRunsEngine(t *testing.T) {
	s, st := newTestServer(t)
	uploadGreeterFlow(t, s)

	rec := httptest.NewRecorder()
	body := `{"contact_id": "+15550001", "message": {"type": "text", "text": "hello"}}`
	s.eventsHandler(rec, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("event injection returned %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if resp.Status != "accepted" {
		t.Errorf("status = %s", resp.Status)
	}
	actions, ok := resp.Result.([]any)
	if !ok || len(actions) != 2 {
		t.Fatalf("expected 2 actions in result, got %v", resp.Result)
	}
	if state, _ := st.GetContactFlowState("+15550001"); state == nil {
		t.Error("expected flow state created by injected event")
	}
}

func TestEventInjectionRequiresContactID(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	body := `{"message": {"type": "text", "text": "hello"}}`
	s.eventsHandler(rec, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestContactStateEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	if err := st.SaveContact(models.Contact{ID: "+15550001", PhoneNumber: "+15550001"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveContactFlowState(models.ContactFlowState{ID: "st1", ContactID: "+15550001", FlowID: "f", StepID: "s"}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.contactHandler(rec, httptest.NewRequest(http.MethodGet, "/v1/contacts/+15550001/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get state returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.contactHandler(rec, httptest.NewRequest(http.MethodDelete, "/v1/contacts/+15550001/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete state returned %d", rec.Code)
	}
	if state, _ := st.GetContactFlowState("+15550001"); state != nil {
		t.Error("state not deleted")
	}

	rec = httptest.NewRecorder()
	s.contactHandler(rec, httptest.NewRequest(http.MethodGet, "/v1/contacts/+15550001/state", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.contactHandler(rec, httptest.NewRequest(http.MethodGet, "/v1/contacts/+15550001", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get contact returned %d", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("health body not JSON: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("health status = %v", health["status"])
	}
}
