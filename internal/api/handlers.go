package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/google/uuid"
)

// StepDefinition is a step as submitted by flow authors: the structural
// fields plus the raw type-specific configuration, decoded and
// validated on upload.
type StepDefinition struct {
	ID           string                 `json:"id,omitempty"`
	Type         models.StepType        `json:"step_type"`
	IsEntryPoint bool                   `json:"is_entry_point,omitempty"`
	Fallback     *models.FallbackConfig `json:"fallback,omitempty"`
	Config       json.RawMessage        `json:"config,omitempty"`
}

// FlowDefinition is the upload payload for one complete flow graph.
type FlowDefinition struct {
	Flow        models.Flow         `json:"flow"`
	Steps       []StepDefinition    `json:"steps"`
	Transitions []models.Transition `json:"transitions,omitempty"`
}

// healthHandler reports liveness and a store reachability check.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if flows, err := s.st.ListActiveFlows(); err != nil {
		slog.Warn("Health check: store unreachable", "error", err)
		health["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		health["active_flows"] = len(flows)
	}
	writeJSONResponse(w, statusCode, health)
}

// flowsHandler handles GET /v1/flows (list) and POST /v1/flows
// (upload a flow definition).
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		flows, err := s.st.ListActiveFlows()
		if err != nil {
			slog.Error("Failed to list flows", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(flows))

	case http.MethodPost:
		s.createFlowHandler(w, r)

	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var def FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		slog.Warn("Invalid JSON in flow upload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	flow, steps, transitions, err := buildFlow(def)
	if err != nil {
		slog.Warn("Flow definition rejected", "error", err, "flow", def.Flow.Name)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.st.SaveFlow(flow); err != nil {
		slog.Error("Failed to save flow", "error", err, "flow", flow.Name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	for _, step := range steps {
		if err := s.st.SaveStep(step); err != nil {
			slog.Error("Failed to save step", "error", err, "step", step.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save step"))
			return
		}
	}
	for _, tr := range transitions {
		if err := s.st.SaveTransition(tr); err != nil {
			slog.Error("Failed to save transition", "error", err, "transition", tr.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save transition"))
			return
		}
	}

	slog.Info("Flow uploaded", "flow", flow.Name, "steps", len(steps), "transitions", len(transitions))
	writeJSONResponse(w, http.StatusCreated, models.Success(flow))
}

// buildFlow validates a definition and materializes stored records,
// assigning identifiers where omitted.
func buildFlow(def FlowDefinition) (models.Flow, []models.Step, []models.Transition, error) {
	flow := def.Flow
	if flow.Name == "" {
		return flow, nil, nil, fmt.Errorf("flow name is required")
	}
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	if len(def.Steps) == 0 {
		return flow, nil, nil, fmt.Errorf("flow requires at least one step")
	}

	steps := make([]models.Step, 0, len(def.Steps))
	stepIDs := make(map[string]bool, len(def.Steps))
	entryCount := 0
	for i, sd := range def.Steps {
		if sd.ID == "" {
			sd.ID = uuid.NewString()
		}
		if stepIDs[sd.ID] {
			return flow, nil, nil, fmt.Errorf("duplicate step id %q", sd.ID)
		}
		stepIDs[sd.ID] = true
		if sd.IsEntryPoint {
			entryCount++
		}
		cfg, err := models.DecodeStepConfig(sd.Type, sd.Config)
		if err != nil {
			return flow, nil, nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, models.Step{
			ID:           sd.ID,
			FlowID:       flow.ID,
			Type:         sd.Type,
			IsEntryPoint: sd.IsEntryPoint,
			Config:       cfg,
			Fallback:     sd.Fallback,
		})
	}
	if entryCount != 1 {
		return flow, nil, nil, fmt.Errorf("flow requires exactly one entry point step, got %d", entryCount)
	}

	transitions := make([]models.Transition, 0, len(def.Transitions))
	for i, tr := range def.Transitions {
		if tr.ID == "" {
			tr.ID = uuid.NewString()
		}
		tr.FlowID = flow.ID
		if !stepIDs[tr.FromStepID] || !stepIDs[tr.ToStepID] {
			return flow, nil, nil, fmt.Errorf("transition %d references unknown steps", i)
		}
		transitions = append(transitions, tr)
	}
	return flow, steps, transitions, nil
}

// flowHandler handles GET /v1/flows/{id}.
func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/flows/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flow endpoint"))
		return
	}
	flow, err := s.st.GetFlow(id)
	if err != nil {
		slog.Error("Failed to get flow", "error", err, "flow", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if flow == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flow))
}

// eventsHandler handles POST /v1/events: inject an inbound event into
// the engine, used for integration testing and non-WhatsApp ingestion.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	defer r.Body.Close()
	var event models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.Warn("Invalid JSON in event injection", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if event.ContactID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: contact_id"))
		return
	}
	if event.Time == 0 {
		event.Time = time.Now().Unix()
	}

	actions, err := s.processor.ProcessEvent(r.Context(), event)
	if err != nil {
		slog.Error("Injected event failed processing", "error", err, "contact", event.ContactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.DispatchAll(r.Context(), actions)
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(actions))
}

// contactHandler handles GET /v1/contacts/{id} and GET/DELETE
// /v1/contacts/{id}/state.
func (s *Server) contactHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/contacts/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown contact endpoint"))
		return
	}
	contactID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		contact, err := s.st.GetContact(contactID)
		if err != nil {
			slog.Error("Failed to get contact", "error", err, "contact", contactID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get contact"))
			return
		}
		if contact == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Contact not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(contact))
		return
	}

	if len(segments) == 2 && segments[1] == "state" {
		switch r.Method {
		case http.MethodGet:
			state, err := s.st.GetContactFlowState(contactID)
			if err != nil {
				slog.Error("Failed to get contact state", "error", err, "contact", contactID)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get contact state"))
				return
			}
			if state == nil {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Contact has no active flow state"))
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(state))

		case http.MethodDelete:
			if err := s.st.DeleteContactFlowState(contactID); err != nil {
				slog.Error("Failed to delete contact state", "error", err, "contact", contactID)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete contact state"))
				return
			}
			slog.Info("Contact flow state deleted via API", "contact", contactID)
			writeJSONResponse(w, http.StatusOK, models.Success(nil))

		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown contact endpoint"))
}
