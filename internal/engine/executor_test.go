package engine

import (
	"context"
	"testing"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

func newTestExecutor() (*Executor, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	return NewExecutor(st, NewResolver()), st
}

func actionStep(items ...models.ActionItem) *models.Step {
	return &models.Step{
		ID:     "act",
		FlowID: "f1",
		Type:   models.StepTypeAction,
		Config: &models.ActionConfig{Items: items},
	}
}

func TestExecuteActionSetsResolvedVariable(t *testing.T) {
	e, _ := newTestExecutor()
	contact := &models.Contact{ID: "c1", PhoneNumber: "+1"}
	state := &models.ContactFlowState{ContactID: "c1", Context: map[string]any{"name": "Ada"}}

	step := actionStep(models.ActionItem{
		Type:     models.ActionSetContextVariable,
		Variable: "greeting",
		Value:    "Hello {{name}}",
	})
	result := e.ExecuteStep(context.Background(), step, contact, state)
	if result.Command != CommandNone || len(result.Actions) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if state.Context["greeting"] != "Hello Ada" {
		t.Errorf("greeting = %v", state.Context["greeting"])
	}
}

func TestUpdateContactFieldWhitelist(t *testing.T) {
	e, st := newTestExecutor()
	contact := &models.Contact{ID: "c1", PhoneNumber: "+1"}
	if err := st.SaveContact(*contact); err != nil {
		t.Fatal(err)
	}
	state := &models.ContactFlowState{ContactID: "c1", Context: map[string]any{"n": "Ada"}}

	step := actionStep(
		models.ActionItem{Type: models.ActionUpdateContactField, Field: "display_name", Value: "{{n}}"},
		models.ActionItem{Type: models.ActionUpdateContactField, Field: "custom_fields.tier", Value: "gold"},
		models.ActionItem{Type: models.ActionUpdateContactField, Field: "id", Value: "hijack"},
		models.ActionItem{Type: models.ActionUpdateContactField, Field: "profile_id", Value: "hijack"},
	)
	e.ExecuteStep(context.Background(), step, contact, state)

	saved, _ := st.GetContact("c1")
	if saved.DisplayName != "Ada" {
		t.Errorf("display_name = %q", saved.DisplayName)
	}
	if saved.CustomFields["tier"] != "gold" {
		t.Errorf("custom field not written: %+v", saved.CustomFields)
	}
	if saved.ID != "c1" || saved.ProfileID != "" {
		t.Errorf("protected fields were written: %+v", saved)
	}
}

func TestUpdateCustomerProfileNormalizesAndLinks(t *testing.T) {
	e, st := newTestExecutor()
	contact := &models.Contact{ID: "c1", PhoneNumber: "+1"}
	if err := st.SaveContact(*contact); err != nil {
		t.Fatal(err)
	}
	state := &models.ContactFlowState{ContactID: "c1", Context: map[string]any{
		"fname": "Ada", "dob": "10/12/1990", "g": "F", "color": "blue",
	}}

	step := actionStep(models.ActionItem{
		Type: models.ActionUpdateCustomerProfile,
		Fields: map[string]string{
			"first_name": "{{fname}}",
			"birth_date": "{{dob}}",
			"gender":     "{{g}}",
			"favorite":   "{{color}}",
		},
	})
	e.ExecuteStep(context.Background(), step, contact, state)

	if contact.ProfileID == "" {
		t.Fatal("profile not linked to contact")
	}
	profile, _ := st.GetCustomerProfile(contact.ProfileID)
	if profile == nil {
		t.Fatal("profile not persisted")
	}
	if profile.FirstName != "Ada" {
		t.Errorf("first_name = %q", profile.FirstName)
	}
	if profile.BirthDate != "1990-12-10" {
		t.Errorf("birth_date = %q, want normalized 1990-12-10", profile.BirthDate)
	}
	if profile.Gender != "female" {
		t.Errorf("gender = %q", profile.Gender)
	}
	if profile.Attributes["favorite"] != "blue" {
		t.Errorf("unknown fields should land in attributes: %+v", profile.Attributes)
	}
	if profile.LastConversationUpdate == nil {
		t.Error("LastConversationUpdate not stamped")
	}
}

func TestFetchExternalDataUnknownCapability(t *testing.T) {
	e, _ := newTestExecutor()
	contact := &models.Contact{ID: "c1"}
	state := &models.ContactFlowState{ContactID: "c1", Context: map[string]any{}}

	step := actionStep(models.ActionItem{
		Type:           models.ActionFetchExternalData,
		Capability:     "no_such_capability",
		ResultVariable: "result",
	})
	e.ExecuteStep(context.Background(), step, contact, state)

	result, ok := state.Context["result"].(map[string]any)
	if !ok {
		t.Fatalf("result not stored: %v", state.Context["result"])
	}
	if result["status"] != "failed" {
		t.Errorf("unknown capability should store status=failed, got %v", result["status"])
	}
}

func TestFetchExternalDataStoresCapabilityResult(t *testing.T) {
	RegisterCapability("echo_params", CapabilityFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"echo": params["msg"]}, nil
	}))
	e, _ := newTestExecutor()
	contact := &models.Contact{ID: "c1"}
	state := &models.ContactFlowState{ContactID: "c1", Context: map[string]any{"word": "hi"}}

	step := actionStep(models.ActionItem{
		Type:           models.ActionFetchExternalData,
		Capability:     "echo_params",
		Params:         map[string]any{"msg": "{{word}}"},
		ResultVariable: "out",
	})
	e.ExecuteStep(context.Background(), step, contact, state)

	out, ok := state.Context["out"].(map[string]any)
	if !ok {
		t.Fatalf("result not stored: %v", state.Context["out"])
	}
	if out["echo"] != "hi" {
		t.Errorf("params not resolved before invoke: %v", out["echo"])
	}
	if out["status"] != "success" {
		t.Errorf("status = %v", out["status"])
	}
}

func TestCreateAccountCapability(t *testing.T) {
	_, st := newTestExecutor()
	RegisterAccountCapabilities(st)
	if err := st.SaveContact(models.Contact{ID: "c1", PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}

	result := InvokeCapability(context.Background(), "create_account", map[string]any{
		"contact_id": "c1",
		"first_name": "Ada",
		"email":      "ada@example.com",
		"birth_date": "1990-12-10",
	})
	if result["status"] != "success" {
		t.Fatalf("create_account failed: %v", result)
	}
	profileID, _ := result["profile_id"].(string)
	if profileID == "" {
		t.Fatal("no profile_id returned")
	}
	contact, _ := st.GetContact("c1")
	if contact.ProfileID != profileID {
		t.Errorf("contact not linked: %q != %q", contact.ProfileID, profileID)
	}
	profile, _ := st.GetCustomerProfile(profileID)
	if profile.FirstName != "Ada" || profile.Email != "ada@example.com" || profile.BirthDate != "1990-12-10" {
		t.Errorf("profile fields lost: %+v", profile)
	}

	// A second create for the same contact fails.
	again := InvokeCapability(context.Background(), "create_account", map[string]any{"contact_id": "c1"})
	if again["status"] != "failed" {
		t.Errorf("duplicate create_account should fail, got %v", again)
	}
}

func TestUpdateProfileCapability(t *testing.T) {
	_, st := newTestExecutor()
	RegisterAccountCapabilities(st)
	if err := st.SaveCustomerProfile(models.CustomerProfile{ID: "p1", FirstName: "Ada"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveContact(models.Contact{ID: "c1", PhoneNumber: "+1", ProfileID: "p1"}); err != nil {
		t.Fatal(err)
	}

	// Addressed through the contact link.
	result := InvokeCapability(context.Background(), "update_profile", map[string]any{
		"contact_id": "c1",
		"last_name":  "Lovelace",
		"gender":     "woman",
	})
	if result["status"] != "success" {
		t.Fatalf("update_profile failed: %v", result)
	}
	profile, _ := st.GetCustomerProfile("p1")
	if profile.LastName != "Lovelace" || profile.Gender != "female" {
		t.Errorf("profile not updated: %+v", profile)
	}
	if profile.FirstName != "Ada" {
		t.Errorf("untouched field lost: %+v", profile)
	}

	missing := InvokeCapability(context.Background(), "update_profile", map[string]any{"profile_id": "nope"})
	if missing["status"] != "failed" {
		t.Errorf("missing profile should fail, got %v", missing)
	}
}
