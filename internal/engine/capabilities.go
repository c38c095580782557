// Package engine provides the registry of named external capabilities
// invoked by fetch_external_data action items.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/google/uuid"
)

// Capability is a named external operation invoked with resolved
// parameters. Implementations are expected to be fast and idempotent;
// the engine does not retry them.
type Capability interface {
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// CapabilityFunc adapts a plain function to the Capability interface.
type CapabilityFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Invoke calls the wrapped function.
func (f CapabilityFunc) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f(ctx, params)
}

var capabilities = make(map[string]Capability)

// RegisterCapability associates a name with a Capability implementation.
func RegisterCapability(name string, c Capability) {
	capabilities[name] = c
}

// GetCapability retrieves the Capability for a given name.
func GetCapability(name string) (Capability, bool) {
	c, ok := capabilities[name]
	return c, ok
}

// InvokeCapability finds and runs the named capability, converting
// every failure into a result map carrying status="failed" so transition
// conditions can branch on it.
func InvokeCapability(ctx context.Context, name string, params map[string]any) map[string]any {
	slog.Debug("Capability invoke", "name", name)
	c, ok := GetCapability(name)
	if !ok {
		slog.Error("No capability registered", "name", name)
		return map[string]any{"status": "failed", "error": fmt.Sprintf("unknown capability %s", name)}
	}
	result, err := c.Invoke(ctx, params)
	if err != nil {
		slog.Error("Capability invocation failed", "name", name, "error", err)
		return map[string]any{"status": "failed", "error": err.Error()}
	}
	if result == nil {
		result = make(map[string]any)
	}
	if _, ok := result["status"]; !ok {
		result["status"] = "success"
	}
	slog.Debug("Capability invoke succeeded", "name", name)
	return result
}

// httpFetchTimeout bounds the synchronous in-cycle fetch.
const httpFetchTimeout = 10 * time.Second

// httpFetch is the built-in "http_fetch" capability: GET a URL and store
// the decoded JSON body under "data".
func httpFetch(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http_fetch requires a url parameter")
	}

	reqCtx, cancel := context.WithTimeout(ctx, httpFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result := map[string]any{"http_status": resp.StatusCode}
	if resp.StatusCode >= 400 {
		result["status"] = "failed"
	}
	var data any
	if err := json.Unmarshal(body, &data); err == nil {
		result["data"] = data
	} else {
		result["data"] = string(body)
	}
	return result, nil
}

// Register default capabilities
func init() {
	RegisterCapability("http_fetch", CapabilityFunc(httpFetch))
}

// accountCapabilities implements the built-in customer profile
// capabilities against the store.
type accountCapabilities struct {
	store Store
}

// RegisterAccountCapabilities registers create_account and
// update_profile backed by the given store. Called once during wiring.
func RegisterAccountCapabilities(s Store) {
	ac := &accountCapabilities{store: s}
	RegisterCapability("create_account", CapabilityFunc(ac.createAccount))
	RegisterCapability("update_profile", CapabilityFunc(ac.updateProfile))
}

// profileParamFields maps capability parameter names to profile setters.
var profileParamFields = map[string]func(*models.CustomerProfile, string){
	"first_name": func(p *models.CustomerProfile, v string) { p.FirstName = v },
	"last_name":  func(p *models.CustomerProfile, v string) { p.LastName = v },
	"email":      func(p *models.CustomerProfile, v string) { p.Email = v },
}

// applyProfileParams writes recognized parameters onto the profile,
// normalizing dates and gender; unrecognized parameters become
// attributes.
func applyProfileParams(profile *models.CustomerProfile, params map[string]any) {
	for name, raw := range params {
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}
		switch name {
		case "contact_id", "profile_id":
			// Addressing parameters, not profile data.
		case "birth_date":
			if normalized, ok := normalizeBirthDate(value); ok {
				profile.BirthDate = normalized
			}
		case "gender":
			if normalized, ok := genderValues[strings.ToLower(value)]; ok {
				profile.Gender = normalized
			}
		default:
			if set, known := profileParamFields[name]; known {
				set(profile, value)
			} else {
				if profile.Attributes == nil {
					profile.Attributes = make(map[string]any)
				}
				profile.Attributes[name] = value
			}
		}
	}
}

// createAccount creates a customer profile from the resolved parameters
// and links it to the contact named by contact_id.
func (ac *accountCapabilities) createAccount(ctx context.Context, params map[string]any) (map[string]any, error) {
	contactID, _ := params["contact_id"].(string)
	if contactID == "" {
		return nil, fmt.Errorf("create_account requires a contact_id parameter")
	}
	contact, err := ac.store.GetContact(contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", contactID, err)
	}
	if contact == nil {
		return nil, fmt.Errorf("contact %s not found", contactID)
	}
	if contact.ProfileID != "" {
		return nil, fmt.Errorf("contact %s already has a linked profile", contactID)
	}

	profile := &models.CustomerProfile{ID: uuid.NewString()}
	applyProfileParams(profile, params)
	now := time.Now()
	profile.LastConversationUpdate = &now
	if err := ac.store.SaveCustomerProfile(*profile); err != nil {
		return nil, fmt.Errorf("failed to save customer profile: %w", err)
	}
	contact.ProfileID = profile.ID
	contact.UpdatedAt = now
	if err := ac.store.SaveContact(*contact); err != nil {
		return nil, fmt.Errorf("failed to link profile to contact %s: %w", contactID, err)
	}
	slog.Info("Created customer profile", "contact", contactID, "profile", profile.ID)
	return map[string]any{"profile_id": profile.ID}, nil
}

// updateProfile updates an existing customer profile addressed by
// profile_id, or by contact_id through the contact's link.
func (ac *accountCapabilities) updateProfile(ctx context.Context, params map[string]any) (map[string]any, error) {
	profileID, _ := params["profile_id"].(string)
	if profileID == "" {
		contactID, _ := params["contact_id"].(string)
		if contactID == "" {
			return nil, fmt.Errorf("update_profile requires a profile_id or contact_id parameter")
		}
		contact, err := ac.store.GetContact(contactID)
		if err != nil {
			return nil, fmt.Errorf("failed to load contact %s: %w", contactID, err)
		}
		if contact == nil || contact.ProfileID == "" {
			return nil, fmt.Errorf("contact %s has no linked profile", contactID)
		}
		profileID = contact.ProfileID
	}

	profile, err := ac.store.GetCustomerProfile(profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", profileID, err)
	}
	if profile == nil {
		return nil, fmt.Errorf("profile %s not found", profileID)
	}
	applyProfileParams(profile, params)
	now := time.Now()
	profile.LastConversationUpdate = &now
	if err := ac.store.SaveCustomerProfile(*profile); err != nil {
		return nil, fmt.Errorf("failed to save customer profile: %w", err)
	}
	return map[string]any{"profile_id": profile.ID}, nil
}
