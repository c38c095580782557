// Package engine provides template resolution for step configuration.
//
// Values may embed {{ path }} placeholders. Resolution is structure
// preserving, bounded, and never fails: a path that cannot be resolved
// renders as an empty string in templates and as nil in structured
// resolution.
package engine

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s][^{}]*?)\s*\}\}`)

// Resolver substitutes {{ path }} placeholders against a Scope.
type Resolver struct{}

// NewResolver creates a template resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve resolves a configuration value recursively. Maps and slices
// are rebuilt with resolved members; strings have their placeholders
// substituted; other scalars are returned unchanged.
func (r *Resolver) Resolve(value any, scope Scope) any {
	switch v := value.(type) {
	case string:
		return r.ResolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Resolve(item, scope)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = r.ResolveString(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Resolve(item, scope)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = r.ResolveString(item, scope)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = r.Resolve(item, scope).(map[string]any)
		}
		return out
	default:
		return value
	}
}

// ResolveString substitutes all placeholders in s, re-scanning so values
// that themselves contain placeholders resolve too. The scan is bounded;
// placeholders still present after the final pass are left in place and
// logged.
func (r *Resolver) ResolveString(s string, scope Scope) string {
	for pass := 0; pass < maxResolvePasses; pass++ {
		if !placeholderPattern.MatchString(s) {
			return s
		}
		next := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
			path := strings.TrimSpace(match[2 : len(match)-2])
			value, _ := r.LookupPath(path, scope)
			return Stringify(value)
		})
		if next == s {
			return s
		}
		s = next
	}
	if placeholderPattern.MatchString(s) {
		slog.Warn("Template still contains placeholders after final pass", "value", s)
	}
	return s
}

// LookupPath resolves a dotted path against the scope. The first
// segment selects a namespace (flow_context, contact, customer_profile);
// any other first segment resolves the whole path against flow_context.
// Returns (nil, false) when any segment is missing or mismatched.
func (r *Resolver) LookupPath(path string, scope Scope) (any, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, false
	}
	switch segments[0] {
	case "flow_context":
		return walkContext(scope.Context, segments[1:])
	case "contact":
		return lookupContact(scope.Contact, segments[1:])
	case "customer_profile":
		return lookupProfile(scope.Profile, segments[1:])
	default:
		return walkContext(scope.Context, segments)
	}
}

// walkContext applies map-key lookups left to right.
func walkContext(value any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return value, value != nil
	}
	current := value
	for _, seg := range segments {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil, false
			}
			current = m[idx]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

// lookupContact resolves engine-visible contact fields through an
// explicit accessor table; reflective attribute access is intentionally
// not supported.
func lookupContact(contact *models.Contact, segments []string) (any, bool) {
	if contact == nil || len(segments) == 0 {
		return nil, false
	}
	switch segments[0] {
	case "id":
		return contact.ID, true
	case "phone_number":
		return contact.PhoneNumber, true
	case "display_name", "name":
		return contact.DisplayName, true
	case "needs_human":
		return contact.NeedsHuman, true
	case "custom_fields":
		if contact.CustomFields == nil {
			return nil, false
		}
		return walkContext(contact.CustomFields, segments[1:])
	default:
		return nil, false
	}
}

// lookupProfile resolves customer profile fields. An absent profile
// resolves every path to no value. full_name is the one computed
// accessor.
func lookupProfile(profile *models.CustomerProfile, segments []string) (any, bool) {
	if profile == nil || len(segments) == 0 {
		return nil, false
	}
	switch segments[0] {
	case "id":
		return profile.ID, true
	case "first_name":
		return profile.FirstName, true
	case "last_name":
		return profile.LastName, true
	case "full_name":
		return profile.FullName(), true
	case "email":
		return profile.Email, true
	case "birth_date":
		return profile.BirthDate, true
	case "gender":
		return profile.Gender, true
	default:
		if profile.Attributes == nil {
			return nil, false
		}
		return walkContext(profile.Attributes, segments)
	}
}

// Stringify renders a resolved value for template substitution. Nil
// renders as the empty string.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
