package engine

import (
	"testing"

	"github.com/convoflow/convoflow/internal/models"
)

func testScope() Scope {
	return Scope{
		Context: map[string]any{
			"name":   "Ada",
			"amount": int64(10),
			"order": map[string]any{
				"id":    "ord-1",
				"items": []any{"widget", "gadget"},
			},
			"nested": "Hello {{name}}",
		},
		Contact: &models.Contact{
			ID:          "c1",
			PhoneNumber: "+15550001",
			DisplayName: "Ada L.",
			CustomFields: map[string]string{
				"tier": "gold",
			},
		},
		Profile: &models.CustomerProfile{
			ID:        "p1",
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
			Attributes: map[string]any{
				"loyalty": map[string]any{"points": float64(120)},
			},
		},
	}
}

func TestResolveStringSubstitution(t *testing.T) {
	r := NewResolver()
	scope := testScope()

	cases := []struct {
		in, want string
	}{
		{"Hello {{name}}!", "Hello Ada!"},
		{"Hello {{ name }}!", "Hello Ada!"},
		{"Order {{order.id}} has {{order.items.1}}", "Order ord-1 has gadget"},
		{"Amount: {{flow_context.amount}}", "Amount: 10"},
		{"Hi {{contact.display_name}} ({{contact.phone_number}})", "Hi Ada L. (+15550001)"},
		{"Tier: {{contact.custom_fields.tier}}", "Tier: gold"},
		{"Dear {{customer_profile.full_name}}", "Dear Ada Lovelace"},
		{"Points: {{customer_profile.loyalty.points}}", "Points: 120"},
		{"Missing: [{{no_such_var}}]", "Missing: []"},
		{"no placeholders here", "no placeholders here"},
	}
	for _, c := range cases {
		if got := r.ResolveString(c.in, scope); got != c.want {
			t.Errorf("ResolveString(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestResolveStringNestedValue(t *testing.T) {
	r := NewResolver()
	// The stored value itself contains a placeholder; re-scanning
	// resolves it fully.
	if got := r.ResolveString("{{nested}}", testScope()); got != "Hello Ada" {
		t.Errorf("nested resolution = %q, want Hello Ada", got)
	}
}

func TestResolveStructurePreserving(t *testing.T) {
	r := NewResolver()
	in := map[string]any{
		"header": "Hi {{name}}",
		"rows":   []any{"{{order.id}}", int64(3)},
	}
	out := r.Resolve(in, testScope()).(map[string]any)
	if out["header"] != "Hi Ada" {
		t.Errorf("header = %v", out["header"])
	}
	rows := out["rows"].([]any)
	if rows[0] != "ord-1" || rows[1] != int64(3) {
		t.Errorf("rows = %v", rows)
	}
	// Input must not be mutated.
	if in["header"] != "Hi {{name}}" {
		t.Error("Resolve mutated its input")
	}
}

func TestLookupPathMissingSegments(t *testing.T) {
	r := NewResolver()
	scope := testScope()
	for _, path := range []string{
		"order.items.9",
		"order.items.x",
		"contact.secret",
		"customer_profile.no_such_attr",
		"",
	} {
		if v, ok := r.LookupPath(path, scope); ok {
			t.Errorf("LookupPath(%q) = %v, want no value", path, v)
		}
	}
}

func TestLookupPathWithoutProfile(t *testing.T) {
	r := NewResolver()
	scope := Scope{Context: map[string]any{}, Contact: &models.Contact{ID: "c1"}}
	if v, ok := r.LookupPath("customer_profile.first_name", scope); ok {
		t.Errorf("expected no value without a profile, got %v", v)
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{true, "true"},
		{42, "42"},
		{int64(7), "7"},
		{3.5, "3.5"},
		{float64(120), "120"},
		{map[string]any{"a": 1}, `{"a":1}`},
	}
	for _, c := range cases {
		if got := Stringify(c.in); got != c.want {
			t.Errorf("Stringify(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
