package messaging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
)

// flattenAction reduces an outbound action to a text body plus an
// optional media URL, for transports without native support for the
// richer message types. Interactive payloads render as a numbered menu
// so the contact can still answer by text.
func flattenAction(action models.OutboundAction) (body string, mediaURL string) {
	p := action.Payload
	switch action.MessageType {
	case models.MessageTypeText:
		return str(p["body"]), ""

	case models.MessageTypeImage, models.MessageTypeDocument, models.MessageTypeAudio,
		models.MessageTypeVideo, models.MessageTypeSticker:
		body = str(p["caption"])
		if body == "" {
			body = str(p["filename"])
		}
		return body, str(p["url"])

	case models.MessageTypeInteractive:
		return flattenInteractive(p), ""

	case models.MessageTypeTemplate:
		if text := str(p["text"]); text != "" {
			return text, ""
		}
		return str(p["name"]), ""

	case models.MessageTypeContacts:
		return flattenContacts(p), ""

	case models.MessageTypeLocation:
		return flattenLocation(p), ""

	default:
		return "", ""
	}
}

// flattenInteractive renders an interactive payload as prompt text plus
// a numbered option list.
func flattenInteractive(p map[string]any) string {
	var b strings.Builder
	switch v := p["body"].(type) {
	case string:
		b.WriteString(v)
	case map[string]any:
		b.WriteString(str(v["text"]))
	}

	n := 0
	writeOption := func(title string) {
		if title == "" {
			return
		}
		n++
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", n, title)
	}

	for _, raw := range list(p["buttons"]) {
		if button, ok := raw.(map[string]any); ok {
			writeOption(str(button["title"]))
		}
	}
	if action, ok := p["action"].(map[string]any); ok {
		for _, raw := range list(action["buttons"]) {
			if button, ok := raw.(map[string]any); ok {
				title := str(button["title"])
				if reply, ok := button["reply"].(map[string]any); ok && title == "" {
					title = str(reply["title"])
				}
				writeOption(title)
			}
		}
		for _, raw := range list(action["sections"]) {
			section, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			for _, rowRaw := range list(section["rows"]) {
				if row, ok := rowRaw.(map[string]any); ok {
					writeOption(str(row["title"]))
				}
			}
		}
	}
	return b.String()
}

func flattenContacts(p map[string]any) string {
	var names []string
	for _, raw := range list(p["contacts"]) {
		if contact, ok := raw.(map[string]any); ok {
			if name := str(contact["name"]); name != "" {
				names = append(names, name)
			}
		}
	}
	return strings.Join(names, ", ")
}

func flattenLocation(p map[string]any) string {
	parts := []string{}
	if name := str(p["name"]); name != "" {
		parts = append(parts, name)
	}
	if address := str(p["address"]); address != "" {
		parts = append(parts, address)
	}
	lat, lng := num(p["latitude"]), num(p["longitude"])
	parts = append(parts, "("+lat+", "+lng+")")
	return strings.Join(parts, ", ")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func list(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	default:
		return nil
	}
}

func num(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case string:
		return n
	default:
		return "0"
	}
}
