// Package engine provides keyword-based flow triggering.
package engine

import (
	"log/slog"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
)

// MatchFlow selects the flow to start for an inbound message with no
// existing state. Flows are scanned in the given order (stores return
// them ordered by name) and each flow's trigger keywords in declaration
// order; the first case-insensitive substring match wins. Messages
// without a text body never trigger a flow.
func MatchFlow(msg *models.InboundMessage, flows []models.Flow) *models.Flow {
	if !msg.HasText() {
		return nil
	}
	text := strings.ToLower(msg.Text)
	for i := range flows {
		for _, keyword := range flows[i].TriggerKeywords {
			if keyword == "" {
				continue
			}
			if strings.Contains(text, strings.ToLower(keyword)) {
				slog.Debug("Flow trigger matched", "flow", flows[i].Name, "keyword", keyword)
				return &flows[i]
			}
		}
	}
	return nil
}
