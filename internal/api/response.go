package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/convoflow/convoflow/internal/models"
)

// fallbackErrorResponse is pre-marshaled so a failing encode never
// leaves the client without a JSON body.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("failed to marshal fallback error response: %v", err))
	}
}

// writeJSONResponse writes a JSON body with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Failed to marshal JSON response", "error", err)
		data = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}
