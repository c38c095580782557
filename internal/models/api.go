// Package models defines the shared API response envelope.
package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an event was accepted for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse is the standard JSON envelope returned by every endpoint.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Accepted creates an accepted API response with optional result data.
func Accepted(result any) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
