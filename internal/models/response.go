// Package models defines the shared API response envelope.
package models

// APIResponse is the uniform envelope returned by all HTTP endpoints.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success builds a success envelope carrying a result payload.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// SuccessWithMessage builds a success envelope with a human-readable
// message and an optional result payload.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: "ok", Message: message, Result: result}
}

// Error builds an error envelope with a human-readable message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Message: message}
}
