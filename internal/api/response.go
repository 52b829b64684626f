// Package api provides HTTP response utilities for CareCall.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// APIResponse is the standard JSON envelope for REST endpoints.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: "ok", Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Message: message}
}

// Pre-marshaled fallback response to avoid runtime JSON encoding failures
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response with the given status code.
// Marshaling happens before headers are written so encoding errors can
// still produce a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeTwiML writes a TwiML document for Twilio voice webhooks.
func writeTwiML(w http.ResponseWriter, statusCode int, twiml string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(twiml)); err != nil {
		slog.Error("Server.writeTwiML: failed to write TwiML response", "error", err)
	}
}
