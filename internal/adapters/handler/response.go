// Package handler implements HTTP request handlers
// Following Hexagonal Architecture: Adapters translate HTTP to domain logic
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// APIResponse represents the standard response envelope
// ALL dashboard API responses use this format
type APIResponse struct {
	Code    int    `json:"code"`    // HTTP status code (200, 400, 500, etc.)
	Message string `json:"message"` // Human-readable message ("Success", error description)
	Data    any    `json:"data"`    // Actual payload (can be null)
}

// NewSuccessResponse creates a successful response (code 200)
func NewSuccessResponse(data any) APIResponse {
	return APIResponse{
		Code:    http.StatusOK,
		Message: "Success",
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		Code:    code,
		Message: message,
		Data:    nil,
	}
}

// Common error responses
func BadRequestResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusBadRequest, message)
}

func NotFoundResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusNotFound, message)
}

func InternalErrorResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusInternalServerError, message)
}

// writeJSON writes body with the given status
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// writeEnvelope writes an APIResponse whose HTTP status matches its code
func writeEnvelope(w http.ResponseWriter, resp APIResponse) {
	writeJSON(w, resp.Code, resp)
}
