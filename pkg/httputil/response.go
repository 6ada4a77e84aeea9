package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
	// Field names the offending input for validation failures
	Field string `json:"field,omitempty"`
}

// WriteJSON sets the content type and status and encodes data as the body
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, field string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message, Field: field})
}

// WriteFieldError answers status with an error that names the offending field
func WriteFieldError(w http.ResponseWriter, status int, field, message string) {
	writeError(w, status, message, field)
}

// WriteNotFoundError answers 404
func WriteNotFoundError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message, "")
}

// WriteConflict answers 409, used for illegal state transitions and overlaps
func WriteConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, message, "")
}

// WriteInternalError answers 500 without leaking the cause; log it first
func WriteInternalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "internal server error", "")
}

// WriteSuccess answers 200 with data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated answers 201 with the new resource
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteAccepted answers 202 for work continuing in the background
func WriteAccepted(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusAccepted, data)
}

// WriteNoContent answers 204
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
