package httputil

import (
	"encoding/json"
	"log"
	"net/http"
)

// Content types used on the inference wire protocol.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
	ContentTypeText   = "text/plain; charset=utf-8"
)

// WriteJSONError writes a JSON error response with the given status code and message.
// The inference service uses this shape ({"error": msg}) with status 200 to reject a job.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// WriteBinary writes an opaque payload with status 200.
func WriteBinary(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", ContentTypeBinary)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		log.Printf("failed to write binary response: %v", err)
	}
}

// WriteText writes a plain text response, used for server faults.
func WriteText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", ContentTypeText)
	w.WriteHeader(status)
	if _, err := w.Write([]byte(msg)); err != nil {
		log.Printf("failed to write text response: %v", err)
	}
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteText(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 Bad Request response with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteText(w, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 response carrying msg verbatim as plain text.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteText(w, http.StatusInternalServerError, msg)
}
