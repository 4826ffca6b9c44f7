// Package api has the JSON request and response helpers shared by the HTTP handlers.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// MaxBodyBytes caps every JSON request body.
const MaxBodyBytes = 1 << 20

// ErrorBody is the shape of every JSON error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// MessageBody is the shape of plain acknowledgements.
type MessageBody struct {
	Message string `json:"message"`
}

// WriteJSON writes v with the given status.
func WriteJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

// WriteError writes {"error": message}.
func WriteError(writer http.ResponseWriter, status int, message string) {
	WriteJSON(writer, status, ErrorBody{Error: message})
}

// DecodeJSON reads a size-limited JSON body into v. Unknown fields are allowed.
func DecodeJSON(writer http.ResponseWriter, request *http.Request, v any) error {
	body := http.MaxBytesReader(writer, request.Body, MaxBodyBytes)
	defer func() { _ = body.Close() }()
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}
	return nil
}
