// Package httpx is the HTTP plumbing shared by every DGC service: JSON
// request/response helpers, the uniform error body, the outbound client with
// bounded deadlines, and the router skeleton (logging, CORS, metrics,
// health).
package httpx

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// WriteJSON renders v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err through the uniform error body.
func WriteError(w http.ResponseWriter, log *logrus.Entry, err error) {
	he := AsError(err)
	if he.Status >= http.StatusInternalServerError && log != nil {
		log.WithField("code", he.Code).Warn(he.Message)
	}
	WriteJSON(w, he.Status, he)
}

// ReadBody reads at most 1 MiB of the request body.
func ReadBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, BadRequest("invalid_request", "read body: %v", err)
	}
	return b, nil
}

// DecodeJSON decodes the request body into v, rejecting malformed JSON with
// a 400 invalid_request.
func DecodeJSON(r *http.Request, v any) error {
	b, err := ReadBody(r)
	if err != nil {
		return err
	}
	return DecodeBytes(b, v)
}

// DecodeBytes decodes an already-read body into v.
func DecodeBytes(b []byte, v any) error {
	if len(b) == 0 {
		return BadRequest("invalid_request", "empty request body")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return BadRequest("invalid_request", "invalid json: %v", err)
	}
	return nil
}

// Health returns the standard health handler.
func Health(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
	}
}
