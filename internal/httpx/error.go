package httpx

import (
	"fmt"
	"net/http"
)

// Error is the uniform error surface of every service: a machine code, an
// optional human message, and optional downstream/freeze context.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message,omitempty"`

	// DownstreamStatus echoes a collaborator's HTTP status when relevant.
	DownstreamStatus int `json:"statusCode,omitempty"`

	// FreezeState carries the freeze snapshot on 423 responses.
	FreezeState any `json:"freezeState,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds an *Error with a formatted message.
func Errf(status int, code, format string, args ...any) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(code, format string, args ...any) *Error {
	return Errf(http.StatusBadRequest, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return Errf(http.StatusNotFound, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return Errf(http.StatusConflict, code, format, args...)
}

// AsError coerces any error into an *Error, defaulting to 500 internal_error.
func AsError(err error) *Error {
	if he, ok := err.(*Error); ok {
		return he
	}
	return &Error{Status: http.StatusInternalServerError, Code: "internal_error", Message: err.Error()}
}
