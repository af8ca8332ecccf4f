package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoSession means nothing is persisted: the user is signed out.
	ErrNoSession = errors.New("no session stored")
	// ErrCorruptSession means only part of the session triple is persisted.
	ErrCorruptSession = errors.New("stored session is incomplete or corrupt")
	// ErrInvalidSession rejects writing a session without all three parts.
	ErrInvalidSession = errors.New("session requires a user, an access token and a refresh token")
	// ErrSessionExpired is the terminal error handed to callers once the
	// session can not be recovered by a token refresh.
	//lint:ignore ST1005 shown to users verbatim
	ErrSessionExpired = errors.New("Session expired. Please log in again.")
	// ErrMissingBaseURL means the backend address was never configured.
	ErrMissingBaseURL = errors.New("backend base URL is not configured")
	// ErrMissingRefreshToken means there is nothing to exchange for a new access token.
	ErrMissingRefreshToken = errors.New("no refresh token stored")
	// ErrNotAuthenticated is returned by operations that need a signed-in user.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// ExpiredError reports a failed or impossible token refresh. Its message is
// always ErrSessionExpired's; Cause carries what actually went wrong.
type ExpiredError struct {
	Cause error
}

func (e *ExpiredError) Error() string {
	return ErrSessionExpired.Error()
}

func (e *ExpiredError) Is(target error) bool {
	return target == ErrSessionExpired
}

func (e *ExpiredError) Unwrap() error {
	return e.Cause
}

// TransportError wraps a request that never produced an HTTP response.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response surfaced to the caller as is.
type StatusError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// newStatusError extracts the server's message from the usual error bodies:
// {"message": ...}, {"error": ..., "error_description": ...} or plain text.
func newStatusError(statusCode int, body []byte) *StatusError {
	var payload struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}

	msg := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			msg = payload.Message
		case payload.ErrorDescription != "":
			msg = payload.Error + ": " + payload.ErrorDescription
		default:
			msg = payload.Error
		}
	} else {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	return &StatusError{StatusCode: statusCode, Message: msg, Body: body}
}
