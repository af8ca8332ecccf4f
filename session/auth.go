package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RegisterInput is the sign-up form.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

// Authenticator obtains sessions from the backend's credential endpoints.
// It is the login collaborator feeding Controller.Login.
type Authenticator struct {
	baseURL string
	opts    options
}

// NewAuthenticator builds an Authenticator for the API at baseURL.
func NewAuthenticator(baseURL string, opts ...Option) (*Authenticator, error) {
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	o := newOptions(opts)
	if _, err := o.retrying(); err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return &Authenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    o,
	}, nil
}

// Login exchanges credentials for a session.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*Session, error) {
	return a.obtain(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and returns its first session.
func (a *Authenticator) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	return a.obtain(ctx, "/auth/register", in)
}

func (a *Authenticator) obtain(ctx context.Context, path string, form any) (*Session, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	payload, err := json.Marshal(form)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		a.baseURL+path,
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.opts.retryClient.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, URL: a.baseURL + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(resp.StatusCode, body)
	}

	var sess Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session response: %w", err)
	}
	if !sess.Valid() {
		return nil, fmt.Errorf("%s response: %w", path, ErrInvalidSession)
	}
	return &sess, nil
}
