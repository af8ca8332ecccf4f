package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-authgate/marketplace-cli/storage"
)

// recordedRequest is what fakeAPI saw for one call.
type recordedRequest struct {
	Method        string
	Path          string
	Authorization string
	ContentType   string
	RequestID     string
	Body          []byte
}

// fakeAPI is a marketplace backend with scriptable refresh and logout
// endpoints. Every other path is served by target.
type fakeAPI struct {
	*httptest.Server

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	targetCalls  atomic.Int32

	mu       sync.Mutex
	requests []recordedRequest

	refresh func(w http.ResponseWriter, refreshToken string)
	logout  func(w http.ResponseWriter)
	target  func(w http.ResponseWriter, r *http.Request, body []byte)
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		refresh: func(w http.ResponseWriter, _ string) {
			writeJSON(w, http.StatusOK, map[string]string{"accessToken": "A2"})
		},
		logout: func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusNoContent)
		},
		// Accepts only A2, the token handed out by the default refresh handler
		target: func(w http.ResponseWriter, r *http.Request, _ []byte) {
			if r.Header.Get("Authorization") != "Bearer A2" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "jwt expired"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": []string{"drill", "ladder"}})
		},
	}

	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		api.mu.Lock()
		api.requests = append(api.requests, recordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			RequestID:     r.Header.Get(RequestIDHeader),
			Body:          body,
		})
		api.mu.Unlock()

		switch r.URL.Path {
		case "/auth/refresh-token":
			api.refreshCalls.Add(1)
			var req struct {
				RefreshToken string `json:"refreshToken"`
			}
			_ = json.Unmarshal(body, &req)
			api.refresh(w, req.RefreshToken)
		case "/auth/logout":
			api.logoutCalls.Add(1)
			api.logout(w)
		default:
			api.targetCalls.Add(1)
			api.target(w, r, body)
		}
	}))
	t.Cleanup(api.Close)
	return api
}

// targetRequests returns the recorded calls that were not auth endpoints.
func (a *fakeAPI) targetRequests() []recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []recordedRequest
	for _, r := range a.requests {
		if r.Path != "/auth/refresh-token" && r.Path != "/auth/logout" {
			out = append(out, r)
		}
	}
	return out
}

func (a *fakeAPI) requestsTo(path string) []recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []recordedRequest
	for _, r := range a.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var testUser = User{ID: "u1", Name: "Ada", Email: "ada@example.com"}

func seededKV(t *testing.T) *storage.Memory {
	t.Helper()
	kv := storage.NewMemory()
	err := NewStore(kv).Save(context.Background(), Session{
		User:         testUser,
		AccessToken:  "A1",
		RefreshToken: "R1",
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return kv
}

func newTestController(t *testing.T, baseURL string, kv storage.KV, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(baseURL, kv, opts...)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	if _, err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}
