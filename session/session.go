// Package session keeps the signed-in user and its token pair, refreshes the
// access token when the API rejects it, and performs authorized requests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-authgate/marketplace-cli/storage"
)

// Persisted keys. Their presence as a complete triple means "signed in".
const (
	KeyUser         = "user"
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
)

var sessionKeys = []string{KeyUser, KeyAccessToken, KeyRefreshToken}

// IsSessionKey reports whether key belongs to the persisted session.
func IsSessionKey(key string) bool {
	switch key {
	case KeyUser, KeyAccessToken, KeyRefreshToken:
		return true
	}
	return false
}

// User is the marketplace account the session belongs to.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Location string `json:"location,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Session is the authenticated identity and its credentials.
type Session struct {
	User         User   `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Valid reports whether all three parts are present.
func (s Session) Valid() bool {
	return s.User.ID != "" && s.AccessToken != "" && s.RefreshToken != ""
}

// Store persists the session triple in a storage.KV.
// Every read goes to the backend; nothing is cached.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv}
}

// Load returns the persisted session. It returns ErrNoSession when nothing is
// stored and ErrCorruptSession when only part of the triple is present.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	stored, err := s.kv.GetMany(ctx, sessionKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	values := make(map[string]string, len(sessionKeys))
	for k, v := range stored {
		if v != "" {
			values[k] = v
		}
	}

	switch len(values) {
	case 0:
		return nil, ErrNoSession
	case len(sessionKeys):
	default:
		return nil, fmt.Errorf("%w: %d of %d fields present", ErrCorruptSession, len(values), len(sessionKeys))
	}

	var user User
	if err := json.Unmarshal([]byte(values[KeyUser]), &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}

	return &Session{
		User:         user,
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
	}, nil
}

// Save writes the whole triple in one unit.
func (s *Store) Save(ctx context.Context, sess Session) error {
	if !sess.Valid() {
		return ErrInvalidSession
	}

	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	return s.kv.SetMany(ctx, map[string]string{
		KeyUser:         string(user),
		KeyAccessToken:  sess.AccessToken,
		KeyRefreshToken: sess.RefreshToken,
	})
}

// Clear removes the triple.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, sessionKeys...)
}

// SetAccessToken replaces the access token, leaving user and refresh token untouched.
func (s *Store) SetAccessToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("access token cannot be empty")
	}
	return s.kv.Set(ctx, KeyAccessToken, token)
}

// SetTokens replaces both tokens, for servers that rotate refresh tokens.
func (s *Store) SetTokens(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" || refreshToken == "" {
		return errors.New("tokens cannot be empty")
	}
	return s.kv.SetMany(ctx, map[string]string{
		KeyAccessToken:  accessToken,
		KeyRefreshToken: refreshToken,
	})
}

// SetUser replaces the stored user record wholesale.
func (s *Store) SetUser(ctx context.Context, user User) error {
	if user.ID == "" {
		return errors.New("user id cannot be empty")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	return s.kv.Set(ctx, KeyUser, string(data))
}

// AccessToken reads the current access token; empty when signed out.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	v, _, err := s.kv.Get(ctx, KeyAccessToken)
	return v, err
}

// RefreshToken reads the current refresh token; empty when signed out.
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	v, _, err := s.kv.Get(ctx, KeyRefreshToken)
	return v, err
}

// Subscribe calls fn for every change to a session key, from any context
// sharing the backend.
func (s *Store) Subscribe(fn func(storage.Change)) func() {
	return s.kv.Subscribe(func(c storage.Change) {
		if IsSessionKey(c.Key) {
			fn(c)
		}
	})
}
