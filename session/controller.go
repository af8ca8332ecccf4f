package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	retry "github.com/appleboy/go-httpretry"

	"github.com/go-authgate/marketplace-cli/storage"
)

// State is where the controller is in the session lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Teardown reasons
const (
	ReasonLogout        = "logout"
	ReasonRefreshFailed = "refresh_failed"
	ReasonCorrupt       = "corrupt"
)

// Restore is what Init found in the store.
type Restore int

const (
	// RestoreNone means nothing was stored.
	RestoreNone Restore = iota
	// RestoreSession means a complete session was restored.
	RestoreSession
	// RestoreCleared means a partial session was found and cleared.
	RestoreCleared
)

// Snapshot is the session as observed at one point in time.
// User is nil unless State is StateAuthenticated.
type Snapshot struct {
	State       State
	User        *User
	AccessToken string
}

func (s Snapshot) equal(o Snapshot) bool {
	if s.State != o.State || s.AccessToken != o.AccessToken {
		return false
	}
	if s.User == nil || o.User == nil {
		return s.User == o.User
	}
	return *s.User == *o.User
}

// Controller owns the session of one context. It mirrors the store in
// memory, follows changes made by every other context sharing the store and
// hands out a Gateway whose refresh failures end the session.
type Controller struct {
	baseURL   string
	store     *Store
	opts      options
	retry     *retry.Client
	refresher *Refresher
	gateway   *Gateway

	mu          sync.RWMutex
	snapshot    Snapshot
	applied     uint64
	unsubscribe func()

	// seq orders snapshots by when their store read or write started
	seq atomic.Uint64

	obsMu    sync.Mutex
	observed map[int]func(Snapshot)
	nextObs  int
}

// NewController builds a controller over kv for the API at baseURL.
// Call Init before use.
func NewController(baseURL string, kv storage.KV, opts ...Option) (*Controller, error) {
	o := newOptions(opts)
	rc, err := o.retrying()
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	c := &Controller{
		baseURL:  strings.TrimRight(baseURL, "/"),
		store:    NewStore(kv),
		opts:     o,
		retry:    rc,
		observed: make(map[int]func(Snapshot)),
	}
	c.refresher = &Refresher{
		baseURL: c.baseURL,
		store:   c.store,
		expire:  c.expire,
		opts:    o,
	}
	c.gateway = &Gateway{
		baseURL:   c.baseURL,
		store:     c.store,
		refresher: c.refresher,
		opts:      o,
	}
	return c, nil
}

// Init loads the persisted session and starts following store changes.
// A partially persisted session is cleared and reported as signed out.
func (c *Controller) Init(ctx context.Context) (Restore, error) {
	c.mu.Lock()
	if c.unsubscribe == nil {
		c.unsubscribe = c.store.Subscribe(c.onStoreChange)
	}
	c.mu.Unlock()

	return c.reload(ctx)
}

// Close stops following store changes.
func (c *Controller) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Store exposes the underlying session store.
func (c *Controller) Store() *Store {
	return c.store
}

// Gateway returns the authorized request gateway bound to this controller.
func (c *Controller) Gateway() *Gateway {
	return c.gateway
}

// Snapshot returns the current in-memory view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return c.Snapshot().State
}

// User returns the signed-in user, or nil.
func (c *Controller) User() *User {
	return c.Snapshot().User
}

// AccessToken returns the in-memory access token, or "".
func (c *Controller) AccessToken() string {
	return c.Snapshot().AccessToken
}

// OnChange calls fn after every change of the snapshot, whichever context
// caused it. It returns a function that removes fn.
func (c *Controller) OnChange(fn func(Snapshot)) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observed[id] = fn
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.observed, id)
			c.obsMu.Unlock()
		})
	}
}

// Login persists a session obtained from the login endpoint.
func (c *Controller) Login(ctx context.Context, sess Session) error {
	seq := c.seq.Add(1)
	if err := c.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	c.opts.log.Info().Str("user_id", sess.User.ID).Msg("signed in")
	c.set(seq, authenticated(&sess))
	return nil
}

// UpdateUser replaces the stored user record, keeping both tokens.
func (c *Controller) UpdateUser(ctx context.Context, user User) error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	seq := c.seq.Add(1)
	if err := c.store.SetUser(ctx, user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	c.mu.RLock()
	next := c.snapshot
	c.mu.RUnlock()
	if next.State != StateAuthenticated {
		return ErrNotAuthenticated
	}
	next.User = &user
	c.set(seq, next)
	return nil
}

// Logout tells the backend the refresh token is no longer in use, then
// clears the session everywhere. A failed notification does not stop the
// local teardown.
func (c *Controller) Logout(ctx context.Context) error {
	return c.teardown(ctx, ReasonLogout)
}

// expire is the refresher's teardown hook.
func (c *Controller) expire(ctx context.Context, cause error) {
	if err := c.teardown(ctx, ReasonRefreshFailed); err != nil {
		c.opts.log.Error().Err(err).AnErr("cause", cause).Msg("failed to clear expired session")
	}
}

func (c *Controller) teardown(ctx context.Context, reason string) error {
	refreshToken, err := c.store.RefreshToken(ctx)
	if err != nil {
		c.opts.log.Warn().Err(err).Msg("failed to read refresh token for logout")
	}
	if refreshToken != "" && c.baseURL != "" {
		if err := c.notifyLogout(ctx, refreshToken); err != nil {
			c.opts.log.Warn().Err(err).Msg("logout notification failed")
		}
	}

	seq := c.seq.Add(1)
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	c.opts.metrics.teardown(reason)
	c.opts.log.Info().Str("reason", reason).Msg("session ended")
	c.set(seq, unauthenticated())
	return nil
}

// notifyLogout is best effort: the result only matters for logging.
func (c *Controller) notifyLogout(ctx context.Context, refreshToken string) error {
	reqCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		c.baseURL+"/auth/logout",
		bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.retry.DoWithContext(reqCtx, req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("logout returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Controller) onStoreChange(change storage.Change) {
	if _, err := c.reload(context.Background()); err != nil {
		c.opts.log.Warn().Err(err).Str("key", change.Key).Msg("failed to reload session after change")
	}
}

// reload re-reads the store. It runs without holding c.mu because clearing
// a corrupt session notifies subscribers synchronously, this one included.
func (c *Controller) reload(ctx context.Context) (Restore, error) {
	seq := c.seq.Add(1)
	sess, err := c.store.Load(ctx)
	switch {
	case err == nil:
		c.set(seq, authenticated(sess))
		return RestoreSession, nil

	case errors.Is(err, ErrNoSession):
		c.set(seq, unauthenticated())
		return RestoreNone, nil

	case errors.Is(err, ErrCorruptSession):
		c.opts.log.Warn().Err(err).Msg("clearing corrupt session")
		c.opts.metrics.teardown(ReasonCorrupt)
		if clearErr := c.store.Clear(ctx); clearErr != nil {
			c.set(seq, unauthenticated())
			return RestoreCleared, fmt.Errorf("failed to clear corrupt session: %w", clearErr)
		}
		c.set(seq, unauthenticated())
		return RestoreCleared, nil

	default:
		c.set(seq, unauthenticated())
		return RestoreNone, err
	}
}

// set swaps the snapshot and notifies observers when it changed. A snapshot
// whose store access started before the current one's is dropped: a reload
// triggered during another reload's read has seen newer data.
func (c *Controller) set(seq uint64, next Snapshot) {
	c.mu.Lock()
	if seq < c.applied {
		c.mu.Unlock()
		return
	}
	c.applied = seq
	prev := c.snapshot
	c.snapshot = next
	c.mu.Unlock()

	if prev.equal(next) {
		return
	}

	c.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.observed))
	for _, fn := range c.observed {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

func authenticated(s *Session) Snapshot {
	user := s.User
	return Snapshot{
		State:       StateAuthenticated,
		User:        &user,
		AccessToken: s.AccessToken,
	}
}

func unauthenticated() Snapshot {
	return Snapshot{State: StateUnauthenticated}
}
