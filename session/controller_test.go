package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/go-authgate/marketplace-cli/storage"
)

// snapshotRecorder collects what a controller reports through OnChange.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapshotRecorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v", c.State(), want)
}

func TestController_Init(t *testing.T) {
	tests := []struct {
		name      string
		kv        func(t *testing.T) *storage.Memory
		wantState   State
		wantRestore Restore
		wantKeys    int
	}{
		{
			name:        "complete session",
			kv:          seededKV,
			wantState:   StateAuthenticated,
			wantRestore: RestoreSession,
			wantKeys:    3,
		},
		{
			name:        "nothing stored",
			kv:          func(*testing.T) *storage.Memory { return storage.NewMemory() },
			wantState:   StateUnauthenticated,
			wantRestore: RestoreNone,
			wantKeys:    0,
		},
		{
			name: "partial session is cleared",
			kv: func(t *testing.T) *storage.Memory {
				kv := storage.NewMemory()
				_ = kv.SetMany(context.Background(), map[string]string{
					KeyAccessToken:  "A1",
					KeyRefreshToken: "R1",
				})
				return kv
			},
			wantState:   StateUnauthenticated,
			wantRestore: RestoreCleared,
			wantKeys:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := tt.kv(t)
			c, err := NewController("http://api.invalid", kv)
			if err != nil {
				t.Fatalf("NewController() error = %v", err)
			}
			defer c.Close()

			if c.State() != StateUninitialized {
				t.Errorf("State() before Init = %v, want uninitialized", c.State())
			}
			restored, err := c.Init(context.Background())
			if err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			if restored != tt.wantRestore {
				t.Errorf("Init() = %v, want %v", restored, tt.wantRestore)
			}

			if c.State() != tt.wantState {
				t.Errorf("State() = %v, want %v", c.State(), tt.wantState)
			}
			if n := len(kv.Snapshot()); n != tt.wantKeys {
				t.Errorf("store holds %d keys, want %d", n, tt.wantKeys)
			}
			if tt.wantState == StateAuthenticated {
				if u := c.User(); u == nil || *u != testUser {
					t.Errorf("User() = %v, want %v", u, testUser)
				}
				if c.AccessToken() != "A1" {
					t.Errorf("AccessToken() = %q, want A1", c.AccessToken())
				}
			} else if c.User() != nil || c.AccessToken() != "" {
				t.Errorf("signed out controller exposes %v / %q", c.User(), c.AccessToken())
			}
		})
	}
}

// loginDuringReadKV saves a session right after the first snapshot read
// returns, as another terminal signing in at that moment would.
type loginDuringReadKV struct {
	*storage.Memory
	saved atomic.Bool
	t     *testing.T
}

func (k *loginDuringReadKV) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	values, err := k.Memory.GetMany(ctx, keys...)
	if k.saved.CompareAndSwap(false, true) {
		err := NewStore(k.Memory).Save(ctx, Session{User: testUser, AccessToken: "A1", RefreshToken: "R1"})
		if err != nil {
			k.t.Errorf("Save() error = %v", err)
		}
	}
	return values, err
}

func TestController_InitRacingLogin(t *testing.T) {
	kv := &loginDuringReadKV{Memory: storage.NewMemory(), t: t}
	c, err := NewController("http://api.invalid", kv)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	defer c.Close()

	restored, err := c.Init(context.Background())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if restored != RestoreNone {
		t.Errorf("Init() = %v, want RestoreNone for the state it read", restored)
	}

	if n := len(kv.Snapshot()); n != 3 {
		t.Fatalf("store holds %d keys, want the whole session kept", n)
	}
	if c.State() != StateAuthenticated {
		t.Errorf("State() = %v, want authenticated after the concurrent login", c.State())
	}
	if u := c.User(); u == nil || *u != testUser {
		t.Errorf("User() = %v, want %v", u, testUser)
	}
}

func TestController_CorruptSessionMetric(t *testing.T) {
	kv := storage.NewMemory()
	_ = kv.Set(context.Background(), KeyUser, `{"id":"u1"}`)

	m := NewMetrics(prometheus.NewRegistry())
	newTestController(t, "http://api.invalid", kv, WithMetrics(m))

	if got := testutil.ToFloat64(m.teardowns.WithLabelValues(ReasonCorrupt)); got != 1 {
		t.Errorf("corrupt teardowns = %v, want 1", got)
	}
}

func TestController_Login(t *testing.T) {
	kv := storage.NewMemory()
	c := newTestController(t, "http://api.invalid", kv)
	other := newTestController(t, "http://api.invalid", kv)

	var rec snapshotRecorder
	c.OnChange(rec.record)

	sess := Session{User: testUser, AccessToken: "A1", RefreshToken: "R1"}
	if err := c.Login(context.Background(), sess); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if c.State() != StateAuthenticated || c.AccessToken() != "A1" {
		t.Errorf("controller = %v/%q after Login", c.State(), c.AccessToken())
	}
	if other.State() != StateAuthenticated {
		t.Errorf("other controller State() = %v, want authenticated", other.State())
	}

	snaps := rec.all()
	if len(snaps) != 1 {
		t.Fatalf("OnChange fired %d times, want 1: %+v", len(snaps), snaps)
	}
	if snaps[0].User == nil || snaps[0].User.ID != "u1" {
		t.Errorf("OnChange snapshot = %+v", snaps[0])
	}

	if err := c.Login(context.Background(), Session{User: testUser}); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Login(partial) error = %v, want ErrInvalidSession", err)
	}
}

func TestController_UpdateUser(t *testing.T) {
	ctx := context.Background()

	signedOut := newTestController(t, "http://api.invalid", storage.NewMemory())
	if err := signedOut.UpdateUser(ctx, testUser); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("UpdateUser() signed out error = %v, want ErrNotAuthenticated", err)
	}

	kv := seededKV(t)
	c := newTestController(t, "http://api.invalid", kv)
	updated := User{ID: "u1", Name: "Ada Lovelace", Location: "London"}
	if err := c.UpdateUser(ctx, updated); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	if u := c.User(); u == nil || *u != updated {
		t.Errorf("User() = %v, want %v", u, updated)
	}
	got, err := c.Store().Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.AccessToken != "A1" || got.RefreshToken != "R1" || got.User != updated {
		t.Errorf("stored session = %+v", got)
	}
}

func TestController_Logout(t *testing.T) {
	api := newFakeAPI(t)
	kv := seededKV(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	c := newTestController(t, api.URL, kv, WithMetrics(m))
	other := newTestController(t, api.URL, kv)

	var rec snapshotRecorder
	other.OnChange(rec.record)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	calls := api.requestsTo("/auth/logout")
	if len(calls) != 1 {
		t.Fatalf("logout endpoint called %d times, want 1", len(calls))
	}
	var body map[string]string
	if err := json.Unmarshal(calls[0].Body, &body); err != nil || body["refreshToken"] != "R1" {
		t.Errorf("logout body = %s", calls[0].Body)
	}

	if n := len(kv.Snapshot()); n != 0 {
		t.Errorf("store holds %d keys, want 0", n)
	}
	if c.State() != StateUnauthenticated {
		t.Errorf("State() = %v, want unauthenticated", c.State())
	}

	snaps := rec.all()
	if len(snaps) == 0 {
		t.Fatal("other controller was not notified")
	}
	last := snaps[len(snaps)-1]
	if last.State != StateUnauthenticated || last.User != nil {
		t.Errorf("other controller last snapshot = %+v, want signed out", last)
	}

	if got := testutil.ToFloat64(m.teardowns.WithLabelValues(ReasonLogout)); got != 1 {
		t.Errorf("logout teardowns = %v, want 1", got)
	}
}

func TestController_LogoutNotificationFailure(t *testing.T) {
	api := newFakeAPI(t)
	api.logout = func(w http.ResponseWriter) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unknown token"})
	}

	kv := seededKV(t)
	c := newTestController(t, api.URL, kv)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if api.logoutCalls.Load() != 1 {
		t.Errorf("logout endpoint called %d times, want 1", api.logoutCalls.Load())
	}
	if n := len(kv.Snapshot()); n != 0 {
		t.Errorf("store holds %d keys, want 0", n)
	}
	if c.State() != StateUnauthenticated {
		t.Errorf("State() = %v, want unauthenticated", c.State())
	}
}

func TestController_LogoutWithoutBackend(t *testing.T) {
	kv := seededKV(t)
	c := newTestController(t, "", kv)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if c.State() != StateUnauthenticated {
		t.Errorf("State() = %v, want unauthenticated", c.State())
	}
}

func TestController_OnChangeUnsubscribe(t *testing.T) {
	kv := seededKV(t)
	c := newTestController(t, "", kv)

	var rec snapshotRecorder
	stop := c.OnChange(rec.record)
	stop()
	stop()

	_ = c.Logout(context.Background())
	if n := len(rec.all()); n != 0 {
		t.Errorf("removed observer called %d times", n)
	}
}

func TestController_SameValueWriteDoesNotNotify(t *testing.T) {
	kv := seededKV(t)
	c := newTestController(t, "", kv)

	var rec snapshotRecorder
	c.OnChange(rec.record)

	if err := c.Store().SetAccessToken(context.Background(), "A1"); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("observer called %d times for an unchanged session", n)
	}
}

func TestController_CrossProcessFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	open := func() *storage.File {
		f, err := storage.NewFile(path, "http://localhost:3000", storage.WithPollInterval(20*time.Millisecond))
		if err != nil {
			t.Fatalf("NewFile() error = %v", err)
		}
		t.Cleanup(func() { f.Close() })
		return f
	}

	first := newTestController(t, "", open())
	second := newTestController(t, "", open())

	sess := Session{User: testUser, AccessToken: "A1", RefreshToken: "R1"}
	if err := first.Login(context.Background(), sess); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	waitForState(t, second, StateAuthenticated)

	if err := first.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	waitForState(t, second, StateUnauthenticated)

	if second.User() != nil {
		t.Errorf("second controller still exposes user %v", second.User())
	}
}

func TestController_CrossProcessRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()
	ctx := context.Background()

	open := func() *storage.Redis {
		r, err := storage.NewRedisFromURL(ctx, url, storage.DefaultRedisPrefix, "http://localhost:3000")
		if err != nil {
			t.Fatalf("NewRedisFromURL() error = %v", err)
		}
		t.Cleanup(func() { r.Close() })
		return r
	}

	first := newTestController(t, "", open())
	second := newTestController(t, "", open())

	sess := Session{User: testUser, AccessToken: "A1", RefreshToken: "R1"}
	if err := first.Login(ctx, sess); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	waitForState(t, second, StateAuthenticated)

	if err := first.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	waitForState(t, second, StateUnauthenticated)
}
