package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestFile(t *testing.T, path, origin string, opts ...FileOption) *File {
	t.Helper()
	f, err := NewFile(path, origin, opts...)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func readDocument(t *testing.T, path string) fileDocument {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read store file: %v", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Failed to parse store file: %v", err)
	}
	return doc
}

func TestFile_SetManyGetDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	f := newTestFile(t, path, "https://api.example.com", WithPollInterval(0))

	err := f.SetMany(ctx, map[string]string{
		"user":         `{"id":"u1"}`,
		"accessToken":  "A1",
		"refreshToken": "R1",
	})
	if err != nil {
		t.Fatalf("SetMany() error = %v", err)
	}

	for key, want := range map[string]string{"user": `{"id":"u1"}`, "accessToken": "A1", "refreshToken": "R1"} {
		got, ok, err := f.Get(ctx, key)
		if err != nil || !ok || got != want {
			t.Errorf("Get(%q) = %q, %v, %v; want %q", key, got, ok, err, want)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("store file mode = %o, want 600", perm)
	}

	if err := f.Delete(ctx, "user", "accessToken", "refreshToken"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := f.Get(ctx, "accessToken"); ok {
		t.Errorf("accessToken still present after Delete()")
	}
	if doc := readDocument(t, path); len(doc.Origins) != 0 {
		t.Errorf("empty origin left in file: %+v", doc.Origins)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after writes completed")
	}
}

func TestFile_PreservesOtherOrigins(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	first := newTestFile(t, path, "https://one.example.com", WithPollInterval(0))
	second := newTestFile(t, path, "https://two.example.com", WithPollInterval(0))

	if err := first.Set(ctx, "accessToken", "token-1"); err != nil {
		t.Fatalf("Failed to save first origin: %v", err)
	}
	if err := second.Set(ctx, "accessToken", "token-2"); err != nil {
		t.Fatalf("Failed to save second origin: %v", err)
	}

	doc := readDocument(t, path)
	if len(doc.Origins) != 2 {
		t.Errorf("Expected 2 origins, got %d", len(doc.Origins))
	}
	if v := doc.Origins["https://one.example.com"]["accessToken"]; v != "token-1" {
		t.Errorf("First origin token was not preserved, got %q", v)
	}
	if v := doc.Origins["https://two.example.com"]["accessToken"]; v != "token-2" {
		t.Errorf("Second origin token = %q, want token-2", v)
	}
}

func TestFile_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	const goroutines = 10
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := range goroutines {
		go func(id int) {
			defer wg.Done()

			// Separate handles stand in for separate processes
			f, err := NewFile(path, fmt.Sprintf("origin-%d", id), WithPollInterval(0))
			if err != nil {
				t.Errorf("Goroutine %d: NewFile() error = %v", id, err)
				return
			}
			defer f.Close()

			if err := f.Set(ctx, "accessToken", fmt.Sprintf("access-token-%d", id)); err != nil {
				t.Errorf("Goroutine %d: Set() error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	doc := readDocument(t, path)
	if len(doc.Origins) != goroutines {
		t.Fatalf("Expected %d origins, got %d", goroutines, len(doc.Origins))
	}
	for i := range goroutines {
		origin := fmt.Sprintf("origin-%d", i)
		want := fmt.Sprintf("access-token-%d", i)
		if got := doc.Origins[origin]["accessToken"]; got != want {
			t.Errorf("%s accessToken = %q, want %q", origin, got, want)
		}
	}
}

func TestFile_WatcherBroadcastsForeignWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	origin := "https://api.example.com"

	writer := newTestFile(t, path, origin, WithPollInterval(0))
	reader := newTestFile(t, path, origin, WithPollInterval(20*time.Millisecond))

	changes := make(chan Change, 8)
	reader.Subscribe(func(c Change) { changes <- c })

	if err := writer.Set(ctx, "accessToken", "A2"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case c := <-changes:
		if c.Key != "accessToken" || c.Value != "A2" || c.Deleted {
			t.Errorf("change = %+v, want accessToken=A2", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the foreign write")
	}

	if err := writer.Delete(ctx, "accessToken"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	select {
	case c := <-changes:
		if c.Key != "accessToken" || !c.Deleted {
			t.Errorf("change = %+v, want accessToken deleted", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the foreign delete")
	}
}

func TestFile_LocalWriteBroadcastOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	f := newTestFile(t, path, "https://api.example.com", WithPollInterval(10*time.Millisecond))

	var count atomic.Int32
	f.Subscribe(func(Change) { count.Add(1) })

	if err := f.Set(ctx, "refreshToken", "R1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if count.Load() != 1 {
		t.Fatalf("expected the writer's own subscriber to be notified synchronously, got %d", count.Load())
	}

	// Give the watcher several ticks to (wrongly) re-emit
	time.Sleep(100 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("local write broadcast %d times, want 1", count.Load())
	}
}

func TestFile_GetManyReadsOneSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	f := newTestFile(t, path, "https://api.example.com", WithPollInterval(0))

	got, err := f.GetMany(ctx, "accessToken", "refreshToken")
	if err != nil || len(got) != 0 {
		t.Fatalf("GetMany() on missing file = %v, %v", got, err)
	}

	triple := map[string]string{"user": `{"id":"u1"}`, "accessToken": "A1", "refreshToken": "R1"}
	keys := []string{"user", "accessToken", "refreshToken"}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := f.SetMany(ctx, triple); err != nil {
				t.Errorf("SetMany() error = %v", err)
				return
			}
			if err := f.Delete(ctx, keys...); err != nil {
				t.Errorf("Delete() error = %v", err)
				return
			}
		}
	}()

	for range 200 {
		got, err := f.GetMany(ctx, keys...)
		if err != nil {
			t.Fatalf("GetMany() error = %v", err)
		}
		if n := len(got); n != 0 && n != len(keys) {
			t.Fatalf("GetMany() saw %d of %d keys: %v", n, len(keys), got)
		}
	}
	close(stop)
	wg.Wait()
}

func TestFile_PollNeverRevertsLocalWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	f := newTestFile(t, path, "https://api.example.com", WithPollInterval(time.Millisecond))

	// Only local writes happen, so every published change is one of them
	var (
		mu      sync.Mutex
		changes []Change
	)
	f.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	const writes = 200
	for i := range writes {
		if err := f.Set(ctx, "accessToken", fmt.Sprintf("A%d", i)); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	// Let the poller run over the final state
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != writes {
		t.Errorf("published %d changes for %d writes", len(changes), writes)
	}
	for i, c := range changes {
		want := fmt.Sprintf("A%d", i)
		if c.Deleted || c.Value != want {
			t.Fatalf("change %d = %+v, want accessToken=%s", i, c, want)
		}
	}
}

func TestFile_CorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFile(path, "o", WithPollInterval(0)); err == nil {
		t.Fatal("NewFile() on a corrupt file expected error")
	}

	// A writer replaces the unreadable document
	if err := os.WriteFile(path, []byte(`{"origins":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	f := newTestFile(t, path, "o", WithPollInterval(0))
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.Get(ctx, "user"); err == nil {
		t.Error("Get() on a corrupt file expected error")
	}
	if err := f.Set(ctx, "user", "{}"); err != nil {
		t.Fatalf("Set() over a corrupt file error = %v", err)
	}
	if v, ok, err := f.Get(ctx, "user"); err != nil || !ok || v != "{}" {
		t.Errorf("Get() = %q, %v, %v", v, ok, err)
	}
}

func TestFile_EmptyPath(t *testing.T) {
	if _, err := NewFile("", "o"); err == nil {
		t.Error("NewFile(\"\") expected error")
	}
}

func BenchmarkFile_SetMany(b *testing.B) {
	path := filepath.Join(b.TempDir(), "session.json")
	f, err := NewFile(path, "bench", WithPollInterval(0))
	if err != nil {
		b.Fatal(err)
	}
	defer f.Close()

	ctx := context.Background()
	values := map[string]string{"user": `{"id":"u1"}`, "accessToken": "A", "refreshToken": "R"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		values["accessToken"] = fmt.Sprintf("A%d", i)
		if err := f.SetMany(ctx, values); err != nil {
			b.Fatalf("SetMany() error = %v", err)
		}
	}
}
