package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often a File backend looks for writes made by
// other processes.
const DefaultPollInterval = 500 * time.Millisecond

// fileDocument is the on-disk layout. Each origin (API base address) owns an
// independent key space, the way a browser partitions local storage.
type fileDocument struct {
	Origins map[string]map[string]string `json:"origins"`
}

// File is a KV persisted in a JSON file shared by every process that opens it.
// Writes are serialised with a lock file and land atomically via rename.
type File struct {
	path         string
	origin       string
	pollInterval time.Duration
	log          zerolog.Logger

	mu     sync.Mutex
	seen   map[string]string
	closed bool

	bus  *Bus
	stop chan struct{}
	done chan struct{}
}

var _ KV = (*File)(nil)

// FileOption configures a File backend.
type FileOption func(*File)

// WithPollInterval sets how often the file is checked for foreign writes.
// Zero disables the watcher; only writes made through this handle are broadcast.
func WithPollInterval(d time.Duration) FileOption {
	return func(f *File) {
		f.pollInterval = d
	}
}

// WithFileLogger sets the logger used for watcher and lock diagnostics.
func WithFileLogger(l zerolog.Logger) FileOption {
	return func(f *File) {
		f.log = l
	}
}

// NewFile opens the key space of origin inside the JSON file at path.
// The file is created on first write.
func NewFile(path, origin string, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, errors.New("storage: file path cannot be empty")
	}

	f := &File{
		path:         path,
		origin:       origin,
		pollInterval: DefaultPollInterval,
		log:          zerolog.Nop(),
		bus:          NewBus(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	seen, err := f.read()
	if err != nil {
		return nil, err
	}
	f.seen = seen

	if f.pollInterval > 0 {
		go f.watch()
	} else {
		close(f.done)
	}
	return f, nil
}

// Path returns the file backing the store.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	if f.isClosed() {
		return "", false, ErrClosed
	}
	data, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

// GetMany reads the file once; writers replace it by rename, so every read
// sees one complete write.
func (f *File) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	data, err := f.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *File) Set(ctx context.Context, key, value string) error {
	return f.SetMany(ctx, map[string]string{key: value})
}

func (f *File) SetMany(ctx context.Context, values map[string]string) error {
	return f.mutate(ctx, func(data map[string]string) {
		maps.Copy(data, values)
	})
}

func (f *File) Delete(ctx context.Context, keys ...string) error {
	return f.mutate(ctx, func(data map[string]string) {
		for _, k := range keys {
			delete(data, k)
		}
	})
}

func (f *File) Subscribe(fn func(Change)) func() {
	return f.bus.Subscribe(fn)
}

// Close stops the watcher. Subscribers receive no further changes.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	if f.pollInterval > 0 {
		close(f.stop)
	}
	<-f.done
	return nil
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// mutate applies fn to this origin's data under both the process mutex and
// the cross-process lock file, then broadcasts what changed.
func (f *File) mutate(ctx context.Context, fn func(map[string]string)) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}

	changes, err := f.writeLocked(ctx, fn)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	f.bus.Publish(changes...)
	return nil
}

func (f *File) writeLocked(ctx context.Context, fn func(map[string]string)) ([]Change, error) {
	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			f.log.Warn().Err(releaseErr).Str("path", f.path).Msg("failed to release lock")
		}
	}()

	// Load inside the lock so writes from other origins are preserved
	var doc fileDocument
	if existing, err := os.ReadFile(f.path); err == nil {
		if unmarshalErr := json.Unmarshal(existing, &doc); unmarshalErr != nil {
			f.log.Warn().Err(unmarshalErr).Str("path", f.path).Msg("discarding unreadable store file")
			doc = fileDocument{}
		}
	}
	if doc.Origins == nil {
		doc.Origins = make(map[string]map[string]string)
	}

	data := maps.Clone(doc.Origins[f.origin])
	if data == nil {
		data = make(map[string]string)
	}
	fn(data)

	if len(data) == 0 {
		delete(doc.Origins, f.origin)
	} else {
		doc.Origins[f.origin] = data
	}

	if err := writeFileAtomic(f.path, doc); err != nil {
		return nil, err
	}

	changes := diff(f.seen, data)
	f.seen = data
	return changes, nil
}

func writeFileAtomic(path string, doc fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// read returns this origin's data. A missing file is an empty store.
func (f *File) read() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse store file: %w", err)
	}

	data := doc.Origins[f.origin]
	if data == nil {
		return map[string]string{}, nil
	}
	return data, nil
}

// watch polls the file and broadcasts writes made by other processes.
func (f *File) watch() {
	defer close(f.done)

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.poll()
		}
	}
}

// poll reads under f.mu so a local write can not land between the read and
// the diff against seen.
func (f *File) poll() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	data, err := f.read()
	if err != nil {
		f.mu.Unlock()
		f.log.Debug().Err(err).Str("path", f.path).Msg("store poll failed")
		return
	}
	changes := diff(f.seen, data)
	f.seen = data
	f.mu.Unlock()

	if len(changes) > 0 {
		f.log.Debug().Int("changes", len(changes)).Msg("store changed by another process")
		f.bus.Publish(changes...)
	}
}
