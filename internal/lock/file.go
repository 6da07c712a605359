package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	lockExt = ".lock"

	// DefaultPollInterval is how often a blocked Acquire retries.
	DefaultPollInterval = 50 * time.Millisecond
)

// errBusy is returned by tryLock when another process holds the lock.
var errBusy = errors.New("lock busy")

// File is a Manager backed by lock files in a directory, so flows in
// different processes sharing the directory exclude each other.
type File struct {
	dir    string
	poll   time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]*os.File
}

var _ Manager = (*File)(nil)

// FileOption configures a File manager.
type FileOption func(*File)

// WithPollInterval sets how often a blocked Acquire retries.
func WithPollInterval(d time.Duration) FileOption {
	return func(f *File) {
		if d > 0 {
			f.poll = d
		}
	}
}

// WithLogger sets the logger of the manager.
func WithLogger(l *slog.Logger) FileOption {
	return func(f *File) {
		f.logger = l
	}
}

// NewFile creates dir if needed and returns a File manager over it.
func NewFile(dir string, opts ...FileOption) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f := &File{
		dir:    dir,
		poll:   DefaultPollInterval,
		logger: slog.Default(),
		held:   make(map[string]*os.File),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Acquire fails immediately if this manager already holds name; it blocks
// while another process does.
func (f *File) Acquire(ctx context.Context, name string) error {
	f.mu.Lock()
	_, mine := f.held[name]
	f.mu.Unlock()
	if mine {
		return fmt.Errorf("acquire lock %q: already held by this process", name)
	}

	path := filepath.Join(f.dir, name+lockExt)
	logged := false
	for {
		fh, err := tryLock(path)
		if err == nil {
			f.mu.Lock()
			f.held[name] = fh
			f.mu.Unlock()
			f.logger.Debug("lock acquired", "component", "lock", "lock", name)
			return nil
		}
		if !errors.Is(err, errBusy) {
			return fmt.Errorf("acquire lock %q: %w", name, err)
		}
		if !logged {
			f.logger.Info("waiting for lock", "component", "lock", "lock", name)
			logged = true
		}

		select {
		case <-time.After(f.poll):
		case <-ctx.Done():
			return fmt.Errorf("acquire lock %q: %w", name, ctx.Err())
		}
	}
}

func (f *File) Release(name string) error {
	f.mu.Lock()
	fh, ok := f.held[name]
	delete(f.held, name)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unlock(fh); err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	f.logger.Debug("lock released", "component", "lock", "lock", name)
	return nil
}

func (f *File) Held(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.held[name]
	return ok
}

func (f *File) ReleaseAll() error {
	f.mu.Lock()
	names := make([]string, 0, len(f.held))
	for name := range f.held {
		names = append(names, name)
	}
	f.mu.Unlock()

	var errs *multierror.Error
	for _, name := range names {
		if err := f.Release(name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
