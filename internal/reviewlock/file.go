package reviewlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
)

const (
	markerSuffix = ".lock"
	takeoverName = ".takeover"
)

// FileLocker keeps one marker file per case under <dir>/<project>.
type FileLocker struct {
	dir  string
	opts Options
}

// NewFileLocker creates the project lock directory and returns a file-backed Locker.
func NewFileLocker(dir string, opts Options) (*FileLocker, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("lock directory is required")
	}
	projectDir := filepath.Join(dir, opts.Project)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileLocker{dir: projectDir, opts: opts}, nil
}

func (f *FileLocker) markerPath(code string) string {
	return filepath.Join(f.dir, code+markerSuffix)
}

// Acquire creates the marker with O_CREATE|O_EXCL.
func (f *FileLocker) Acquire(_ context.Context, code, step string) (Lock, error) {
	if err := validateCode(code); err != nil {
		return Lock{}, err
	}
	lock := f.opts.newLock(code, step)
	err := f.create(lock)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return Lock{}, err
	}

	held, readErr := f.read(code)
	if readErr != nil {
		return Lock{}, readErr
	}
	if held == nil {
		// Released between our create and read; one more attempt.
		if err := f.create(lock); err == nil {
			return lock, nil
		} else if !errors.Is(err, fs.ErrExist) {
			return Lock{}, err
		}
		if held, readErr = f.read(code); readErr != nil || held == nil {
			return Lock{}, &HeldError{Lock: Lock{Project: f.opts.Project, Code: code}}
		}
	}
	if !held.Expired(f.opts.now()) {
		return Lock{}, &HeldError{Lock: *held}
	}
	return f.takeover(*held, lock)
}

// takeover replaces an expired marker. A flock on the project directory
// serializes competing takeovers so only one claimant removes the stale file.
func (f *FileLocker) takeover(stale Lock, lock Lock) (Lock, error) {
	unlock, err := f.guard()
	if err != nil {
		return Lock{}, err
	}
	defer unlock()

	current, err := f.read(stale.Code)
	if err != nil {
		return Lock{}, err
	}
	if current != nil {
		if current.Token != stale.Token || !current.Expired(f.opts.now()) {
			return Lock{}, &HeldError{Lock: *current}
		}
		if err := os.Remove(f.markerPath(stale.Code)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Lock{}, fmt.Errorf("remove expired lock: %w", err)
		}
	}
	if err := f.create(lock); err != nil {
		if errors.Is(err, fs.ErrExist) {
			if held, _ := f.read(stale.Code); held != nil {
				return Lock{}, &HeldError{Lock: *held}
			}
		}
		return Lock{}, err
	}
	return lock, nil
}

// guard takes the project's takeover flock. Every read-then-modify of a
// marker that a takeover could race holds it.
func (f *FileLocker) guard() (func(), error) {
	g := flock.New(filepath.Join(f.dir, takeoverName))
	if err := g.Lock(); err != nil {
		return nil, fmt.Errorf("acquire takeover guard: %w", err)
	}
	return func() { _ = g.Unlock() }, nil
}

func (f *FileLocker) create(lock Lock) error {
	path := f.markerPath(lock.Code)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("create lock marker: %w", err)
	}
	encodeErr := json.NewEncoder(file).Encode(lock)
	closeErr := file.Close()
	if encodeErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write lock marker: %w", errors.Join(encodeErr, closeErr))
	}
	return nil
}

// read returns the marker for code. A marker that exists but cannot be decoded
// (a session that crashed mid-write) is reported with its file time and an
// unknown claimant so it still blocks the case.
func (f *FileLocker) read(code string) (*Lock, error) {
	path := f.markerPath(code)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock marker: %w", err)
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil || lock.Code == "" {
		lock = Lock{Project: f.opts.Project, Code: code}
		if info, statErr := os.Stat(path); statErr == nil {
			lock.AcquiredAt = info.ModTime().UTC()
		}
	}
	return &lock, nil
}

// replace rewrites an existing marker through a temp file and rename.
func (f *FileLocker) replace(lock Lock) error {
	tmp, err := os.CreateTemp(f.dir, "."+lock.Code+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write lock marker: %w", err)
	}
	encodeErr := json.NewEncoder(tmp).Encode(lock)
	closeErr := tmp.Close()
	if encodeErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write lock marker: %w", errors.Join(encodeErr, closeErr))
	}
	if err := os.Rename(tmp.Name(), f.markerPath(lock.Code)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace lock marker: %w", err)
	}
	return nil
}

// Release removes the marker when it still belongs to lock. With a lease TTL
// the check and remove run under the takeover guard so a release never
// deletes a marker that replaced an expired one.
func (f *FileLocker) Release(_ context.Context, lock Lock) error {
	if err := validateCode(lock.Code); err != nil {
		return err
	}
	if f.opts.LeaseTTL > 0 {
		unlock, err := f.guard()
		if err != nil {
			return err
		}
		defer unlock()
	}
	current, err := f.read(lock.Code)
	if err != nil || current == nil {
		return err
	}
	if current.Token != lock.Token {
		return nil
	}
	if err := os.Remove(f.markerPath(lock.Code)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	return nil
}

// Refresh rewrites the marker with a new expiry while it still carries
// lock's token.
func (f *FileLocker) Refresh(_ context.Context, lock Lock) (Lock, error) {
	if f.opts.LeaseTTL <= 0 {
		return lock, nil
	}
	if err := validateCode(lock.Code); err != nil {
		return Lock{}, err
	}
	unlock, err := f.guard()
	if err != nil {
		return Lock{}, err
	}
	defer unlock()

	current, err := f.read(lock.Code)
	if err != nil {
		return Lock{}, err
	}
	if current == nil || current.Token != lock.Token {
		return Lock{}, lostError(lock)
	}
	renewed := f.opts.renewed(*current)
	if err := f.replace(renewed); err != nil {
		return Lock{}, err
	}
	return renewed, nil
}

// Clear force-removes the marker for code.
func (f *FileLocker) Clear(_ context.Context, code string) error {
	if err := validateCode(code); err != nil {
		return err
	}
	if err := os.Remove(f.markerPath(code)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	return nil
}

// Peek returns the marker for code, or nil when the case is free.
func (f *FileLocker) Peek(_ context.Context, code string) (*Lock, error) {
	if err := validateCode(code); err != nil {
		return nil, err
	}
	return f.read(code)
}

// List returns every marker in the project directory sorted by code.
func (f *FileLocker) List(_ context.Context) ([]Lock, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list lock markers: %w", err)
	}
	var locks []Lock
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, markerSuffix) {
			continue
		}
		lock, err := f.read(strings.TrimSuffix(name, markerSuffix))
		if err != nil {
			return nil, err
		}
		if lock != nil {
			locks = append(locks, *lock)
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Code < locks[j].Code })
	return locks, nil
}

// Close is a no-op for file locks.
func (f *FileLocker) Close() error { return nil }
