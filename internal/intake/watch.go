package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"dtiqc/internal/logging"
)

const (
	defaultSettle = 5 * time.Second
	caseBuffer    = 64
)

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithSettle sets how long a new case directory must stay quiet before it is
// reported.
func WithSettle(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) WatchOption {
	return func(w *Watcher) {
		w.logger = logging.NewComponentLogger(logger, "intake")
	}
}

// Watcher reports case directories created in the input directory once
// writes into them have settled. Each code is reported at most once.
type Watcher struct {
	inputDir string
	pattern  string
	settle   time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	cases    chan string

	mu       sync.Mutex
	pending  map[string]time.Time
	reported map[string]bool
}

// NewWatcher prepares a watcher on inputDir. Codes in seen are never
// reported, which lets a batch run hand over the cases it already handled.
func NewWatcher(inputDir, pattern string, seen []string, opts ...WatchOption) (*Watcher, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultPattern
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		inputDir: inputDir,
		pattern:  pattern,
		settle:   defaultSettle,
		logger:   logging.NewNop(),
		fsw:      fsw,
		cases:    make(chan string, caseBuffer),
		pending:  make(map[string]time.Time),
		reported: make(map[string]bool, len(seen)),
	}
	for _, code := range seen {
		w.reported[code] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Cases returns the channel of settled case codes. It is closed when Run
// returns.
func (w *Watcher) Cases() <-chan string {
	return w.cases
}

// Run watches until ctx is cancelled or the underlying watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.cases)
	defer w.fsw.Close()

	if err := w.fsw.Add(w.inputDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.inputDir, err)
	}
	w.logger.Info("watching for new cases",
		logging.String("input_dir", w.inputDir),
		logging.String("pattern", w.pattern),
		logging.Duration("settle", w.settle),
	)

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			logging.WarnWithContext(w.logger, "watcher error", "intake_watch_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "a new case may be missed until the next batch run"),
			)
		case now := <-ticker.C:
			if !w.flush(ctx, now) {
				return nil
			}
		}
	}
}

// handle records activity for the case directory an event belongs to.
func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.inputDir, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	code := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	if strings.HasPrefix(code, ".") || !Match(w.pattern, code) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reported[code] {
		return
	}
	dir := filepath.Join(w.inputDir, code)
	if event.Name == dir && event.Has(fsnotify.Create) {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return
		}
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Debug("cannot watch case directory", logging.String("path", dir), logging.Error(err))
		}
	}
	if _, tracked := w.pending[code]; !tracked && event.Name != dir {
		// Activity inside a directory created before the watch started.
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return
		}
	}
	w.pending[code] = time.Now()
}

// flush emits every case quiet for at least the settle time. It returns false
// when ctx ended while emitting.
func (w *Watcher) flush(ctx context.Context, now time.Time) bool {
	w.mu.Lock()
	var ready []string
	for code, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, code)
			delete(w.pending, code)
			w.reported[code] = true
		}
	}
	w.mu.Unlock()

	for _, code := range ready {
		w.logger.Info("case arrived", logging.String(logging.FieldCase, code))
		select {
		case w.cases <- code:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
