// Package resilientio provides a memory-first, atomic, retry-buffered
// persistence primitive for JSON state owned by the credential and usage
// managers. Writes never fail from the caller's perspective: a disk failure
// degrades to an in-memory cell plus a background retry, never a returned
// error that the hot path has to handle.
package resilientio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryInterval is how often the background ticker retries pending writes.
const RetryInterval = 30 * time.Second

// Writer persists JSON-encodable values to disk without ever failing the
// caller. Disk failures are buffered in memory and retried on a ticker.
//
// Write does not block on disk I/O: it encodes the value and updates the
// in-memory cell on the caller's goroutine, then hands the disk write to a
// bounded worker pool, or leaves it to the retry ticker when the pool's
// queue is full.
type Writer struct {
	secure bool

	mu      sync.Mutex
	cells   map[string]*cell
	healthy bool

	workCh   chan job
	workOnce sync.Once
	closeCh  chan struct{}
	closeWG  sync.WaitGroup

	tickerStop context.CancelFunc
}

type cell struct {
	data    []byte
	pending bool
	lastErr error
}

type job struct {
	path string
	data []byte
}

// Option customizes Writer construction.
type Option func(*Writer)

// WithSecurePermissions restricts persisted files to owner read/write after
// the atomic rename, matching the on-disk credential file permissions.
func WithSecurePermissions() Option {
	return func(w *Writer) { w.secure = true }
}

// New constructs a Writer with a small worker pool and starts the
// background retry ticker. Call Close on shutdown to flush pending writes.
func New(opts ...Option) *Writer {
	w := &Writer{
		cells:   make(map[string]*cell),
		healthy: true,
		workCh:  make(chan job, 64),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.tickerStop = cancel

	const workers = 4
	for i := 0; i < workers; i++ {
		w.closeWG.Add(1)
		go w.worker()
	}
	go w.retryLoop(ctx)
	return w
}

// Write encodes v as deterministic JSON (stable key order via
// json.Marshal's struct-field order / sorted map keys) and schedules an
// atomic disk write. It updates the in-memory cell synchronously so
// concurrent readers of the same path always observe the latest value,
// then offloads the disk write to the worker pool.
func (w *Writer) Write(path string, v any) {
	data, err := marshalDeterministic(v)
	if err != nil {
		log.Errorf("resilientio: marshal %s failed: %v", path, err)
		return
	}
	w.mu.Lock()
	c, ok := w.cells[path]
	if !ok {
		c = &cell{}
		w.cells[path] = c
	}
	c.data = data
	c.pending = true
	w.mu.Unlock()

	select {
	case w.workCh <- job{path: path, data: data}:
	default:
		// Worker pool saturated; the retry ticker will pick this path up
		// from the pending cell on its next tick.
	}
}

// IsHealthy reports whether the last attempted write for any tracked path
// succeeded. It is a coarse process-wide signal, not per-path.
func (w *Writer) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// Flush synchronously attempts every pending write once. Intended for use
// during graceful shutdown; returns the number of paths still pending
// after the attempt.
func (w *Writer) Flush() int {
	w.mu.Lock()
	pending := make([]job, 0, len(w.cells))
	for path, c := range w.cells {
		if c.pending {
			pending = append(pending, job{path: path, data: c.data})
		}
	}
	w.mu.Unlock()

	for _, j := range pending {
		w.attempt(j)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := 0
	for _, c := range w.cells {
		if c.pending {
			remaining++
		}
	}
	return remaining
}

// Close stops the retry ticker, flushes pending writes, and waits for
// in-flight worker jobs to finish. It returns a non-nil error if any write
// is still pending after the final flush, so callers can exit non-zero
// rather than silently drop state.
func (w *Writer) Close() error {
	w.tickerStop()
	close(w.closeCh)
	w.closeWG.Wait()
	if remaining := w.Flush(); remaining > 0 {
		return fmt.Errorf("resilientio: %d paths still pending after shutdown flush", remaining)
	}
	return nil
}

func (w *Writer) worker() {
	defer w.closeWG.Done()
	for {
		select {
		case j := <-w.workCh:
			w.attempt(j)
		case <-w.closeCh:
			// Drain any remaining buffered jobs before exiting.
			for {
				select {
				case j := <-w.workCh:
					w.attempt(j)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			retry := make([]job, 0)
			for path, c := range w.cells {
				if c.pending {
					retry = append(retry, job{path: path, data: c.data})
				}
			}
			w.mu.Unlock()
			for _, j := range retry {
				w.attempt(j)
			}
		}
	}
}

func (w *Writer) attempt(j job) {
	err := atomicWrite(j.path, j.data, w.secure)

	w.mu.Lock()
	c, ok := w.cells[j.path]
	if !ok {
		c = &cell{}
		w.cells[j.path] = c
	}
	// A newer Write may have superseded this job's payload while it was
	// in flight; only clear pending if the data we just wrote is current.
	if bytes.Equal(c.data, j.data) {
		c.pending = err != nil
	}
	c.lastErr = err
	w.healthy = err == nil
	w.mu.Unlock()

	if err != nil {
		log.Warnf("resilientio: write %s failed, buffered for retry: %v", j.path, err)
	}
}

// atomicWrite writes data to a temp sibling of path, fsyncs it, then renames
// it into place.
func atomicWrite(path string, data []byte, secure bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("resilientio: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("resilientio: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("resilientio: write temp: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("resilientio: fsync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("resilientio: close temp: %w", err)
	}

	if secure {
		if err = os.Chmod(tmpName, 0o600); err != nil {
			return fmt.Errorf("resilientio: chmod temp: %w", err)
		}
	}

	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("resilientio: rename into place: %w", err)
	}
	cleanup = false
	return nil
}

// marshalDeterministic encodes v with stable key ordering. encoding/json
// already sorts map[string]T keys and preserves struct field declaration
// order, so a plain Marshal is deterministic; this wrapper exists so all
// callers route through one documented encoding policy.
func marshalDeterministic(v any) ([]byte, error) {
	return json.Marshal(v)
}
