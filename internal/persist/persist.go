// Package persist implements full-list JSON persistence for the Store's
// canonical message list. Writes are serialized through a single owned
// goroutine and coalesced: enqueuing a new snapshot while one is already
// queued (or in flight) simply replaces the queued payload, so a burst of
// mutations produces at most one write in flight plus one pending write,
// never a growing backlog. This mirrors the teacher's events.Bus
// (non-blocking, newest-wins broadcast) and scheduler.Scheduler (an owned
// goroutine with a stopCh and WaitGroup for clean shutdown).
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Store persists an arbitrary JSON-marshalable snapshot to a single file.
// The Store (C8) uses one Store[[]msg.Message]-shaped instance for the
// full message list; callers pass the already-marshaled bytes so this
// package stays free of a dependency on internal/msg.
type Store struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []byte
	hasWork   bool
	lastGen   uint64
	writtenGen uint64
	closed    bool
	retries   int
	firstFail time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a persistence store writing snapshots to path. The
// background writer goroutine starts immediately; call Close to stop it
// after a final FlushPending.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.run()
	return s
}

// WriteJSON enqueues data (already the desired file contents) for
// durable storage. It returns immediately; use FlushPending to wait for
// durability. A write enqueued while another is pending supersedes it.
func (s *Store) WriteJSON(data []byte) {
	s.mu.Lock()
	s.pending = data
	s.hasWork = true
	s.lastGen++
	s.mu.Unlock()
	s.cond.Signal()
}

// WriteValue is a convenience wrapper that marshals v and enqueues it.
func (s *Store) WriteValue(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	s.WriteJSON(data)
	return nil
}

// ReadJSON reads the persisted file and unmarshals it into v. On any
// error (missing file, parse failure) it leaves v untouched and returns
// the fallback error sentinel wrapped so the caller can decide whether
// to fall back to a zero value.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ErrNotExist is returned by ReadJSON when the file does not exist yet
// (e.g. first run). Callers should fall back to an empty value.
var ErrNotExist = fmt.Errorf("persist: snapshot file does not exist")

// FlushPending blocks until the most recently enqueued WriteJSON call (at
// the time FlushPending was called) has been durably written, or the
// store is closed first.
func (s *Store) FlushPending() {
	s.mu.Lock()
	target := s.lastGen
	for s.writtenGen < target && !s.closed {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Close stops the background writer after flushing any pending snapshot.
func (s *Store) Close() {
	s.FlushPending()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for !s.hasWork && !s.closed {
			s.cond.Wait()
		}
		if s.closed && !s.hasWork {
			s.mu.Unlock()
			return
		}
		data := s.pending
		gen := s.lastGen
		s.pending = nil
		s.hasWork = false
		s.mu.Unlock()

		if err := atomicWrite(s.path, data); err != nil {
			s.mu.Lock()
			if s.retries == 0 {
				s.firstFail = time.Now()
			}
			s.retries++
			retryNum := s.retries
			failingSince := s.firstFail
			s.mu.Unlock()
			// Transient I/O errors are logged and retried on the next
			// write (spec.md §4.2); availability over durability, so we
			// do not block the scheduler or re-enqueue synchronously —
			// the in-memory state remains authoritative until the next
			// mutation triggers another WriteJSON.
			s.logger.Warn("persist: write failed, will retry on next write",
				"path", s.path, "error", err, "attempt", retryNum,
				"failing_since", humanize.Time(failingSince))
			continue
		}
		s.mu.Lock()
		s.writtenGen = gen
		s.retries = 0
		s.mu.Unlock()
		s.cond.Broadcast()

		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
