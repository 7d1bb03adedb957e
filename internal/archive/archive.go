// Package archive implements the append-only, per-ref, per-week event log
// described in spec.md §4.3. It is intentionally lossy on crash: records
// are buffered in memory and flushed periodically or on demand, trading
// durability for the ability to never block the store scheduler on disk
// I/O (spec.md §5).
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record kinds.
const (
	KindCreate = "create"
	KindPatch  = "patch"
	KindDelete = "delete"
)

// Delete event qualifiers.
const (
	EventPurge           = "purge"
	EventPurgeOnRecreate = "purgeOnRecreate"
)

// Record is one JSONL line in a ref's weekly archive file.
type Record struct {
	Kind string `json:"kind"`
	TS   int64  `json:"ts"`
	Ref  string `json:"ref"`
	ID   string `json:"id"`
	Data any    `json:"data,omitempty"`
}

// PatchData is the Data payload for a KindPatch record.
type PatchData struct {
	Patch any `json:"patch"`
	Pre   any `json:"pre"`
	Post  any `json:"post"`
}

// DeleteData is the Data payload for a KindDelete record.
type DeleteData struct {
	Snapshot any    `json:"snapshot"`
	Event    string `json:"event"`
}

// Archive buffers and periodically flushes per-ref event records under a
// root directory, one JSONL file per ref per ISO week.
type Archive struct {
	dir     string
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	buffers map[string]*strings.Builder // file path -> pending appended bytes

	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// New creates an Archive rooted at dir, flushing buffered records every
// flushInterval. A zero flushInterval disables the periodic flush; callers
// must call FlushPending explicitly (useful in tests).
func New(dir string, flushInterval time.Duration, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{
		dir:           dir,
		logger:        logger,
		nowFunc:       time.Now,
		buffers:       make(map[string]*strings.Builder),
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
	if flushInterval > 0 {
		a.wg.Add(1)
		go a.runPeriodicFlush()
	}
	return a
}

func (a *Archive) runPeriodicFlush() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.FlushPending()
		}
	}
}

// Close flushes pending records and stops the periodic flush goroutine.
func (a *Archive) Close() {
	a.FlushPending()
	close(a.stopCh)
	a.wg.Wait()
}

// AppendCreate buffers a create record carrying the full post-add snapshot.
func (a *Archive) AppendCreate(ref string, snapshot any) {
	a.append(ref, Record{Kind: KindCreate, Data: snapshot})
}

// AppendPatch buffers a patch record carrying the raw patch plus pre/post views.
func (a *Archive) AppendPatch(ref string, patch, pre, post any) {
	a.append(ref, Record{Kind: KindPatch, Data: PatchData{Patch: patch, Pre: pre, Post: post}})
}

// AppendDelete buffers a delete record carrying the final snapshot and a
// qualifier (EventPurge or EventPurgeOnRecreate).
func (a *Archive) AppendDelete(ref string, snapshot any, event string) {
	a.append(ref, Record{Kind: KindDelete, Data: DeleteData{Snapshot: snapshot, Event: event}})
}

func (a *Archive) append(ref string, rec Record) {
	now := a.nowFunc()
	rec.TS = now.UnixMilli()
	rec.Ref = ref
	rec.ID = uuid.NewString()

	line, err := json.Marshal(rec)
	if err != nil {
		a.logger.Warn("archive: failed to marshal record, dropping", "ref", ref, "kind", rec.Kind, "error", err)
		return
	}

	path := filePath(a.dir, ref, now)

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[path]
	if !ok {
		b = &strings.Builder{}
		a.buffers[path] = b
	}
	b.Write(line)
	b.WriteByte('\n')
}

// FlushPending writes all buffered records to disk, appending to each
// target file. Failures are logged at warn level and the buffer for that
// file is retained for the next flush attempt (spec.md §4.3 is lossy on
// crash by design, not on a clean flush).
func (a *Archive) FlushPending() {
	a.mu.Lock()
	pending := a.buffers
	a.buffers = make(map[string]*strings.Builder)
	a.mu.Unlock()

	for path, buf := range pending {
		if buf.Len() == 0 {
			continue
		}
		if err := appendFile(path, buf.String()); err != nil {
			a.logger.Warn("archive: flush failed, retaining buffer", "path", path, "error", err)
			a.mu.Lock()
			if existing, ok := a.buffers[path]; ok {
				existing.WriteString(buf.String())
			} else {
				a.buffers[path] = buf
			}
			a.mu.Unlock()
		}
	}
}

func appendFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// filePath derives the archive file path for ref at time t: dots in ref
// become path separators, except a leading "<digits>" instance-prefix
// segment, which stays joined to the segment that follows it. The file
// name is the ISO week key with a .jsonl extension.
func filePath(root, ref string, t time.Time) string {
	segments := strings.Split(ref, ".")
	var parts []string
	i := 0
	if len(segments) > 1 && isAllDigits(segments[0]) {
		parts = append(parts, segments[0]+"."+segments[1])
		i = 2
	}
	for ; i < len(segments); i++ {
		parts = append(parts, segments[i])
	}
	if len(parts) == 0 {
		parts = []string{ref}
	}
	weekFile := weekKey(t) + ".jsonl"
	allParts := append(append([]string{root}, parts...), weekFile)
	return filepath.Join(allParts...)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// weekKey returns an ISO 8601 week key like "2026-W05".
func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
