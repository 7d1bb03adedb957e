package persist

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.json")

	s := New(path, nil)
	defer s.Close()

	type payload struct {
		Count int `json:"count"`
	}
	if err := s.WriteValue(payload{Count: 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.FlushPending()

	var out payload
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("expected count 3, got %d", out.Count)
	}
}

func TestReadJSON_MissingFileReturnsSentinel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")
	var v any
	err := ReadJSON(path, &v)
	if err != ErrNotExist {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestWriteJSON_CoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.json")

	s := New(path, nil)
	defer s.Close()

	type payload struct {
		Count int `json:"count"`
	}
	for i := 0; i < 50; i++ {
		if err := s.WriteValue(payload{Count: i}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	s.FlushPending()

	var out payload
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Count != 49 {
		t.Fatalf("expected the latest enqueued snapshot (49), got %d", out.Count)
	}
}

func TestFlushPending_BlocksUntilDurable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.json")
	s := New(path, nil)
	defer s.Close()

	if err := s.WriteValue(map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.FlushPending()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist after flush: %v", err)
	}
}
