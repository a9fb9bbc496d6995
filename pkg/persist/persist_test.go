package persist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/events"
)

func openTestStore(t *testing.T, bufSize int) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), bufSize)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, 8)

	if err := s.Put("node/abc", []byte("hello")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get("node/abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get() = %q, want %q", got, "hello")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t, 8)
	_, err := s.Get("no/such/key")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestFlushPersistsAcrossBuffer(t *testing.T) {
	s := openTestStore(t, 8)

	if err := s.Put("k1", []byte("v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if s.PendingWrites() != 1 {
		t.Fatalf("PendingWrites() = %d, want 1", s.PendingWrites())
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if s.PendingWrites() != 0 {
		t.Fatalf("PendingWrites() after flush = %d, want 0", s.PendingWrites())
	}

	got, err := s.Get("k1")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get() after flush = %q, %v", got, err)
	}
}

func TestImplicitFlushOnBufferFull(t *testing.T) {
	s := openTestStore(t, 2)

	if err := s.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put(a) error = %v", err)
	}
	if err := s.Put("b", []byte("2")); err != nil {
		t.Fatalf("Put(b) error = %v", err)
	}
	// buffer hit capacity on the second Put, so it should have flushed
	if s.PendingWrites() != 0 {
		t.Fatalf("PendingWrites() = %d, want 0 after implicit flush", s.PendingWrites())
	}
}

func TestDelRemovesKey(t *testing.T) {
	s := openTestStore(t, 8)

	if err := s.Put("gone", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := s.Del("gone"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	exists, err := s.Exists("gone")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true, want false after Del+Flush")
	}
}

func TestFlushEmitsEvent(t *testing.T) {
	s := openTestStore(t, 8)

	var gotType bus.Type
	fired := false
	s.SetEventSink(func(typ bus.Type, src uint32, payload []byte) {
		gotType = typ
		fired = true
	})

	if err := s.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if !fired {
		t.Fatal("Flush() did not emit event")
	}
	if gotType != events.PersistFlush {
		t.Errorf("event type = %v, want PersistFlush", gotType)
	}
}

func TestEraseAllClearsStore(t *testing.T) {
	s := openTestStore(t, 8)

	if err := s.Put("x", []byte("1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := s.EraseAll(context.Background()); err != nil {
		t.Fatalf("EraseAll() error = %v", err)
	}
	if _, err := s.Get("x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after EraseAll = %v, want ErrNotFound", err)
	}
}

func TestSchemaVersionRecorded(t *testing.T) {
	s := openTestStore(t, 8)
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != kvSchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", v, kvSchemaVersion)
	}
}
