package blobstore

import (
	"path/filepath"
	"testing"

	"bufarch/internal/bferrors"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw := []byte("this is a bufkit forecast payload, in plain text")
	hash, err := s.Put(raw)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("round trip mismatch: got %q want %q", got, raw)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw := []byte("idempotent payload")
	h1, err := s.Put(raw)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := s.Put(raw)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash changed across identical puts: %s vs %s", h1, h2)
	}
	set, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(set) != 1 {
		t.Fatalf("expected exactly one blob, got %d", len(set))
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Get("0000000000000000000000000000000000000000000000000000000000000000"); !bferrors.Is(err, bferrors.NotFound) {
		t.Fatalf("expected NotFound for missing blob, got %v", err)
	}
}

func TestDeleteThenListExcludes(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hash, err := s.Put([]byte("to be deleted"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete of already-absent blob should not error: %v", err)
	}
	set, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, present := set[hash]; present {
		t.Fatalf("deleted hash still present in List()")
	}
}

func TestNoTempFilesLeakIntoList(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Put([]byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	set, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for hash := range set {
		if filepath.Ext(hash) != "" {
			t.Fatalf("List returned a non-hash entry: %s", hash)
		}
	}
}
