// Package blobstore implements the archive's content-addressed payload
// store: an on-disk directory of zstd-compressed forecast payloads
// named by the sha256 hash of their uncompressed content (spec §4.1).
package blobstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"bufarch/internal/bferrors"
	"bufarch/internal/logging"
)

const extension = ".zst"

// Store is a directory of content-addressed, zstd-compressed blobs.
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating dir if it does not yet
// exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("create blob store root %s: %w", dir, err))
	}
	return &Store{root: dir}, nil
}

// Hash computes the content hash blobstore uses to address raw
// (uncompressed) bytes, without writing anything.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash+extension)
}

// Put compresses raw and durably writes it under its content hash.
// Writing is idempotent: putting the same bytes twice produces the
// same hash and leaves the store in the same observable state (P1).
// The write path is temp-file-then-rename so a partial write is never
// visible to a concurrent reader.
func (s *Store) Put(raw []byte) (hash string, err error) {
	timer := logging.StartTimer(logging.CategoryBlobStore, "Put")
	defer timer.Stop()

	hash = Hash(raw)
	dst := s.path(hash)
	if _, statErr := os.Stat(dst); statErr == nil {
		// Same content, same hash: nothing to do (P1 at the blob level).
		return hash, nil
	}

	tmp := filepath.Join(s.root, fmt.Sprintf(".tmp-%s-%s", hash, uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", bferrors.New(bferrors.IO, fmt.Errorf("create temp blob file: %w", err))
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		cleanup()
		return "", bferrors.New(bferrors.IO, fmt.Errorf("new zstd writer: %w", err))
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		cleanup()
		return "", bferrors.New(bferrors.IO, fmt.Errorf("write compressed blob: %w", err))
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return "", bferrors.New(bferrors.IO, fmt.Errorf("close zstd writer: %w", err))
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return "", bferrors.New(bferrors.IO, fmt.Errorf("fsync temp blob: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", bferrors.New(bferrors.IO, fmt.Errorf("close temp blob: %w", err))
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", bferrors.New(bferrors.IO, fmt.Errorf("rename blob into place: %w", err))
	}
	return hash, nil
}

// Get reads and decompresses the blob at hash.
func (s *Store) Get(hash string) ([]byte, error) {
	f, err := os.Open(s.path(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, bferrors.New(bferrors.NotFound, fmt.Errorf("blob %s: %w", hash, err))
		}
		return nil, bferrors.New(bferrors.IO, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("new zstd reader: %w", err))
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dec); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("decompress blob %s: %w", hash, err))
	}
	return buf.Bytes(), nil
}

// Exists reports whether a blob with the given hash is present.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Delete removes the blob at hash; it is not an error if the blob is
// already absent.
func (s *Store) Delete(hash string) error {
	if err := os.Remove(s.path(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return bferrors.New(bferrors.IO, fmt.Errorf("delete blob %s: %w", hash, err))
	}
	return nil
}

// List returns the set of content hashes currently present.
func (s *Store) List() (map[string]struct{}, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("list blob store: %w", err))
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, extension) {
			continue
		}
		out[strings.TrimSuffix(name, extension)] = struct{}{}
	}
	return out, nil
}
