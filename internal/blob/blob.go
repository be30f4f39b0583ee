// Package blob stores capsule attachments on the local filesystem.
//
// Keys are uuids. Content lands under a two-level fan-out directory
// (ab/cd/abcd...) via a temp file, fsync and rename, so a crash never leaves
// a partially written attachment behind a live key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"capsuled/internal/capsule"
	logx "capsuled/pkg/logx"
)

type Config struct {
	// Dir is the attachment root. Created on demand.
	Dir string
}

type Store struct {
	log  logx.Logger
	root string
}

func New(cfg Config, log logx.Logger) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("blob.dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, err
	}
	return &Store{log: log, root: dir}, nil
}

// Put streams r into the store and returns the assigned key.
func (s *Store) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	key := uuid.NewString()

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		// Best-effort cleanup; after a successful rename the file is gone.
		_ = os.Remove(tmpName)
	}()

	size, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", 0, err
	}
	s.log.Debug("blob stored", logx.String("key", key), logx.Int64("size", size))
	return key, size, nil
}

// Open returns the attachment content and its size.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("blob %s: %w", key, capsule.ErrNotFound)
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob %s: %w", key, capsule.ErrNotFound)
		}
		return err
	}
	return nil
}

// Stat returns the attachment size without opening it.
func (s *Store) Stat(ctx context.Context, key string) (int64, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("blob %s: %w", key, capsule.ErrNotFound)
		}
		return 0, err
	}
	return fi.Size(), nil
}

// keyPath validates the key before deriving a path from it, which also rules
// out traversal through crafted keys.
func (s *Store) keyPath(key string) (string, error) {
	if _, err := uuid.Parse(key); err != nil {
		return "", capsule.Validationf("invalid blob key %q", key)
	}
	return s.path(key), nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, key[0:2], key[2:4], key)
}
