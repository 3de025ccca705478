// Package backup exports the local store to an object store and restores it.
package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/salvacell/offsync/internal/errors"
)

// ObjectStore is the minimal blob surface a backup needs.
type ObjectStore interface {
	// Upload writes data under key, replacing any existing object.
	Upload(ctx context.Context, key string, data []byte) error

	// Download reads the object at key. A missing key is NOT_FOUND.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at key. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FileStore keeps objects as files under a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "create backup directory", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apperrors.Newf(apperrors.ErrInvalid, "invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Upload writes to a temp file and renames it into place.
func (s *FileStore) Upload(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrBackupFailed, "create object directory", err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrap(apperrors.ErrBackupFailed, "write object", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return apperrors.Wrap(apperrors.ErrBackupFailed, "commit object", err)
	}
	return nil
}

func (s *FileStore) Download(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "backup %s not found", key)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "read object", err)
	}
	return data, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrBackupFailed, "delete object", err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "list objects", err)
	}
	sort.Strings(keys)
	return keys, nil
}
