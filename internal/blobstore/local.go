package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/archivesearch/core/internal/fileutil"
)

// LocalStore is a Store backed by the local filesystem, rooted at a
// directory. Keys are slash-separated and map directly onto nested
// subdirectories under root.
type LocalStore struct {
	root string
}

// NewLocalStore returns a LocalStore rooted at root, creating it if it does
// not exist.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := fileutil.SecureMkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	full := filepath.Join(s.root, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.root)+string(filepath.Separator)) && full != filepath.Clean(s.root) {
		return "", &os.PathError{Op: "path", Path: key, Err: os.ErrInvalid}
	}
	return full, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := fileutil.SecureMkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	f, err := fileutil.SecureOpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, full)
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	base, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	dir := base
	namePrefix := ""
	if info, statErr := os.Stat(base); statErr != nil || !info.IsDir() {
		dir = filepath.Dir(base)
		namePrefix = filepath.Base(base)
	}

	var keys []string
	err = filepath.WalkDir(dir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if namePrefix != "" && filepath.Dir(p) == dir && !strings.HasPrefix(d.Name(), namePrefix) {
			return nil
		}
		if strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
