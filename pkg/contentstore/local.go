package contentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
)

// LocalStore keeps content as files under a base directory.
type LocalStore struct {
	*content
	basePath string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a store rooted at basePath, creating the directory if needed.
func NewLocalStore(basePath string, compress bool, logger *zap.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	s := &LocalStore{basePath: basePath}
	s.content = &content{
		objects:  s,
		compress: compress,
		logger:   logger.Named("content-store").With(zap.String("backend", "local")),
	}
	return s, nil
}

func (s *LocalStore) fullPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// put writes through a temporary file so readers never observe partial content.
func (s *LocalStore) put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *LocalStore) get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.fullPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.ErrNotFound
	}
	return data, err
}

func (s *LocalStore) exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.fullPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalStore) remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.fullPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
