package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LocalStore keeps artifacts under a directory on disk.
type LocalStore struct {
	root    string
	baseURL string
	logger  *zap.Logger
}

// NewLocalStore stores objects under root. URLs are baseURL joined with the key,
// or file URLs when baseURL is empty.
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  zap.L().Named("local-store"),
	}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", errors.New("empty key")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	p, err := s.path(key)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err, StatusCode: 400}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}

	tmp := p + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	n, err := io.Copy(file, reader)
	if err == nil {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short write: %d of %d bytes", n, size)
	}
	if err == nil {
		err = os.Rename(tmp, p)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return &StorageError{Op: "put", Key: key, Err: err}
	}

	s.logger.Debug("Object stored", zap.String("key", key), zap.Int64("size", n))
	return nil
}

func (s *LocalStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	return s.Put(ctx, key, file, stat.Size(), opts...)
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err, StatusCode: 400}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err, StatusCode: statusFromFS(err)}
	}
	return f, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, &StorageError{Op: "exists", Key: key, Err: err, StatusCode: 400}
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Key: key, Err: err}
	}
	return true, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err, StatusCode: 400}
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// URL ignores expiry; local links do not expire.
func (s *LocalStore) URL(ctx context.Context, key string, _ time.Duration) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", &StorageError{Op: "generate_url", Key: key, Err: err, StatusCode: 400}
	}
	if s.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String(), nil
	}
	return s.baseURL + "/" + strings.TrimLeft(key, "/"), nil
}

func (s *LocalStore) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !info.IsDir() {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("%s is not a directory", s.root)}
	}
	return nil
}

func statusFromFS(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 404
	case errors.Is(err, fs.ErrPermission):
		return 403
	default:
		return 500
	}
}
