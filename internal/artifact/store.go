// Package artifact persists finalized recordings and hands out download links for them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mikeyg42/televisit/internal/recording"
)

// Store is the file-save mechanism for recording artifacts.
type Store interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// URL returns a link the UI can offer for download.
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)
	HealthCheck(ctx context.Context) error
}

// Stored describes a persisted artifact.
type Stored struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	SavedAt     time.Time `json:"saved_at"`
}

// PutOption configures Put operations.
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType string
	Metadata    map[string]string
}

type contentTypeOption string

func (o contentTypeOption) applyPut(opts *putOptions) { opts.ContentType = string(o) }

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) { opts.Metadata = o }

func WithContentType(contentType string) PutOption {
	return contentTypeOption(contentType)
}

func WithMetadata(metadata map[string]string) PutOption {
	return metadataOption(metadata)
}

func collectPut(opts []PutOption) *putOptions {
	options := &putOptions{ContentType: "application/octet-stream"}
	for _, opt := range opts {
		opt.applyPut(options)
	}
	return options
}

// StorageError represents a storage operation error.
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist.
func IsNotExist(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 404
	}
	return false
}

// Key returns the object key of a recording: recordings/<session>/<artifact>.webm
func Key(a recording.Artifact) string {
	return path.Join("recordings", a.SessionID, a.ID+filepath.Ext(a.Path))
}

// Save uploads the artifact file and returns where it can be downloaded from.
func Save(ctx context.Context, store Store, a recording.Artifact, urlExpiry time.Duration) (*Stored, error) {
	if a.Path == "" {
		return nil, fmt.Errorf("artifact %s has no file", a.ID)
	}
	key := Key(a)
	err := store.PutFile(ctx, key, a.Path,
		WithContentType(a.ContentType),
		WithMetadata(map[string]string{
			"session-id": a.SessionID,
			"started-at": a.StartedAt.UTC().Format(time.RFC3339),
			"ended-at":   a.EndedAt.UTC().Format(time.RFC3339),
		}))
	if err != nil {
		return nil, err
	}
	u, err := store.URL(ctx, key, urlExpiry)
	if err != nil {
		return nil, err
	}
	return &Stored{
		Key:         key,
		URL:         u,
		Size:        a.Size,
		ContentType: a.ContentType,
		SavedAt:     time.Now(),
	}, nil
}

// detectContentType attempts to detect content type from file extension
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
