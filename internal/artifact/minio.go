package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore implements Store using MinIO.
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}

	uploads      atomic.Uint64
	uploadBytes  atomic.Uint64
	uploadErrors atomic.Uint64
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	MaxUploads     int
	ConnectTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewMinIOStore connects to MinIO and creates the bucket when missing.
func NewMinIOStore(ctx context.Context, config MinIOConfig) (*MinIOStore, error) {
	if config.MaxUploads == 0 {
		config.MaxUploads = 4
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     minioClient,
		bucket:     config.Bucket,
		logger:     zap.L().Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}
	return store, nil
}

func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// Put uploads an object, retrying with exponential backoff while the reader can be rewound.
func (s *MinIOStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	options := collectPut(opts)

	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := rewind(reader, attempt); err != nil {
			return backoff.Permanent(err)
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, putOpts)
		if err != nil {
			s.uploadErrors.Add(1)
			if code := getMinioStatusCode(err); code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			s.logger.Debug("Upload attempt failed", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}

		s.uploads.Add(1)
		s.uploadBytes.Add(uint64(info.Size))
		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  true,
		}
	}
	return nil
}

// rewind resets a seekable reader before a retry. Non-seekable readers cannot be retried.
func rewind(reader io.Reader, attempt int) error {
	if attempt == 1 {
		return nil
	}
	rs, ok := reader.(io.ReadSeeker)
	if !ok {
		return fmt.Errorf("reader not seekable; not retrying")
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek reset failed: %w", err)
	}
	return nil
}

// PutFile uploads a file to storage
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	if collectPut(opts).ContentType == "application/octet-stream" {
		opts = append(opts, WithContentType(detectContentType(filePath)))
	}
	return s.Put(ctx, key, file, stat.Size(), opts...)
}

func (s *MinIOStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, &StorageError{Op: "get", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	return obj, nil
}

func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if getMinioStatusCode(err) == 404 {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	return true, nil
}

// Delete removes an object from storage
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// URL generates a pre-signed download URL.
func (s *MinIOStore) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	reqParams := url.Values{}
	reqParams.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, reqParams)
	if err != nil {
		return "", &StorageError{Op: "generate_url", Key: key, Err: err}
	}
	return u.String(), nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
