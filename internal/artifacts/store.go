// Package artifacts uploads compile outputs to S3-compatible object storage.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned when no object storage endpoint is configured.
var ErrDisabled = errors.New("artifact storage disabled")

// Config selects the bucket. An empty Endpoint disables the store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Object is one uploaded artifact.
type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag"`
}

// bucketClient is the subset of *minio.Client the store needs.
type bucketClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Store struct {
	client bucketClient
	bucket string
	log    zerolog.Logger

	mu      sync.Mutex
	ensured bool
}

// New connects to the configured endpoint. With an empty endpoint it returns
// a disabled store whose uploads fail with ErrDisabled.
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &Store{log: log}, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return newStore(client, cfg.Bucket, log), nil
}

func newStore(client bucketClient, bucket string, log zerolog.Logger) *Store {
	return &Store{client: client, bucket: bucket, log: log}
}

// Enabled reports whether uploads go anywhere.
func (s *Store) Enabled() bool {
	return s != nil && s.client != nil
}

// Key is the object name for one artifact of one revision.
func Key(documentID, revision, filename string) string {
	ext := path.Ext(filename)
	if revision == "" {
		revision = "head"
	}
	return path.Join(documentID, revision+ext)
}

// Put uploads data under Key(documentID, revision, filename), creating the
// bucket on first use.
func (s *Store) Put(ctx context.Context, documentID, revision, filename, contentType string, data []byte) (Object, error) {
	if !s.Enabled() {
		return Object{}, ErrDisabled
	}
	if err := s.ensureBucket(ctx); err != nil {
		return Object{}, err
	}

	key := Key(documentID, revision, filename)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:        contentType,
		ContentDisposition: fmt.Sprintf("inline; filename=%q", filename),
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	s.log.Info().Str("bucket", s.bucket).Str("key", key).Int64("size", info.Size).Msg("artifact uploaded")
	return Object{Bucket: s.bucket, Key: key, Size: info.Size, ETag: info.ETag}, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		s.log.Info().Str("bucket", s.bucket).Msg("bucket created")
	}
	s.ensured = true
	return nil
}
