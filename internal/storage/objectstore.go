// Package storage provides the S3-compatible object store client used
// by the cloud ingest provider.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/loom-data/loom/engine/internal/fault"
)

// Default timeouts for object storage operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // stat, bucket checks
	DefaultDataTimeout     = 60 * time.Second // get, put (data transfer)
)

// Config holds connection and timeout settings for the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// MetadataTimeout is the context timeout for metadata operations.
	// Defaults to 10s if zero.
	MetadataTimeout time.Duration

	// DataTimeout is the context timeout for data-transfer operations.
	// Defaults to 60s if zero.
	DataTimeout time.Duration
}

// ObjectStore fetches objects from MinIO / S3-compatible storage. It
// implements the cloud ingest provider's ObjectGetter.
type ObjectStore struct {
	client          *minio.Client
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// New creates an ObjectStore connected to the configured endpoint.
// Buckets are named per object, so none is created up front.
func New(cfg Config) (*ObjectStore, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	// Custom transport with explicit dial and TLS timeouts.
	// ResponseHeaderTimeout is set to the metadata timeout — it bounds the
	// time waiting for the server to start replying, not the full download.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &ObjectStore{
		client:          client,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}, nil
}

func (s *ObjectStore) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.metadataTimeout)
}

func (s *ObjectStore) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dataTimeout)
}

// FetchObject reads one object's content. A missing bucket or key is a
// DATABASE_NOT_FOUND fault so imports surface it as a data problem, not
// a connectivity one.
func (s *ObjectStore) FetchObject(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat forces the request and surfaces NoSuchKey.
	if _, err := obj.Stat(); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, fault.Newf(fault.CodeDatabaseNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// PutObject creates or overwrites an object, creating the bucket on
// first use. Content type is derived from the key's extension.
func (s *ObjectStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return err
	}

	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// HealthCheck verifies connectivity by listing buckets. Used by the
// readiness endpoint when a cloud endpoint is configured.
func (s *ObjectStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	if _, err := s.client.ListBuckets(ctx); err != nil {
		return fmt.Errorf("object store check: %w", err)
	}
	return nil
}

func (s *ObjectStore) ensureBucket(ctx context.Context, bucket string) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// contentTypeFor returns the MIME type for an object key based on its
// extension.
func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
