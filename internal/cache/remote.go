package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/roach88/stevedore/internal/ir"
)

// ErrRemoteMiss is returned by Remote.Fetch when the key is absent.
var ErrRemoteMiss = errors.New("not in remote cache")

// Remote is a cache mirror shared between hosts.
type Remote interface {
	Fetch(ctx context.Context, key ir.CacheKey) ([]byte, error)
	Upload(ctx context.Context, key ir.CacheKey, archive []byte) error
}

// S3Config configures an S3-compatible mirror.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Remote mirrors artifacts into a bucket, one object per cache key.
type S3Remote struct {
	client *minio.Client
	bucket string
	prefix string
	region string

	initOnce sync.Once
	initErr  error
}

// NewS3Remote creates a mirror client. No request is made until first use.
func NewS3Remote(cfg S3Config) (*S3Remote, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("cache mirror endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("cache mirror bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init cache mirror client: %w", err)
	}
	return &S3Remote{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: region,
	}, nil
}

func (r *S3Remote) ensureBucket(ctx context.Context) error {
	r.initOnce.Do(func() {
		exists, err := r.client.BucketExists(ctx, r.bucket)
		if err != nil {
			r.initErr = err
			return
		}
		if exists {
			return
		}
		r.initErr = r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: r.region})
	})
	return r.initErr
}

// Fetch implements Remote.
func (r *S3Remote) Fetch(ctx context.Context, key ir.CacheKey) ([]byte, error) {
	if err := r.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := r.client.GetObject(ctx, r.bucket, r.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "NoSuchKey" || code == "NoSuchBucket" {
			return nil, ErrRemoteMiss
		}
		return nil, err
	}
	return data, nil
}

// Upload implements Remote. Objects are written once; a key that already
// exists is left alone since identical keys carry identical artifacts.
func (r *S3Remote) Upload(ctx context.Context, key ir.CacheKey, archive []byte) error {
	if err := r.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	name := r.objectName(key)
	if _, err := r.client.StatObject(ctx, r.bucket, name, minio.StatObjectOptions{}); err == nil {
		return nil
	}
	_, err := r.client.PutObject(ctx, r.bucket, name, bytes.NewReader(archive), int64(len(archive)), minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	return err
}

func (r *S3Remote) objectName(key ir.CacheKey) string {
	name := string(key) + ".tar.gz"
	if r.prefix == "" {
		return name
	}
	return r.prefix + "/" + name
}
