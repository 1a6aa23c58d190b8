package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// MinioStore talks to any S3-compatible endpoint (minio, localstack, R2).
type MinioStore struct {
	mc     *minio.Client
	config MinioConfig
	log    *zap.Logger
}

func NewMinioStore(cfg MinioConfig, log *zap.Logger) (*MinioStore, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MinioStore{mc: mc, config: cfg, log: log}, nil
}

// EnsureBucket creates the payload bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	name := s.config.Bucket
	exists, err := s.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		return nil
	}
	region := s.config.Region
	if region == "" {
		region = "us-east-1"
	}
	if err := s.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	s.log.Info("s3: created bucket", zap.String("bucket", name))
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.mc.PutObject(ctx, s.config.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Take(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.mc.GetObject(ctx, s.config.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap(key, err)
	}
	if err := s.mc.RemoveObject(ctx, s.config.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.log.Warn("s3: remove taken blob", zap.String("key", key), zap.Error(err))
	}
	return data, nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.mc.BucketExists(ctx, s.config.Bucket)
	return err
}

func (s *MinioStore) wrap(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", key, err)
}
