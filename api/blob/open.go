package blob

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	BackendNone  = "none"
	BackendMinio = "minio"
	BackendS3    = "s3"
)

// Options selects and configures a backend. Both ends of the bridge must
// point at the same bucket.
type Options struct {
	Backend string
	Minio   MinioConfig
	// Region is used by BackendS3. Empty defers to the AWS default chain.
	Region string
}

// Open constructs the configured backend without touching the network.
// BackendNone and an empty backend return a nil Store.
func Open(ctx context.Context, opts Options, log *zap.Logger) (Store, error) {
	switch opts.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMinio:
		if opts.Minio.Endpoint == "" {
			return nil, errors.New("minio blob backend needs an endpoint")
		}
		ms, err := NewMinioStore(opts.Minio, log)
		if err != nil {
			return nil, err
		}
		return ms, nil
	case BackendS3:
		if opts.Minio.Bucket == "" {
			return nil, errors.New("s3 blob backend needs a bucket")
		}
		s3, err := NewS3Store(ctx, opts.Region, opts.Minio.Bucket)
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", opts.Backend)
	}
}
