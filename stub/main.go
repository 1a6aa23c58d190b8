// Command bifrost-stub is deployed in place of a function's real handler. It
// forwards every invocation to the developer machine over the bridge.
package main

import (
	"context"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"bifrost/api/blob"
	"bifrost/api/bridge"
	"bifrost/api/logging"
)

func main() {
	log, err := logging.New(envOr("BIFROST_LOG_LEVEL", "info"), "json")
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	bridge.SetLogger(log.Named("bridge"))

	functionID := os.Getenv("BIFROST_FUNCTION_ID")
	if functionID == "" {
		log.Fatal("startup", zap.Error(errNoFunctionID))
	}
	endpoint := os.Getenv("BIFROST_ENDPOINT")
	if endpoint == "" {
		log.Fatal("startup", zap.String("reason", "BIFROST_ENDPOINT is not set"))
	}

	inline, _ := strconv.Atoi(os.Getenv("BIFROST_INLINE_LIMIT"))
	client := bridge.NewClient(bridge.ClientOptions{
		Endpoint:    endpoint,
		Secret:      []byte(os.Getenv("BIFROST_BRIDGE_SECRET")),
		Subject:     functionID,
		Blobs:       blobStore(log),
		InlineLimit: inline,
	})
	defer client.Close()

	f := &forwarder{functionID: functionID, client: client, log: log}
	log.Info("stub ready", zap.String("function", functionID), zap.String("endpoint", endpoint))
	lambda.Start(f.Handle)
}

// blobStore picks the side channel for oversized payloads. Without one,
// every payload travels inline. BIFROST_BLOB_BACKEND must match the local
// server; unset it is inferred from the endpoint and bucket variables.
func blobStore(log *zap.Logger) blob.Store {
	bucket := os.Getenv("BIFROST_BLOB_BUCKET")
	endpoint := os.Getenv("BIFROST_S3_ENDPOINT")
	backend := os.Getenv("BIFROST_BLOB_BACKEND")
	if backend == "" {
		switch {
		case endpoint != "":
			backend = blob.BackendMinio
		case bucket != "":
			backend = blob.BackendS3
		default:
			backend = blob.BackendNone
		}
	}
	if bucket == "" {
		bucket = "bifrost-payloads"
	}

	s, err := blob.Open(context.Background(), blob.Options{
		Backend: backend,
		Region:  os.Getenv("AWS_REGION"),
		Minio: blob.MinioConfig{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("BIFROST_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("BIFROST_S3_SECRET_KEY"),
			Region:    envOr("BIFROST_S3_REGION", "us-east-1"),
			UseSSL:    os.Getenv("BIFROST_S3_USE_SSL") == "true",
			Bucket:    bucket,
		},
	}, log.Named("blob"))
	if err != nil {
		log.Warn("blob store unavailable", zap.Error(err))
		return nil
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
