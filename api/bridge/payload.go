package bridge

import (
	"context"
	"fmt"

	"bifrost/api/blob"
	"bifrost/api/metrics"
)

// DefaultInlineLimit is the largest payload sent inside a frame. Larger
// payloads go through the blob store when one is configured.
const DefaultInlineLimit = 32 * 1024

// offload moves an oversized payload to the blob store under key.
func offload(ctx context.Context, store blob.Store, limit int, key string, f *Frame) error {
	if store == nil || len(f.Payload) <= limit {
		metrics.Frame("out", false)
		return nil
	}
	if err := store.Put(ctx, key, f.Payload); err != nil {
		return fmt.Errorf("offload payload: %w", err)
	}
	f.BlobKey = key
	f.Payload = nil
	metrics.Frame("out", true)
	return nil
}

// hydrate fetches a blob-backed payload into the frame.
func hydrate(ctx context.Context, store blob.Store, f *Frame) error {
	if f.BlobKey == "" {
		metrics.Frame("in", false)
		return nil
	}
	metrics.Frame("in", true)
	if store == nil {
		return fmt.Errorf("payload %s is in the blob store but none is configured", f.BlobKey)
	}
	data, err := store.Take(ctx, f.BlobKey)
	if err != nil {
		return fmt.Errorf("fetch payload: %w", err)
	}
	f.Payload = data
	return nil
}
