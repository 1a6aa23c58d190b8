package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreWriteOnceReadOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, RequestKey("r1"), []byte("payload")))
	assert.ErrorIs(t, s.Put(ctx, RequestKey("r1"), []byte("again")), ErrExists)

	data, err := s.Take(ctx, RequestKey("r1"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = s.Take(ctx, RequestKey("r1"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "requests/abc", RequestKey("abc"))
	assert.Equal(t, "responses/abc", ResponseKey("abc"))
}
