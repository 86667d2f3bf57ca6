package orchestrator

import (
	"context"
	"testing"

	"codeplane/internal/coord"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenWindowAccumulates(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	w := NewTokenWindow(coord.New(rdb))

	ctx := context.Background()
	tid := uuid.New()

	used, err := w.UsedToday(ctx, tid)
	require.NoError(t, err)
	assert.Zero(t, used)

	require.NoError(t, w.Record(ctx, tid, 1000))
	require.NoError(t, w.Record(ctx, tid, 500))

	used, err = w.UsedToday(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), used)

	// Another tenant's window is independent.
	other, err := w.UsedToday(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, other)
}
