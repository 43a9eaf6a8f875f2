package offsets

import (
	"context"
	"sort"
	"testing"

	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	for _, kind := range []string{KindPebble, KindSQLite} {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			store, err := Open(Config{Kind: kind, Dir: dir})
			require.NoError(t, err)

			p0 := mqueue.Of("orders", 0)
			p1 := mqueue.Of("orders", 1)

			_, ok, err := store.Load(ctx, "billing", p0)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Save(ctx, "billing", p0, 10))
			require.NoError(t, store.Save(ctx, "billing", p0, 12))
			require.NoError(t, store.Save(ctx, "billing", p1, 3))
			require.NoError(t, store.Save(ctx, "audit", p1, 1))
			// same group name on a stream sharing the prefix
			require.NoError(t, store.Save(ctx, "other", mqueue.Of("orders2", 0), 1))

			offset, ok, err := store.Load(ctx, "billing", p0)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(12), offset)

			groups, err := store.Groups(ctx, "orders")
			require.NoError(t, err)
			sort.Strings(groups)
			assert.Equal(t, []string{"audit", "billing"}, groups)

			groups, err = store.Groups(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, groups)

			require.NoError(t, store.Close())

			// reopen
			store, err = Open(Config{Kind: kind, Dir: dir})
			require.NoError(t, err)
			defer store.Close()

			offset, ok, err = store.Load(ctx, "billing", p1)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(3), offset)
		})
	}
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open(Config{Kind: "redis", Dir: t.TempDir()})
	assert.Error(t, err)
}
