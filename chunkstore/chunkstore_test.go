package chunkstore

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/fieldscout/gateway/store"
)

func newTestChunks(t *testing.T) *Store {
	t.Helper()
	var db, err = sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.NewWithDB(db, "sqlite3").Migrate(context.Background()))
	return New(db)
}

func TestStoreIsIdempotent(t *testing.T) {
	var s = newTestChunks(t)
	var ctx = context.Background()

	var storedNew, err = s.Store(ctx, "AABBCCDDEEFF", "a.jpg", 0, []byte("first"))
	require.NoError(t, err)
	require.True(t, storedNew)

	// The duplicate collapses; the original bytes win.
	storedNew, err = s.Store(ctx, "AABBCCDDEEFF", "a.jpg", 0, []byte("second"))
	require.NoError(t, err)
	require.False(t, storedNew)

	count, err := s.CountReceived(ctx, "AABBCCDDEEFF", "a.jpg")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	data, err := s.Assemble(ctx, "AABBCCDDEEFF", "a.jpg", 1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)
}

func TestMissingIndices(t *testing.T) {
	var s = newTestChunks(t)
	var ctx = context.Background()

	for _, idx := range []int{0, 2, 4} {
		var _, err = s.Store(ctx, "AABBCCDDEEFF", "a.jpg", idx, []byte{byte(idx)})
		require.NoError(t, err)
	}

	missing, err := s.Missing(ctx, "AABBCCDDEEFF", "a.jpg", 5)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, missing)

	complete, err := s.Completeness(ctx, "AABBCCDDEEFF", "a.jpg", 5)
	require.NoError(t, err)
	require.False(t, complete)
}

func TestAssembleOrdersByIndex(t *testing.T) {
	var s = newTestChunks(t)
	var ctx = context.Background()

	// Out-of-order arrival.
	for _, part := range []struct {
		idx  int
		data string
	}{{2, "rld"}, {0, "hello "}, {1, "wo"}} {
		var _, err = s.Store(ctx, "AABBCCDDEEFF", "a.jpg", part.idx, []byte(part.data))
		require.NoError(t, err)
	}

	data, err := s.Assemble(ctx, "AABBCCDDEEFF", "a.jpg", 3)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	// An under-complete set assembles to nil, not a short artifact.
	data, err = s.Assemble(ctx, "AABBCCDDEEFF", "a.jpg", 4)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestClearIsScopedToOneImage(t *testing.T) {
	var s = newTestChunks(t)
	var ctx = context.Background()

	var _, err = s.Store(ctx, "AABBCCDDEEFF", "a.jpg", 0, []byte("a"))
	require.NoError(t, err)
	_, err = s.Store(ctx, "AABBCCDDEEFF", "b.jpg", 0, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, "AABBCCDDEEFF", "a.jpg"))

	count, err := s.CountReceived(ctx, "AABBCCDDEEFF", "a.jpg")
	require.NoError(t, err)
	require.Zero(t, count)
	count, err = s.CountReceived(ctx, "AABBCCDDEEFF", "b.jpg")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSweepReclaimsExpiredRows(t *testing.T) {
	var s = newTestChunks(t)
	var ctx = context.Background()
	var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	s.SetClock(func() time.Time { return base })
	var _, err = s.Store(ctx, "AABBCCDDEEFF", "old.jpg", 0, []byte("a"))
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(20 * time.Minute) })
	_, err = s.Store(ctx, "AABBCCDDEEFF", "fresh.jpg", 0, []byte("b"))
	require.NoError(t, err)

	// 31 minutes after the first write only the old row has expired.
	s.SetClock(func() time.Time { return base.Add(31 * time.Minute) })
	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	count, err := s.CountReceived(ctx, "AABBCCDDEEFF", "fresh.jpg")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
