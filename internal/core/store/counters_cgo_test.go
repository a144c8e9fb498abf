//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: "file:" + filepath.Join(t.TempDir(), "chorus.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestStoreCounterUpsert(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)

	require.NoError(t, store.UpdateCounter(ctx, "k1", incrementBy(1, now)))
	require.NoError(t, store.UpdateCounter(ctx, "k1", incrementBy(4, now)))

	record, err := store.ReadCounter(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, 5, record.Count)
	require.Equal(t, "user-1", record.Subject)
	require.Equal(t, now.Truncate(time.Minute), record.WindowStart)

	count, err := store.CountCounters(ctx, CounterQuery{Operation: "completions_per_minute"})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStoreCounterConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, store.UpdateCounter(ctx, "shared", incrementBy(1, now)))
		}()
	}
	wg.Wait()

	record, err := store.ReadCounter(ctx, "shared")
	require.NoError(t, err)
	require.Equal(t, 20, record.Count)
}

func TestStoreCounterAdmin(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpdateCounter(ctx, "a", incrementBy(1, old)))
	require.NoError(t, store.UpdateCounter(ctx, "b", func(current *core.CounterRecord) (*core.CounterRecord, error) {
		return &core.CounterRecord{Subject: "user-2", Operation: "session_creations_per_day", WindowStart: old, Count: 1, UpdatedAt: old.Add(48 * time.Hour)}, nil
	}))

	records, err := store.ListCounters(ctx, CounterQuery{All: true})
	require.NoError(t, err)
	require.Len(t, records, 2)

	removed, err := store.SweepCounters(ctx, old.Add(24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	removed, err = store.ResetCounters(ctx, CounterQuery{Subject: "user-2"})
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}
