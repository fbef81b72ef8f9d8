package profile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewStore(client, time.Hour)
}

func TestStore_PutGet(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "p1", Snapshot{Level: 12, DisplayName: "Aria"}))

	snap, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, Snapshot{Level: 12, DisplayName: "Aria"}, snap)
	assert.Equal(t, time.Hour, mr.TTL(ProfilePrefix+"p1"))
}

func TestStore_GetMissing(t *testing.T) {
	_, store := setupStore(t)

	_, err := store.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestStore_ReadsProfileServiceHash(t *testing.T) {
	mr, store := setupStore(t)
	mr.HSet(ProfilePrefix+"p2", "level", "31", "display_name", "Bram")

	snap, err := store.Get(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, 31, snap.Level)
	assert.Equal(t, "Bram", snap.DisplayName)
}

type countingLoader struct {
	snaps map[string]Snapshot
	calls int
	err   error
}

func (l *countingLoader) Get(_ context.Context, sessionID string) (Snapshot, error) {
	l.calls++
	if l.err != nil {
		return Snapshot{}, l.err
	}
	snap, ok := l.snaps[sessionID]
	if !ok {
		return Snapshot{}, ErrUnknownPlayer
	}
	return snap, nil
}

func TestCache_GetPlayerSnapshotNeverLoads(t *testing.T) {
	loader := &countingLoader{snaps: map[string]Snapshot{"p1": {Level: 5}}}
	cache := NewCache(loader, time.Minute)

	_, ok := cache.GetPlayerSnapshot("p1")
	assert.False(t, ok)
	assert.Zero(t, loader.calls, "read path must not hit the loader")
}

func TestCache_WarmLoadsOnceWithinTTL(t *testing.T) {
	loader := &countingLoader{snaps: map[string]Snapshot{"p1": {Level: 5, DisplayName: "Cy"}}}
	cache := NewCache(loader, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := cache.Warm(ctx, "p1")
	require.NoError(t, err)
	_, err = cache.Warm(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	snap, ok := cache.GetPlayerSnapshot("p1")
	require.True(t, ok)
	assert.Equal(t, "Cy", snap.DisplayName)

	now = now.Add(2 * time.Minute)
	_, err = cache.Warm(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls, "stale entry should be reloaded")
}

func TestCache_WarmKeepsStaleEntryOnLoadError(t *testing.T) {
	loader := &countingLoader{}
	cache := NewCache(loader, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set("p1", Snapshot{Level: 9})
	now = now.Add(time.Hour)
	loader.err = errors.New("redis down")

	snap, err := cache.Warm(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Level)
}

func TestCache_WarmUnknownPlayer(t *testing.T) {
	cache := NewCache(&countingLoader{}, time.Minute)

	_, err := cache.Warm(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownPlayer)

	cache.Set("ghost", Snapshot{Level: 1})
	cache.Forget("ghost")
	assert.Zero(t, cache.Len())
}

func TestCache_PrunesAbandonedSessions(t *testing.T) {
	cache := NewCache(&countingLoader{}, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	for i := range 50 {
		cache.Set(fmt.Sprintf("old-%d", i), Snapshot{Level: 1})
	}
	require.Equal(t, 50, cache.Len())

	// One session per second for ten minutes; none of them ever leaves.
	for i := range 600 {
		now = now.Add(time.Second)
		cache.Set(fmt.Sprintf("s-%d", i), Snapshot{Level: 1})
		assert.LessOrEqual(t, cache.Len(), 50+4*60, "cache holds at most a few TTLs of sessions")
	}

	_, ok := cache.GetPlayerSnapshot("old-0")
	assert.False(t, ok)
	_, ok = cache.GetPlayerSnapshot("s-599")
	assert.True(t, ok)
}

func TestCache_PruneKeepsRecentEntries(t *testing.T) {
	cache := NewCache(&countingLoader{}, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set("stale", Snapshot{Level: 1})
	now = now.Add(90 * time.Second)
	cache.Set("recent", Snapshot{Level: 2})

	assert.Zero(t, cache.Prune(), "an entry under two TTLs old survives")
	now = now.Add(31 * time.Second)
	assert.Equal(t, 1, cache.Prune())

	_, ok := cache.GetPlayerSnapshot("recent")
	assert.True(t, ok)
}
