package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

type cachedComplaint struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func TestCacheRepositoryRoundTrip(t *testing.T) {
	client, mr := newTestRedis(t)
	repo := NewCacheRepository(client, nil)
	ctx := context.Background()

	var dest cachedComplaint
	require.ErrorIs(t, repo.Get(ctx, "complaints:detail:1", &dest), appErrors.ErrCacheMiss)

	require.NoError(t, repo.Set(ctx, "complaints:detail:1", cachedComplaint{ID: "1", Version: 2}, time.Minute))
	require.NoError(t, repo.Get(ctx, "complaints:detail:1", &dest))
	require.Equal(t, 2, dest.Version)

	mr.FastForward(2 * time.Minute)
	require.ErrorIs(t, repo.Get(ctx, "complaints:detail:1", &dest), appErrors.ErrCacheMiss)
}

func TestCacheRepositoryDelete(t *testing.T) {
	client, mr := newTestRedis(t)
	repo := NewCacheRepository(client, nil)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "complaints:detail:1", cachedComplaint{ID: "1"}, time.Minute))
	require.NoError(t, repo.Set(ctx, "complaints:detail:2", cachedComplaint{ID: "2"}, time.Minute))
	require.NoError(t, repo.Set(ctx, "other:key", cachedComplaint{ID: "3"}, time.Minute))

	require.NoError(t, repo.Delete(ctx, "complaints:detail:1", "complaints:detail:2"))
	require.False(t, mr.Exists("complaints:detail:1"))
	require.False(t, mr.Exists("complaints:detail:2"))
	require.True(t, mr.Exists("other:key"))
	require.NoError(t, repo.Delete(ctx))
}

func TestCacheRepositoryDropsUndecodableEntries(t *testing.T) {
	client, mr := newTestRedis(t)
	repo := NewCacheRepository(client, nil)

	require.NoError(t, mr.Set("complaints:detail:1", "{not json"))
	var dest cachedComplaint
	require.ErrorIs(t, repo.Get(context.Background(), "complaints:detail:1", &dest), appErrors.ErrCacheMiss)
	require.False(t, mr.Exists("complaints:detail:1"))
}

func TestCacheRepositoryNilClient(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	ctx := context.Background()
	var dest cachedComplaint
	require.ErrorIs(t, repo.Get(ctx, "k", &dest), appErrors.ErrCacheMiss)
	require.NoError(t, repo.Set(ctx, "k", dest, time.Minute))
	require.NoError(t, repo.Delete(ctx, "k"))
	require.NoError(t, repo.Ping(ctx))
}
