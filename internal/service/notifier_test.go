package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/internal/dto"
	"github.com/noah-isme/complaint-desk-api/internal/models"
	"github.com/noah-isme/complaint-desk-api/internal/repository"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
)

func newRedisCache(t *testing.T) (*miniredis.Miniredis, *CacheService) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewCacheService(repository.NewCacheRepository(client, zap.NewNop()), nil, time.Minute, zap.NewNop(), true)
}

func TestComplaintServiceGetServesCachedComplaint(t *testing.T) {
	mr, cache := newRedisCache(t)
	f := newComplaintFixtureWithCache(t, cache)
	complaint := f.create(t, ownerActor)
	ctx := context.Background()

	_, err := f.service.Get(ctx, ownerActor, complaint.ID)
	require.NoError(t, err)
	require.True(t, mr.Exists(complaintCacheKey(complaint.ID)))

	// a change that bypasses the service is invisible while the entry is live
	f.store.complaints[complaint.ID].Title = "changed behind the cache"
	cached, err := f.service.Get(ctx, ownerActor, complaint.ID)
	require.NoError(t, err)
	assert.Equal(t, complaint.Title, cached.Title)

	_, err = f.service.Get(ctx, otherActor, complaint.ID)
	requireCode(t, err, appErrors.ErrForbidden)

	_, err = f.service.Transition(ctx, staffActor, complaint.ID, dto.TransitionStatusRequest{Status: "in_progress"})
	require.NoError(t, err)
	fresh, err := f.service.Get(ctx, ownerActor, complaint.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ComplaintStatusInProgress, fresh.Status)
	assert.Equal(t, "changed behind the cache", fresh.Title)
}

func TestComplaintServiceGetDropsReadThatRacedDelete(t *testing.T) {
	_, cache := newRedisCache(t)
	f := newComplaintFixtureWithCache(t, cache)
	complaint := f.create(t, ownerActor)
	ctx := context.Background()

	// a reader takes its stamp and loads, then a delete commits before it caches
	_, stamp, ok := f.service.recall(ctx, complaint.ID)
	require.True(t, ok)
	stale, err := f.store.FindByID(ctx, complaint.ID)
	require.NoError(t, err)

	require.NoError(t, f.service.Delete(ctx, adminActor, complaint.ID))
	f.service.remember(ctx, stale, stamp)

	_, err = f.service.Get(ctx, staffActor, complaint.ID)
	requireCode(t, err, appErrors.ErrNotFound)
}

func TestComplaintServiceGetDropsReadThatRacedTransition(t *testing.T) {
	_, cache := newRedisCache(t)
	f := newComplaintFixtureWithCache(t, cache)
	complaint := f.create(t, ownerActor)
	ctx := context.Background()

	_, stamp, ok := f.service.recall(ctx, complaint.ID)
	require.True(t, ok)
	stale, err := f.store.FindByID(ctx, complaint.ID)
	require.NoError(t, err)

	_, err = f.service.Transition(ctx, staffActor, complaint.ID, dto.TransitionStatusRequest{Status: "rejected", Note: "duplicate"})
	require.NoError(t, err)
	f.service.remember(ctx, stale, stamp)

	got, err := f.service.Get(ctx, staffActor, complaint.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ComplaintStatusRejected, got.Status)
}

func TestChangeNotifierRecallWithoutCache(t *testing.T) {
	n := changeNotifier{logger: zap.NewNop()}

	complaint, stamp, ok := n.recall(context.Background(), "c-1")
	assert.Nil(t, complaint)
	assert.Empty(t, stamp)
	assert.False(t, ok)
	n.forget(context.Background(), "c-1")
}
