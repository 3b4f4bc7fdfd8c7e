package inmemory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

var (
	yesterday = time.Date(2024, 3, 9, 5, 10, 0, 0, time.UTC)
	today     = time.Date(2024, 3, 10, 5, 20, 0, 0, time.UTC)
)

func TestStore_UpsertRoute(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	a, err := s.UpsertRoute(ctx, metrics.RouteTemplate{Method: "GET", Template: "/users/:id"})
	require.NoError(t, err)
	b, err := s.UpsertRoute(ctx, metrics.RouteTemplate{Method: "GET", Template: "/users/:id"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, a.ID, b.ID)

	routes, err := s.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}

func TestStore_IncrementBucketRollsOverStaleHours(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	route, err := s.UpsertRoute(ctx, metrics.RouteTemplate{Method: "GET", Template: "/"})
	require.NoError(t, err)

	inc := metrics.Increment{HTTPRequestsCount: 1, Statuses2xx: 1}
	for _, at := range []time.Time{yesterday, yesterday, today} {
		require.NoError(t, s.IncrementBucket(ctx, route.ID, metrics.AllBucket, metrics.DayOf(at), inc, 1, at))
		require.NoError(t, s.IncrementBucket(ctx, route.ID, metrics.HourBucket(5), metrics.DayOf(at), inc, 1, at))
	}

	stats, err := s.GetRouteStatistics(ctx, route.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.All.HTTPRequestsCount)
	require.Contains(t, stats.Hourly, 5)
	assert.Equal(t, int64(1), stats.Hourly[5].HTTPRequestsCount)
	assert.Equal(t, "2024-03-10", stats.Hourly[5].Day)
}

func TestStore_IncrementBucketUnknownRoute(t *testing.T) {
	s := NewStore()
	err := s.IncrementBucket(context.Background(), "missing", metrics.AllBucket, metrics.DayOf(today), metrics.Increment{}, 0, today)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	route, err := s.UpsertRoute(ctx, metrics.RouteTemplate{Method: "GET", Template: "/"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inc := metrics.Increment{HTTPRequestsCount: 1, Statuses2xx: 1}
			assert.NoError(t, s.IncrementBucket(ctx, route.ID, metrics.AllBucket, metrics.DayOf(today), inc, 0.5, today))
		}()
	}
	wg.Wait()

	stats, err := s.GetRouteStatistics(ctx, route.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), stats.All.HTTPRequestsCount)
	assert.InDelta(t, 0.5, stats.All.AvgResponseTime, 1e-9)
}

func TestStore_RequestResponse(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	rule := &metrics.RecordingRule{HTTPHeader: "X_RECORD", HTTPHeaderValue: "yes", Enabled: true}
	require.NoError(t, s.SaveRecording(ctx, rule))

	req := &metrics.RequestRecord{RecordingID: rule.ID, CreatedAt: today}
	require.NoError(t, s.CreateRequest(ctx, req))
	resp := &metrics.ResponseRecord{RequestID: req.ID, Status: 200, CreatedAt: today.Add(250 * time.Millisecond)}
	require.NoError(t, s.CreateResponse(ctx, resp))

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResponseTime)
	assert.InDelta(t, 0.25, *got.ResponseTime, 1e-9)
	assert.Equal(t, resp.ID, got.ResponseID)

	stored, err := s.GetRecording(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.RequestsCount)

	err = s.CreateResponse(ctx, &metrics.ResponseRecord{RequestID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_RequestBufferEvictsOldest(t *testing.T) {
	s := NewStoreWithCapacity(2)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		req := &metrics.RequestRecord{CreatedAt: today.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.CreateRequest(ctx, req))
		ids = append(ids, req.ID)
	}

	_, err := s.GetRequest(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)
	for _, id := range ids[1:] {
		_, err := s.GetRequest(ctx, id)
		assert.NoError(t, err)
	}
}

func TestStore_Faults(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	key := metrics.FaultKey{ExceptionClass: "runtime.Error", FilePath: "app/main.go", Line: 12, Environment: "test"}

	first, err := s.UpsertFault(ctx, key, "first", yesterday)
	require.NoError(t, err)
	second, err := s.UpsertFault(ctx, key, "second", today)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.ExceptionsCount)
	assert.Equal(t, "second", second.Message)
	assert.Equal(t, today, second.LastSeenAt)

	require.NoError(t, s.SetFaultResolved(ctx, first.ID, true))
	got, err := s.GetFault(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)

	assert.ErrorIs(t, s.SetFaultResolved(ctx, "missing", true), domain.ErrNotFound)
}
