// Package stats folds observed request/response cycles into the all-time
// and hour-of-day statistic buckets of their route template.
package stats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

// Observation is one completed request/response cycle.
type Observation struct {
	Route      metrics.RouteTemplate
	StatusCode int
	Latency    time.Duration
	XHR        bool
	TLS        bool
}

// Recorder writes observations to a StatisticStore.
type Recorder struct {
	store  domain.StatisticStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder. now defaults to time.Now.
func NewRecorder(store domain.StatisticStore, logger *zap.Logger, now func() time.Time) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, logger: logger, now: now}
}

// Record upserts the route of obs and increments its all-time bucket and
// the bucket of the current UTC hour. It returns the stored route.
func (r *Recorder) Record(ctx context.Context, obs Observation) (metrics.RouteTemplate, error) {
	route, err := r.store.UpsertRoute(ctx, obs.Route)
	if err != nil {
		return obs.Route, fmt.Errorf("%w: upsert route %q: %w", domain.ErrStorageUnavailable, obs.Route.Key(), err)
	}

	now := r.now().UTC()
	day := metrics.DayOf(now)
	inc := Classify(obs.StatusCode, obs.XHR, obs.TLS)
	latency := obs.Latency.Seconds()

	for _, key := range []metrics.BucketKey{metrics.AllBucket, metrics.HourBucket(now.Hour())} {
		if err := r.store.IncrementBucket(ctx, route.ID, key, day, inc, latency, now); err != nil {
			return route, fmt.Errorf("%w: increment bucket %s of %q: %w", domain.ErrStorageUnavailable, key, route.Key(), err)
		}
	}

	r.logger.Debug("Statistics recorded",
		zap.String("route", route.Key()),
		zap.Int("status", obs.StatusCode),
		zap.Duration("latency", obs.Latency))
	return route, nil
}

// Classify returns the counter deltas of one response. Exactly one status
// class counter is set for codes in [200,600); 401, 404 and 422 also set
// their own counter.
func Classify(status int, xhr, tls bool) metrics.Increment {
	inc := metrics.Increment{HTTPRequestsCount: 1}

	switch {
	case status >= 200 && status < 300:
		inc.Statuses2xx = 1
	case status >= 300 && status < 400:
		inc.Statuses3xx = 1
	case status >= 400 && status < 500:
		inc.Statuses4xx = 1
	case status >= 500 && status < 600:
		inc.Statuses5xx = 1
	}

	switch status {
	case 401:
		inc.Statuses401 = 1
	case 404:
		inc.Statuses404 = 1
	case 422:
		inc.Statuses422 = 1
	}

	if xhr {
		inc.XHRCount = 1
	}
	if tls {
		inc.SSLCount = 1
	}
	return inc
}
