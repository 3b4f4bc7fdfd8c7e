package domain

import (
	"context"
	"time"

	"github.com/fllarpy/reqorder/domain/metrics"
)

// StatisticStore owns route templates and their statistic buckets. Every
// mutation it exposes is atomic with respect to concurrent callers sharing
// the same backing store.
type StatisticStore interface {
	// UpsertRoute returns the stored route with the same method and
	// template, creating it first if necessary.
	UpsertRoute(ctx context.Context, route metrics.RouteTemplate) (metrics.RouteTemplate, error)

	// IncrementBucket folds inc and one latency sample into the bucket
	// (routeID, key). A missing bucket, or an hour bucket whose Day is
	// before day, is replaced by a fresh bucket dated day first. The
	// running average uses the pre-increment request count.
	IncrementBucket(ctx context.Context, routeID string, key metrics.BucketKey, day string, inc metrics.Increment, latency float64, now time.Time) error

	ListRoutes(ctx context.Context) ([]metrics.RouteTemplate, error)
	GetRouteStatistics(ctx context.Context, routeID string) (*metrics.RouteStatistics, error)

	// HourlyStatistics returns every hour bucket of the given routes, or of
	// all routes when routeIDs is empty.
	HourlyStatistics(ctx context.Context, routeIDs ...string) ([]metrics.Statistic, error)
}

// RecordingStore holds recording rules.
type RecordingStore interface {
	// EnabledRecordings returns the enabled rules in creation order.
	EnabledRecordings(ctx context.Context) ([]metrics.RecordingRule, error)
	ListRecordings(ctx context.Context) ([]metrics.RecordingRule, error)
	GetRecording(ctx context.Context, id string) (*metrics.RecordingRule, error)
	SaveRecording(ctx context.Context, rule *metrics.RecordingRule) error
	DeleteRecording(ctx context.Context, id string) error
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	RecordingID string
	Limit       int
}

// RequestStore holds captured request/response pairs.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *metrics.RequestRecord) error
	// CreateResponse stores resp, derives its response time from the
	// request's creation time and copies it back onto the request.
	CreateResponse(ctx context.Context, resp *metrics.ResponseRecord) error
	GetRequest(ctx context.Context, id string) (*metrics.RequestRecord, error)
	GetResponse(ctx context.Context, id string) (*metrics.ResponseRecord, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]metrics.RequestRecord, error)
}

// FaultStore holds faults and their exception occurrences.
type FaultStore interface {
	// UpsertFault creates the fault identified by key or increments the
	// existing one, setting LastSeenAt to now and Message to message.
	UpsertFault(ctx context.Context, key metrics.FaultKey, message string, now time.Time) (metrics.Fault, error)
	CreateOccurrence(ctx context.Context, occ *metrics.ExceptionOccurrence) error
	GetFault(ctx context.Context, id string) (*metrics.Fault, error)
	ListFaults(ctx context.Context) ([]metrics.Fault, error)
	SetFaultResolved(ctx context.Context, id string, resolved bool) error
	// ListOccurrences returns the occurrences of faultID, newest first, or
	// of all faults when faultID is empty.
	ListOccurrences(ctx context.Context, faultID string) ([]metrics.ExceptionOccurrence, error)
	GetOccurrence(ctx context.Context, id string) (*metrics.ExceptionOccurrence, error)
}

// Store is the combined interface implemented by the full backends.
type Store interface {
	StatisticStore
	RecordingStore
	RequestStore
	FaultStore
	Close() error
}
