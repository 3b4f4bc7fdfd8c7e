package metrics

import (
	"fmt"
	"strconv"
	"time"
)

// DayLayout is the layout of Statistic.Day. Dates in this layout compare
// correctly as strings.
const DayLayout = "2006-01-02"

// DayOf returns the UTC calendar date of t in DayLayout.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// --- Routes and buckets ---

// RouteTemplate identifies a logical endpoint regardless of the concrete
// values of its path parameters, e.g. "GET /users/:id".
type RouteTemplate struct {
	ID        string    `json:"id"`
	Template  string    `json:"route"`
	Method    string    `json:"http_method"`
	CreatedAt time.Time `json:"created_at"`
}

// Key is the identity of the template used by stores for uniqueness.
func (r RouteTemplate) Key() string {
	return r.Method + " " + r.Template
}

// BucketKey selects one of the statistic buckets of a route: AllBucket, or
// the bucket of one hour of the day.
type BucketKey int

// AllBucket never expires.
const AllBucket BucketKey = -1

// HoursPerDay is the number of hour-of-day buckets per route.
const HoursPerDay = 24

// HourBucket returns the key of the bucket for hour h (0..23).
func HourBucket(h int) BucketKey {
	if h < 0 || h >= HoursPerDay {
		panic(fmt.Sprintf("metrics: hour %d out of range", h))
	}
	return BucketKey(h)
}

// IsAll reports whether k is the all-time bucket.
func (k BucketKey) IsAll() bool { return k == AllBucket }

// Hour returns the hour index of k, or -1 for the all-time bucket.
func (k BucketKey) Hour() int { return int(k) }

func (k BucketKey) String() string {
	if k.IsAll() {
		return "all"
	}
	return strconv.Itoa(int(k))
}

// ParseBucketKey is the inverse of BucketKey.String.
func ParseBucketKey(s string) (BucketKey, error) {
	if s == "all" {
		return AllBucket, nil
	}
	h, err := strconv.Atoi(s)
	if err != nil || h < 0 || h >= HoursPerDay {
		return 0, fmt.Errorf("metrics: invalid bucket key %q", s)
	}
	return BucketKey(h), nil
}

// Increment is the set of counter deltas folded into a bucket by one
// observed request/response cycle.
type Increment struct {
	HTTPRequestsCount int64
	Statuses2xx       int64
	Statuses3xx       int64
	Statuses4xx       int64
	Statuses401       int64
	Statuses404       int64
	Statuses422       int64
	Statuses5xx       int64
	XHRCount          int64
	SSLCount          int64
}

// Statistic is one bucket of aggregated counters for a route.
type Statistic struct {
	RouteID           string    `json:"route_id"`
	Bucket            BucketKey `json:"-"`
	Day               string    `json:"day"`
	HTTPRequestsCount int64     `json:"http_requests_count"`
	AvgResponseTime   float64   `json:"avg_response_time"`
	Statuses2xx       int64     `json:"statuses_2xx"`
	Statuses3xx       int64     `json:"statuses_3xx"`
	Statuses4xx       int64     `json:"statuses_4xx"`
	Statuses401       int64     `json:"statuses_401"`
	Statuses404       int64     `json:"statuses_404"`
	Statuses422       int64     `json:"statuses_422"`
	Statuses5xx       int64     `json:"statuses_5xx"`
	XHRCount          int64     `json:"xhr_count"`
	SSLCount          int64     `json:"ssl_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Apply adds the deltas of inc to s. Callers are responsible for
// serialising access to s.
func (s *Statistic) Apply(inc Increment) {
	s.HTTPRequestsCount += inc.HTTPRequestsCount
	s.Statuses2xx += inc.Statuses2xx
	s.Statuses3xx += inc.Statuses3xx
	s.Statuses4xx += inc.Statuses4xx
	s.Statuses401 += inc.Statuses401
	s.Statuses404 += inc.Statuses404
	s.Statuses422 += inc.Statuses422
	s.Statuses5xx += inc.Statuses5xx
	s.XHRCount += inc.XHRCount
	s.SSLCount += inc.SSLCount
}

// Stale reports whether an hour bucket belongs to a day before today.
// The all-time bucket is never stale.
func (s *Statistic) Stale(today string) bool {
	return !s.Bucket.IsAll() && s.Day < today
}

// RouteStatistics is a route together with its all-time bucket and the
// hour buckets that currently exist for it.
type RouteStatistics struct {
	RouteTemplate
	All    *Statistic         `json:"statistic_all"`
	Hourly map[int]*Statistic `json:"hourly_statistics,omitempty"`
}
