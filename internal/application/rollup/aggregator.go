// Package rollup computes the trailing 24 hour series of route statistics
// from the hour-of-day buckets.
package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

// Point aggregates one hour slot. Counts are summed over the selected
// routes; AvgResponseTime is the mean of their bucket averages.
type Point struct {
	Hour              int     `json:"hour"`
	Day               string  `json:"day"`
	Buckets           int     `json:"buckets"`
	HTTPRequestsCount int64   `json:"http_requests_count"`
	AvgResponseTime   float64 `json:"avg_response_time"`
	Statuses2xx       int64   `json:"statuses_2xx"`
	Statuses3xx       int64   `json:"statuses_3xx"`
	Statuses4xx       int64   `json:"statuses_4xx"`
	Statuses401       int64   `json:"statuses_401"`
	Statuses404       int64   `json:"statuses_404"`
	Statuses422       int64   `json:"statuses_422"`
	Statuses5xx       int64   `json:"statuses_5xx"`
	XHRCount          int64   `json:"xhr_count"`
	SSLCount          int64   `json:"ssl_count"`
}

// Series holds 24 points, oldest first.
type Series []Point

// Fields returns the series as one array per statistic field.
func (s Series) Fields() map[string][]float64 {
	fields := map[string]func(Point) float64{
		"http_requests_count": func(p Point) float64 { return float64(p.HTTPRequestsCount) },
		"avg_response_time":   func(p Point) float64 { return p.AvgResponseTime },
		"statuses_2xx":        func(p Point) float64 { return float64(p.Statuses2xx) },
		"statuses_3xx":        func(p Point) float64 { return float64(p.Statuses3xx) },
		"statuses_4xx":        func(p Point) float64 { return float64(p.Statuses4xx) },
		"statuses_401":        func(p Point) float64 { return float64(p.Statuses401) },
		"statuses_404":        func(p Point) float64 { return float64(p.Statuses404) },
		"statuses_422":        func(p Point) float64 { return float64(p.Statuses422) },
		"statuses_5xx":        func(p Point) float64 { return float64(p.Statuses5xx) },
		"xhr_count":           func(p Point) float64 { return float64(p.XHRCount) },
		"ssl_count":           func(p Point) float64 { return float64(p.SSLCount) },
	}
	out := make(map[string][]float64, len(fields))
	for name, get := range fields {
		values := make([]float64, len(s))
		for i, p := range s {
			values[i] = get(p)
		}
		out[name] = values
	}
	return out
}

// Aggregator reads hour buckets from a StatisticStore.
type Aggregator struct {
	store domain.StatisticStore
	now   func() time.Time
}

// NewAggregator returns an Aggregator. now defaults to time.Now.
func NewAggregator(store domain.StatisticStore, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: store, now: now}
}

// Trailing24h returns the last 24 hour slots relative to the current UTC
// hour h: slots h+1..23 from yesterday's buckets, then 0..h from today's.
// With no routeIDs every route is aggregated.
func (a *Aggregator) Trailing24h(ctx context.Context, routeIDs ...string) (Series, error) {
	now := a.now().UTC()
	current := now.Hour()
	today := metrics.DayOf(now)
	yesterday := metrics.DayOf(now.AddDate(0, 0, -1))

	buckets, err := a.store.HourlyStatistics(ctx, routeIDs...)
	if err != nil {
		return nil, fmt.Errorf("%w: hourly statistics: %w", domain.ErrStorageUnavailable, err)
	}

	type slot struct {
		hour int
		day  string
	}
	grouped := make(map[slot][]metrics.Statistic)
	for _, b := range buckets {
		if b.Bucket.IsAll() {
			continue
		}
		k := slot{hour: b.Bucket.Hour(), day: b.Day}
		grouped[k] = append(grouped[k], b)
	}

	series := make(Series, 0, metrics.HoursPerDay)
	for h := current + 1; h < metrics.HoursPerDay; h++ {
		series = append(series, aggregate(h, yesterday, grouped[slot{h, yesterday}]))
	}
	for h := 0; h <= current; h++ {
		series = append(series, aggregate(h, today, grouped[slot{h, today}]))
	}
	return series, nil
}

func aggregate(hour int, day string, buckets []metrics.Statistic) Point {
	p := Point{Hour: hour, Day: day, Buckets: len(buckets)}
	var avgSum float64
	for _, b := range buckets {
		p.HTTPRequestsCount += b.HTTPRequestsCount
		p.Statuses2xx += b.Statuses2xx
		p.Statuses3xx += b.Statuses3xx
		p.Statuses4xx += b.Statuses4xx
		p.Statuses401 += b.Statuses401
		p.Statuses404 += b.Statuses404
		p.Statuses422 += b.Statuses422
		p.Statuses5xx += b.Statuses5xx
		p.XHRCount += b.XHRCount
		p.SSLCount += b.SSLCount
		avgSum += b.AvgResponseTime
	}
	if len(buckets) > 0 {
		p.AvgResponseTime = avgSum / float64(len(buckets))
	}
	return p
}
