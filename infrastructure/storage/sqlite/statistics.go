package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

var counterColumns = []string{
	"http_requests_count",
	"statuses_2xx",
	"statuses_3xx",
	"statuses_4xx",
	"statuses_401",
	"statuses_404",
	"statuses_422",
	"statuses_5xx",
	"xhr_count",
	"ssl_count",
}

// incrementSQL inserts a bucket or folds into the existing one. An hour
// bucket dated before the incoming day is reset first. SQLite evaluates
// every SET expression against the old row, so the average uses the
// pre-increment count.
var incrementSQL = func() string {
	const stale = "(excluded.bucket <> 'all' AND statistics.day < excluded.day)"

	var b strings.Builder
	b.WriteString("INSERT INTO statistics (route_id, bucket, day, ")
	b.WriteString(strings.Join(counterColumns, ", "))
	b.WriteString(", avg_response_time, created_at, updated_at) VALUES (")
	b.WriteString(placeholders(len(counterColumns) + 6))
	b.WriteString(") ON CONFLICT (route_id, bucket) DO UPDATE SET ")
	fmt.Fprintf(&b, "day = CASE WHEN %s THEN excluded.day ELSE statistics.day END, ", stale)
	for _, c := range counterColumns {
		fmt.Fprintf(&b, "%[1]s = CASE WHEN %[2]s THEN excluded.%[1]s ELSE statistics.%[1]s + excluded.%[1]s END, ", c, stale)
	}
	fmt.Fprintf(&b, "avg_response_time = CASE WHEN %s THEN excluded.avg_response_time "+
		"ELSE statistics.avg_response_time + (excluded.avg_response_time - statistics.avg_response_time) / (statistics.http_requests_count + 1) END, ", stale)
	fmt.Fprintf(&b, "created_at = CASE WHEN %s THEN excluded.created_at ELSE statistics.created_at END, ", stale)
	b.WriteString("updated_at = excluded.updated_at")
	return b.String()
}()

const statisticColumns = "route_id, bucket, day, http_requests_count, statuses_2xx, statuses_3xx, statuses_4xx, " +
	"statuses_401, statuses_404, statuses_422, statuses_5xx, xhr_count, ssl_count, avg_response_time, created_at, updated_at"

// UpsertRoute returns the stored route with the same method and template,
// inserting it first when needed.
func (s *Store) UpsertRoute(ctx context.Context, route metrics.RouteTemplate) (metrics.RouteTemplate, error) {
	key := route.Key()
	if cached, ok := s.routes.Get(key); ok {
		return cached, nil
	}

	if route.ID == "" {
		route.ID = s.newID()
	}
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now().UTC()
	}

	var stored metrics.RouteTemplate
	err := s.retry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO routes (id, method, template, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (method, template) DO NOTHING`,
			route.ID, route.Method, route.Template, unixNano(route.CreatedAt)); err != nil {
			return err
		}
		row := s.db.QueryRowContext(ctx, `SELECT id, method, template, created_at FROM routes WHERE method = ? AND template = ?`,
			route.Method, route.Template)
		var err error
		stored, err = scanRoute(row)
		return err
	})
	if err != nil {
		return route, err
	}
	s.routes.Set(key, stored, 1)
	return stored, nil
}

// IncrementBucket folds inc into the bucket with one upsert statement.
func (s *Store) IncrementBucket(ctx context.Context, routeID string, key metrics.BucketKey, day string, inc metrics.Increment, latency float64, now time.Time) error {
	ts := unixNano(now)
	args := []any{
		routeID, key.String(), day,
		inc.HTTPRequestsCount, inc.Statuses2xx, inc.Statuses3xx, inc.Statuses4xx,
		inc.Statuses401, inc.Statuses404, inc.Statuses422, inc.Statuses5xx,
		inc.XHRCount, inc.SSLCount,
		latency, ts, ts,
	}
	return s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, incrementSQL, args...)
		return err
	})
}

// ListRoutes returns all routes in creation order.
func (s *Store) ListRoutes(ctx context.Context) ([]metrics.RouteTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, template, created_at FROM routes ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	routes := []metrics.RouteTemplate{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// GetRouteStatistics returns the route with its all-time and hour buckets.
func (s *Store) GetRouteStatistics(ctx context.Context, routeID string) (*metrics.RouteStatistics, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, method, template, created_at FROM routes WHERE id = ?`, routeID)
	route, err := scanRoute(row)
	if err != nil {
		return nil, notFound(err)
	}

	stats, err := s.queryStatistics(ctx, `SELECT `+statisticColumns+` FROM statistics WHERE route_id = ?`, routeID)
	if err != nil {
		return nil, err
	}

	rs := &metrics.RouteStatistics{RouteTemplate: route, Hourly: make(map[int]*metrics.Statistic)}
	for i := range stats {
		st := stats[i]
		if st.Bucket.IsAll() {
			rs.All = &st
			continue
		}
		rs.Hourly[st.Bucket.Hour()] = &st
	}
	return rs, nil
}

// HourlyStatistics returns the hour buckets of routeIDs, or of every route.
func (s *Store) HourlyStatistics(ctx context.Context, routeIDs ...string) ([]metrics.Statistic, error) {
	query := `SELECT ` + statisticColumns + ` FROM statistics WHERE bucket <> 'all'`
	args := make([]any, 0, len(routeIDs))
	if len(routeIDs) > 0 {
		query += ` AND route_id IN (` + placeholders(len(routeIDs)) + `)`
		for _, id := range routeIDs {
			args = append(args, id)
		}
	}
	return s.queryStatistics(ctx, query, args...)
}

func (s *Store) queryStatistics(ctx context.Context, query string, args ...any) ([]metrics.Statistic, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metrics.Statistic
	for rows.Next() {
		st, err := scanStatistic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanRoute(row scanner) (metrics.RouteTemplate, error) {
	var r metrics.RouteTemplate
	var created int64
	if err := row.Scan(&r.ID, &r.Method, &r.Template, &created); err != nil {
		return r, err
	}
	r.CreatedAt = fromUnixNano(created)
	return r, nil
}

func scanStatistic(row scanner) (metrics.Statistic, error) {
	var st metrics.Statistic
	var bucket string
	var created, updated int64
	err := row.Scan(&st.RouteID, &bucket, &st.Day,
		&st.HTTPRequestsCount, &st.Statuses2xx, &st.Statuses3xx, &st.Statuses4xx,
		&st.Statuses401, &st.Statuses404, &st.Statuses422, &st.Statuses5xx,
		&st.XHRCount, &st.SSLCount, &st.AvgResponseTime, &created, &updated)
	if err != nil {
		return st, err
	}
	if st.Bucket, err = metrics.ParseBucketKey(bucket); err != nil {
		return st, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	st.CreatedAt = fromUnixNano(created)
	st.UpdatedAt = fromUnixNano(updated)
	return st, nil
}

