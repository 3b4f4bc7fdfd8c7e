// Package redis keeps route statistics in Redis so that several processes
// share one set of counters. Bucket increments run as Lua scripts, which
// Redis executes atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

var _ domain.StatisticStore = (*Store)(nil)

// upsertRoute returns the stored route for ARGV[1], registering the route
// ARGV[2] with payload ARGV[3] when the key is new.
// KEYS: route ids by key, routes by id, route order.
var upsertRoute = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if id then
	return redis.call('HGET', KEYS[2], id)
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('RPUSH', KEYS[3], ARGV[2])
return ARGV[3]
`)

// incrementBucket folds one observation into the bucket hash KEYS[1].
// ARGV: day, latency, now, is-all flag, then field/delta pairs.
var incrementBucket = redis.NewScript(`
local day = ARGV[1]
local latency = tonumber(ARGV[2])
local now = ARGV[3]
local current = redis.call('HGET', KEYS[1], 'day')
if (not current) or (ARGV[4] ~= '1' and current < day) then
	redis.call('DEL', KEYS[1])
	redis.call('HSET', KEYS[1], 'day', day, 'created_at', now, 'avg_response_time', '0', 'http_requests_count', '0')
end
local count = tonumber(redis.call('HGET', KEYS[1], 'http_requests_count'))
local avg = tonumber(redis.call('HGET', KEYS[1], 'avg_response_time'))
avg = avg + (latency - avg) / (count + 1)
redis.call('HSET', KEYS[1], 'avg_response_time', string.format('%.17g', avg), 'updated_at', now)
for i = 5, #ARGV, 2 do
	redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// Store is a domain.StatisticStore on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	routes *ristretto.Cache[string, metrics.RouteTemplate]
	newID  func() string
}

// New returns a Store using client. Keys are prefixed with prefix.
func New(client redis.UniversalClient, prefix string) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, metrics.RouteTemplate]{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: route cache: %w", err)
	}
	return &Store{client: client, prefix: prefix, routes: cache, newID: uuid.NewString}, nil
}

// Dial connects to the server at addr and checks it answers.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %w", domain.ErrStorageUnavailable, addr, err)
	}
	return New(client, prefix)
}

// Close releases the client and the route cache.
func (s *Store) Close() error {
	s.routes.Close()
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) bucketKey(routeID string, key metrics.BucketKey) string {
	return s.key("stat", routeID, key.String())
}

// UpsertRoute returns the stored route with the same method and template,
// registering it first when needed.
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
	payload, err := json.Marshal(route)
	if err != nil {
		return route, err
	}

	raw, err := upsertRoute.Run(ctx, s.client,
		[]string{s.key("route_ids"), s.key("routes"), s.key("route_order")},
		key, route.ID, string(payload)).Text()
	if err != nil {
		return route, err
	}
	var stored metrics.RouteTemplate
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return route, err
	}
	s.routes.Set(key, stored, 1)
	return stored, nil
}

// IncrementBucket folds inc into the bucket in one script call.
func (s *Store) IncrementBucket(ctx context.Context, routeID string, key metrics.BucketKey, day string, inc metrics.Increment, latency float64, now time.Time) error {
	exists, err := s.client.HExists(ctx, s.key("routes"), routeID).Result()
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}

	all := "0"
	if key.IsAll() {
		all = "1"
	}
	args := []any{day, strconv.FormatFloat(latency, 'g', -1, 64), strconv.FormatInt(now.UnixNano(), 10), all}
	for _, f := range incrementFields(inc) {
		if f.delta != 0 {
			args = append(args, f.name, f.delta)
		}
	}
	return incrementBucket.Run(ctx, s.client, []string{s.bucketKey(routeID, key)}, args...).Err()
}

// ListRoutes returns all routes in creation order.
func (s *Store) ListRoutes(ctx context.Context) ([]metrics.RouteTemplate, error) {
	ids, err := s.client.LRange(ctx, s.key("route_order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	routes := make([]metrics.RouteTemplate, 0, len(ids))
	if len(ids) == 0 {
		return routes, nil
	}
	raws, err := s.client.HMGet(ctx, s.key("routes"), ids...).Result()
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var r metrics.RouteTemplate
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// GetRouteStatistics returns the route with its all-time and hour buckets.
func (s *Store) GetRouteStatistics(ctx context.Context, routeID string) (*metrics.RouteStatistics, error) {
	raw, err := s.client.HGet(ctx, s.key("routes"), routeID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rs := &metrics.RouteStatistics{Hourly: make(map[int]*metrics.Statistic)}
	if err := json.Unmarshal([]byte(raw), &rs.RouteTemplate); err != nil {
		return nil, err
	}

	keys := []metrics.BucketKey{metrics.AllBucket}
	for h := 0; h < metrics.HoursPerDay; h++ {
		keys = append(keys, metrics.HourBucket(h))
	}
	stats, err := s.buckets(ctx, []string{routeID}, keys)
	if err != nil {
		return nil, err
	}
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
	if len(routeIDs) == 0 {
		var err error
		if routeIDs, err = s.client.LRange(ctx, s.key("route_order"), 0, -1).Result(); err != nil {
			return nil, err
		}
	}
	keys := make([]metrics.BucketKey, 0, metrics.HoursPerDay)
	for h := 0; h < metrics.HoursPerDay; h++ {
		keys = append(keys, metrics.HourBucket(h))
	}
	return s.buckets(ctx, routeIDs, keys)
}

func (s *Store) buckets(ctx context.Context, routeIDs []string, keys []metrics.BucketKey) ([]metrics.Statistic, error) {
	type pending struct {
		routeID string
		key     metrics.BucketKey
		cmd     *redis.MapStringStringCmd
	}
	var cmds []pending
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range routeIDs {
			for _, k := range keys {
				cmds = append(cmds, pending{routeID: id, key: k, cmd: p.HGetAll(ctx, s.bucketKey(id, k))})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []metrics.Statistic
	for _, c := range cmds {
		fields := c.cmd.Val()
		if len(fields) == 0 {
			continue
		}
		st, err := parseStatistic(c.routeID, c.key, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

type field struct {
	name  string
	delta int64
}

func incrementFields(inc metrics.Increment) []field {
	return []field{
		{"http_requests_count", inc.HTTPRequestsCount},
		{"statuses_2xx", inc.Statuses2xx},
		{"statuses_3xx", inc.Statuses3xx},
		{"statuses_4xx", inc.Statuses4xx},
		{"statuses_401", inc.Statuses401},
		{"statuses_404", inc.Statuses404},
		{"statuses_422", inc.Statuses422},
		{"statuses_5xx", inc.Statuses5xx},
		{"xhr_count", inc.XHRCount},
		{"ssl_count", inc.SSLCount},
	}
}

func parseStatistic(routeID string, key metrics.BucketKey, fields map[string]string) (metrics.Statistic, error) {
	st := metrics.Statistic{RouteID: routeID, Bucket: key, Day: fields["day"]}

	counters := map[string]*int64{
		"http_requests_count": &st.HTTPRequestsCount,
		"statuses_2xx":        &st.Statuses2xx,
		"statuses_3xx":        &st.Statuses3xx,
		"statuses_4xx":        &st.Statuses4xx,
		"statuses_401":        &st.Statuses401,
		"statuses_404":        &st.Statuses404,
		"statuses_422":        &st.Statuses422,
		"statuses_5xx":        &st.Statuses5xx,
		"xhr_count":           &st.XHRCount,
		"ssl_count":           &st.SSLCount,
	}
	for name, dst := range counters {
		v, ok := fields[name]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return st, fmt.Errorf("redis: bucket field %s: %w", name, err)
		}
		*dst = n
	}

	var err error
	if st.AvgResponseTime, err = strconv.ParseFloat(fields["avg_response_time"], 64); err != nil {
		return st, fmt.Errorf("redis: bucket average: %w", err)
	}
	st.CreatedAt = parseNanos(fields["created_at"])
	st.UpdatedAt = parseNanos(fields["updated_at"])
	return st, nil
}

func parseNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
