package http_middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/reqorder/config"
	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
	"github.com/fllarpy/reqorder/infrastructure/storage/inmemory"
	"github.com/fllarpy/reqorder/internal/adapters/apmhttp"
	"github.com/fllarpy/reqorder/internal/application/collector"
)

func newCollector(t *testing.T, store *inmemory.Store, mutate func(*config.Config)) *collector.Collector {
	t.Helper()
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.AppRoot = "/nonexistent"
	cfg.Routes = []string{"GET /users/:id", "POST /users"}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := collector.New(collector.Options{
		Config:     cfg,
		Store:      store,
		Source:     afero.NewMemMapFs(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return c
}

func routeStatistics(t *testing.T, store *inmemory.Store, key string) *metrics.RouteStatistics {
	t.Helper()
	ctx := context.Background()
	routes, err := store.ListRoutes(ctx)
	require.NoError(t, err)
	for _, r := range routes {
		if r.Key() == key {
			stats, err := store.GetRouteStatistics(ctx, r.ID)
			require.NoError(t, err)
			return stats
		}
	}
	t.Fatalf("route %s not recorded", key)
	return nil
}

func TestMiddleware(t *testing.T) {
	t.Run("Monitoring Enabled", func(t *testing.T) {
		testCases := []struct {
			name        string
			statusCode  int
			expected2xx int64
			expected4xx int64
			expected404 int64
			expected5xx int64
		}{
			{"OK", http.StatusOK, 1, 0, 0, 0},
			{"Not Found", http.StatusNotFound, 0, 1, 1, 0},
			{"Internal Server Error", http.StatusInternalServerError, 0, 0, 0, 1},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				// Setup
				store := inmemory.NewStore()
				testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tc.statusCode)
				})
				wrappedHandler := Middleware(newCollector(t, store, nil), Options{MaxBodyBytes: 1024})(testHandler)

				// Execution
				req := httptest.NewRequest("GET", "/users/7", nil)
				rr := httptest.NewRecorder()
				wrappedHandler.ServeHTTP(rr, req)

				// Verification
				assert.Equal(t, tc.statusCode, rr.Code)
				stats := routeStatistics(t, store, "GET /users/:id")
				assert.Equal(t, int64(1), stats.All.HTTPRequestsCount, "HTTPRequestsCount should be 1")
				assert.Equal(t, tc.expected2xx, stats.All.Statuses2xx, "2xx status codes should match")
				assert.Equal(t, tc.expected4xx, stats.All.Statuses4xx, "4xx status codes should match")
				assert.Equal(t, tc.expected404, stats.All.Statuses404, "404 status codes should match")
				assert.Equal(t, tc.expected5xx, stats.All.Statuses5xx, "5xx status codes should match")

				faults, err := store.ListFaults(context.Background())
				require.NoError(t, err)
				assert.Empty(t, faults, "a 5xx status alone is not a fault")
			})
		}
	})

	t.Run("Monitoring Disabled", func(t *testing.T) {
		store := inmemory.NewStore()
		c := newCollector(t, store, func(cfg *config.Config) {
			cfg.MetricsMonitoring = false
			cfg.RequestMonitoring = false
		})
		testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		wrappedHandler := Middleware(c, Options{})(testHandler)

		rr := httptest.NewRecorder()
		wrappedHandler.ServeHTTP(rr, httptest.NewRequest("GET", "/users/1", nil))

		routes, err := store.ListRoutes(context.Background())
		require.NoError(t, err)
		assert.Empty(t, routes, "no statistics should be recorded when monitoring is disabled")
	})

	t.Run("Nil Collector", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
		wrapped := Middleware(nil, Options{})(handler)
		assert.NotNil(t, wrapped)
	})
}

func TestMiddleware_RecordsTraffic(t *testing.T) {
	store := inmemory.NewStore()
	ctx := context.Background()
	rule := &metrics.RecordingRule{HTTPHeader: "HTTP_X_RECORD_ME", HTTPHeaderValue: "yes", Enabled: true}
	require.NoError(t, store.SaveRecording(ctx, rule))

	var seenBody string
	var seenExchange *collector.Exchange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		seenExchange = apmhttp.ExchangeFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":1}`)
	})
	wrapped := Middleware(newCollector(t, store, nil), Options{MaxBodyBytes: 1024})(handler)

	req := httptest.NewRequest("POST", "/users", strings.NewReader(`{"name":"ada"}`))
	req.Header.Set("X-Record-Me", "yes")
	req.Header.Set("Cookie", "session=secret")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, `{"name":"ada"}`, seenBody)
	require.NotNil(t, seenExchange)
	assert.Equal(t, rule.ID, seenExchange.Recording.ID)

	reqs, err := store.ListRequests(ctx, domain.RequestFilter{RecordingID: rule.ID})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, `{"name":"ada"}`, reqs[0].Body)
	assert.NotContains(t, reqs[0].Headers, "Cookie")
	require.NotEmpty(t, reqs[0].ResponseID)

	resp, err := store.GetResponse(ctx, reqs[0].ResponseID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, `{"id":1}`, resp.Body)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestMiddleware_Panic(t *testing.T) {
	store := inmemory.NewStore()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("database is on fire")
	})
	wrapped := Middleware(newCollector(t, store, nil), Options{MaxBodyBytes: 1024})(handler)

	assert.PanicsWithValue(t, "database is on fire", func() {
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/users/9", nil))
	})

	ctx := context.Background()
	faults, err := store.ListFaults(ctx)
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, "string", faults[0].ExceptionClass)
	assert.Equal(t, "database is on fire", faults[0].Message)

	occs, err := store.ListOccurrences(ctx, faults[0].ID)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.NotEmpty(t, occs[0].FullTrace)
	assert.NotEmpty(t, occs[0].RequestID)

	stats := routeStatistics(t, store, "GET /users/:id")
	assert.Equal(t, int64(1), stats.All.Statuses5xx)
}

func TestMiddleware_AbortHandler(t *testing.T) {
	store := inmemory.NewStore()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
	wrapped := Middleware(newCollector(t, store, nil), Options{})(handler)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/users/9", nil))
	})
	faults, err := store.ListFaults(context.Background())
	require.NoError(t, err)
	assert.Empty(t, faults)

	stats := routeStatistics(t, store, "GET /users/:id")
	assert.Equal(t, int64(1), stats.All.HTTPRequestsCount)
	assert.Equal(t, int64(1), stats.All.Statuses5xx)
}

// explodingStatistics panics on every bucket increment.
type explodingStatistics struct {
	*inmemory.Store
}

func (explodingStatistics) IncrementBucket(context.Context, string, metrics.BucketKey, string, metrics.Increment, float64, time.Time) error {
	panic("statistics backend exploded")
}

func newExplodingCollector(t *testing.T, store *inmemory.Store) (*collector.Collector, *prometheus.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.AppRoot = "/nonexistent"
	cfg.Routes = []string{"GET /users/:id", "POST /users"}
	reg := prometheus.NewRegistry()
	c, err := collector.New(collector.Options{
		Config:     cfg,
		Store:      store,
		Statistics: explodingStatistics{store},
		Source:     afero.NewMemMapFs(),
		Registerer: reg,
	})
	require.NoError(t, err)
	return c, reg
}

func telemetryPanics(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != "reqorder_telemetry_errors_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "stage" && l.GetValue() == "telemetry_panic" {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestMiddleware_ContainsTelemetryPanics(t *testing.T) {
	t.Run("Handler panic is re-raised unchanged", func(t *testing.T) {
		store := inmemory.NewStore()
		c, reg := newExplodingCollector(t, store)
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("application boom")
		})
		wrapped := Middleware(c, Options{})(handler)

		assert.PanicsWithValue(t, "application boom", func() {
			wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/users/9", nil))
		})
		assert.Equal(t, float64(1), telemetryPanics(t, reg))

		faults, err := store.ListFaults(context.Background())
		require.NoError(t, err)
		assert.Len(t, faults, 1, "the fault is recorded before statistics fail")
	})

	t.Run("Completed exchange is untouched", func(t *testing.T) {
		store := inmemory.NewStore()
		c, reg := newExplodingCollector(t, store)
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, "created")
		})
		wrapped := Middleware(c, Options{})(handler)

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/users", strings.NewReader("{}")))
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "created", rec.Body.String())
		assert.Equal(t, float64(1), telemetryPanics(t, reg))
	})
}
