package http_reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/reqorder/domain/metrics"
	"github.com/fllarpy/reqorder/infrastructure/storage/inmemory"
	"github.com/fllarpy/reqorder/internal/application/rollup"
)

var testNow = time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (http.Handler, *inmemory.Store) {
	t.Helper()
	store := inmemory.NewStore()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorder_test_total", Help: "test"}))
	h := NewHandler(store, nil, rollup.NewAggregator(store, func() time.Time { return testNow }), Options{
		Prefix:   "/reqorder",
		Gatherer: reg,
	})
	return h, store
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func seedRoute(t *testing.T, store *inmemory.Store, hour int, requests int) metrics.RouteTemplate {
	t.Helper()
	ctx := context.Background()
	route, err := store.UpsertRoute(ctx, metrics.RouteTemplate{Method: "GET", Template: "/users/:id"})
	require.NoError(t, err)
	day := metrics.DayOf(testNow)
	for i := 0; i < requests; i++ {
		inc := metrics.Increment{HTTPRequestsCount: 1, Statuses2xx: 1}
		require.NoError(t, store.IncrementBucket(ctx, route.ID, metrics.AllBucket, day, inc, 0.1, testNow))
		require.NoError(t, store.IncrementBucket(ctx, route.ID, metrics.HourBucket(hour), day, inc, 0.1, testNow))
	}
	return route
}

func TestRoutePaths(t *testing.T) {
	h, store := newTestHandler(t)
	route := seedRoute(t, store, 8, 3)

	rr := serve(t, h, "GET", "/reqorder/route_paths", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))
	var routes []metrics.RouteTemplate
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, route.ID, routes[0].ID)

	rr = serve(t, h, "GET", "/reqorder/route_paths/"+route.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats struct {
		All    metrics.Statistic            `json:"statistic_all"`
		Hourly map[string]metrics.Statistic `json:"hourly_statistics"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.All.HTTPRequestsCount)
	assert.Equal(t, int64(3), stats.Hourly["8"].HTTPRequestsCount)

	rr = serve(t, h, "GET", "/reqorder/route_paths/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTrailingStatistics(t *testing.T) {
	h, store := newTestHandler(t)
	route := seedRoute(t, store, 8, 2)

	for _, path := range []string{"/reqorder/route_paths/24_statistics", "/reqorder/route_paths/24_statistics?route_id=" + route.ID} {
		rr := serve(t, h, "GET", path, "")
		require.Equal(t, http.StatusOK, rr.Code, path)

		var resp struct {
			Series []rollup.Point        `json:"series"`
			Fields map[string][]float64 `json:"fields"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Series, 24)
		last := resp.Series[23]
		assert.Equal(t, 8, last.Hour)
		assert.Equal(t, int64(2), last.HTTPRequestsCount)
		assert.Equal(t, 2.0, resp.Fields["http_requests_count"][23])
		assert.Equal(t, 9, resp.Series[0].Hour)
	}
}

func TestRequests(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	rule := &metrics.RecordingRule{HTTPHeader: "X-Debug", HTTPHeaderValue: "on", Enabled: true}
	require.NoError(t, store.SaveRecording(ctx, rule))

	req := &metrics.RequestRecord{Path: "/users/1", HTTPMethod: "GET", RecordingID: rule.ID, CreatedAt: testNow}
	require.NoError(t, store.CreateRequest(ctx, req))
	require.NoError(t, store.CreateRequest(ctx, &metrics.RequestRecord{Path: "/other", HTTPMethod: "GET", CreatedAt: testNow}))
	resp := &metrics.ResponseRecord{RequestID: req.ID, Status: 200, CreatedAt: testNow.Add(time.Second)}
	require.NoError(t, store.CreateResponse(ctx, resp))

	rr := serve(t, h, "GET", "/reqorder/requests?recording_id="+rule.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []metrics.RequestRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, req.ID, list[0].ID)
	require.NotNil(t, list[0].ResponseTime)
	assert.Equal(t, 1.0, *list[0].ResponseTime)

	rr = serve(t, h, "GET", "/reqorder/requests?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, h, "GET", "/reqorder/responses/"+resp.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var gotResp metrics.ResponseRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &gotResp))
	assert.Equal(t, req.ID, gotResp.RequestID)

	rr = serve(t, h, "GET", "/reqorder/requests/"+req.ID, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFaults(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	key := metrics.FaultKey{ExceptionClass: "*errors.errorString", FilePath: "handlers/users.go", Line: 10, Environment: "test"}

	var fault metrics.Fault
	for i := 0; i < maxFaultExceptionIDs+5; i++ {
		var err error
		fault, err = store.UpsertFault(ctx, key, fmt.Sprintf("boom %d", i), testNow)
		require.NoError(t, err)
		require.NoError(t, store.CreateOccurrence(ctx, &metrics.ExceptionOccurrence{FaultID: fault.ID, ExceptionClass: key.ExceptionClass, CreatedAt: testNow}))
	}

	rr := serve(t, h, "GET", "/reqorder/faults/"+fault.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var view struct {
		ID              string   `json:"id"`
		ExceptionsCount int64    `json:"exceptions_count"`
		ExceptionIDs    []string `json:"exception_ids"`
		Resolved        bool     `json:"resolved"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, int64(maxFaultExceptionIDs+5), view.ExceptionsCount)
	assert.Len(t, view.ExceptionIDs, maxFaultExceptionIDs)

	rr = serve(t, h, "PUT", "/reqorder/faults/"+fault.ID, `{"resolved":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.True(t, view.Resolved)

	rr = serve(t, h, "PUT", "/reqorder/faults/"+fault.ID, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, h, "GET", "/reqorder/faults", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, h, "GET", "/reqorder/exceptions?fault_id="+fault.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var occs []metrics.ExceptionOccurrence
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &occs))
	assert.Len(t, occs, maxFaultExceptionIDs+5)

	rr = serve(t, h, "GET", "/reqorder/exceptions/"+occs[0].ID, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRecordings(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serve(t, h, "POST", "/reqorder/recordings", `{"http_header":"X-Debug","http_header_value":"on"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var rule metrics.RecordingRule
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rule))
	assert.NotEmpty(t, rule.ID)
	assert.True(t, rule.Enabled)

	rr = serve(t, h, "PUT", "/reqorder/recordings/"+rule.ID, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rule))
	assert.False(t, rule.Enabled)
	assert.Equal(t, "X-Debug", rule.HTTPHeader)

	rr = serve(t, h, "GET", "/reqorder/recordings", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rules []metrics.RecordingRule
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rules))
	assert.Len(t, rules, 1)

	rr = serve(t, h, "DELETE", "/reqorder/recordings/"+rule.ID, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = serve(t, h, "GET", "/reqorder/recordings/"+rule.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, h, "POST", "/reqorder/recordings", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := serve(t, h, "GET", "/reqorder/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "reqorder_test_total")
}
