package http_reporter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
	"github.com/fllarpy/reqorder/internal/application/rollup"
)

// maxFaultExceptionIDs bounds the exception ids listed on a fault.
const maxFaultExceptionIDs = 100

// Options configures the read API.
type Options struct {
	// Prefix is the path the API is mounted under, e.g. "/reqorder".
	Prefix string
	// Gatherer backs /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type api struct {
	store      domain.Store
	statistics domain.StatisticStore
	rollup     *rollup.Aggregator
	logger     *zap.Logger
}

// NewHandler creates the read API over store. statistics overrides the
// statistic store of store when the two are split; it may be nil.
func NewHandler(store domain.Store, statistics domain.StatisticStore, aggregator *rollup.Aggregator, opts Options) http.Handler {
	if statistics == nil {
		statistics = store
	}
	if aggregator == nil {
		aggregator = rollup.NewAggregator(statistics, nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	a := &api{store: store, statistics: statistics, rollup: aggregator, logger: opts.Logger}

	root := mux.NewRouter()
	r := root
	if opts.Prefix != "" && opts.Prefix != "/" {
		r = root.PathPrefix(opts.Prefix).Subrouter()
	}

	r.HandleFunc("/route_paths", a.listRoutes).Methods(http.MethodGet)
	r.HandleFunc("/route_paths/24_statistics", a.trailingStatistics).Methods(http.MethodGet)
	r.HandleFunc("/route_paths/{id}", a.getRoute).Methods(http.MethodGet)

	r.HandleFunc("/requests", a.listRequests).Methods(http.MethodGet)
	r.HandleFunc("/requests/{id}", a.getRequest).Methods(http.MethodGet)
	r.HandleFunc("/responses/{id}", a.getResponse).Methods(http.MethodGet)

	r.HandleFunc("/faults", a.listFaults).Methods(http.MethodGet)
	r.HandleFunc("/faults/{id}", a.getFault).Methods(http.MethodGet)
	r.HandleFunc("/faults/{id}", a.updateFault).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/exceptions", a.listExceptions).Methods(http.MethodGet)
	r.HandleFunc("/exceptions/{id}", a.getException).Methods(http.MethodGet)

	r.HandleFunc("/recordings", a.listRecordings).Methods(http.MethodGet)
	r.HandleFunc("/recordings", a.createRecording).Methods(http.MethodPost)
	r.HandleFunc("/recordings/{id}", a.getRecording).Methods(http.MethodGet)
	r.HandleFunc("/recordings/{id}", a.updateRecording).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/recordings/{id}", a.deleteRecording).Methods(http.MethodDelete)

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return root
}

// --- Route statistics ---

func (a *api) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := a.statistics.ListRoutes(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, routes)
}

func (a *api) getRoute(w http.ResponseWriter, r *http.Request) {
	stats, err := a.statistics.GetRouteStatistics(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, stats)
}

type trailingResponse struct {
	RouteID string               `json:"route_id,omitempty"`
	Series  rollup.Series        `json:"series"`
	Fields  map[string][]float64 `json:"fields"`
}

func (a *api) trailingStatistics(w http.ResponseWriter, r *http.Request) {
	var ids []string
	routeID := r.URL.Query().Get("route_id")
	if routeID != "" {
		ids = append(ids, routeID)
	}
	series, err := a.rollup.Trailing24h(r.Context(), ids...)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, trailingResponse{RouteID: routeID, Series: series, Fields: series.Fields()})
}

// --- Captured traffic ---

func (a *api) listRequests(w http.ResponseWriter, r *http.Request) {
	filter := domain.RequestFilter{RecordingID: r.URL.Query().Get("recording_id")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	reqs, err := a.store.ListRequests(r.Context(), filter)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, reqs)
}

func (a *api) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, req)
}

func (a *api) getResponse(w http.ResponseWriter, r *http.Request) {
	resp, err := a.store.GetResponse(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, resp)
}

// --- Faults ---

type faultView struct {
	metrics.Fault
	ExceptionIDs []string `json:"exception_ids"`
}

func (a *api) faultView(r *http.Request, f metrics.Fault) (faultView, error) {
	occs, err := a.store.ListOccurrences(r.Context(), f.ID)
	if err != nil {
		return faultView{}, err
	}
	if len(occs) > maxFaultExceptionIDs {
		occs = occs[:maxFaultExceptionIDs]
	}
	ids := make([]string, len(occs))
	for i, o := range occs {
		ids[i] = o.ID
	}
	return faultView{Fault: f, ExceptionIDs: ids}, nil
}

func (a *api) listFaults(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListFaults(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	views := make([]faultView, 0, len(list))
	for _, f := range list {
		v, err := a.faultView(r, f)
		if err != nil {
			a.fail(w, err)
			return
		}
		views = append(views, v)
	}
	a.write(w, http.StatusOK, views)
}

func (a *api) getFault(w http.ResponseWriter, r *http.Request) {
	f, err := a.store.GetFault(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	v, err := a.faultView(r, *f)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, v)
}

type faultUpdate struct {
	Resolved *bool `json:"resolved"`
}

func (a *api) updateFault(w http.ResponseWriter, r *http.Request) {
	var body faultUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Resolved == nil {
		a.writeError(w, http.StatusBadRequest, "expected {\"resolved\": true|false}")
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.store.SetFaultResolved(r.Context(), id, *body.Resolved); err != nil {
		a.fail(w, err)
		return
	}
	a.getFault(w, r)
}

func (a *api) listExceptions(w http.ResponseWriter, r *http.Request) {
	occs, err := a.store.ListOccurrences(r.Context(), r.URL.Query().Get("fault_id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, occs)
}

func (a *api) getException(w http.ResponseWriter, r *http.Request) {
	occ, err := a.store.GetOccurrence(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, occ)
}

// --- Recordings ---

type recordingInput struct {
	HTTPHeader      string `json:"http_header"`
	HTTPHeaderValue string `json:"http_header_value"`
	Enabled         *bool  `json:"enabled"`
}

func (a *api) listRecordings(w http.ResponseWriter, r *http.Request) {
	rules, err := a.store.ListRecordings(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, rules)
}

func (a *api) getRecording(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetRecording(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, rule)
}

func (a *api) createRecording(w http.ResponseWriter, r *http.Request) {
	var in recordingInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.HTTPHeader == "" {
		a.writeError(w, http.StatusBadRequest, "http_header is required")
		return
	}
	rule := &metrics.RecordingRule{HTTPHeader: in.HTTPHeader, HTTPHeaderValue: in.HTTPHeaderValue, Enabled: true}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	if err := a.store.SaveRecording(r.Context(), rule); err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusCreated, rule)
}

func (a *api) updateRecording(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetRecording(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	var in recordingInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed recording")
		return
	}
	if in.HTTPHeader != "" {
		rule.HTTPHeader = in.HTTPHeader
	}
	if in.HTTPHeaderValue != "" {
		rule.HTTPHeaderValue = in.HTTPHeaderValue
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	if err := a.store.SaveRecording(r.Context(), rule); err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, rule)
}

func (a *api) deleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteRecording(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Encoding ---

func (a *api) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to encode API response", zap.Error(err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, msg string) {
	a.write(w, status, map[string]string{"error": msg})
}

func (a *api) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.logger.Error("API request failed", zap.Error(err))
	a.writeError(w, http.StatusInternalServerError, "internal error")
}
