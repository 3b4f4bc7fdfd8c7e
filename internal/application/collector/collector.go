package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fllarpy/reqorder/config"
	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
	"github.com/fllarpy/reqorder/internal/application/faults"
	"github.com/fllarpy/reqorder/internal/application/recording"
	"github.com/fllarpy/reqorder/internal/application/routing"
	"github.com/fllarpy/reqorder/internal/application/stats"
)

// Options wires a Collector.
type Options struct {
	Config config.Config
	// Matcher classifies paths; built from Config.Routes when nil.
	Matcher *routing.Matcher
	// Statistics defaults to Store.
	Statistics domain.StatisticStore
	Store      domain.Store
	// Source is the filesystem snippets are read from; an OS filesystem
	// rooted at Config.AppRoot when nil.
	Source     afero.Fs
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Collector runs the telemetry engine for each request/response cycle.
// None of its methods fail the exchange they observe: errors are logged
// and counted.
type Collector struct {
	cfg      config.Config
	matcher  *routing.Matcher
	selector *recording.Selector
	stats    *stats.Recorder
	routes   domain.StatisticStore
	faults   *faults.Deduplicator
	requests domain.RequestStore
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a Collector from opts.
func New(opts Options) (*Collector, error) {
	if opts.Store == nil {
		return nil, errors.New("collector: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Statistics == nil {
		opts.Statistics = opts.Store
	}

	matcher := opts.Matcher
	if matcher == nil {
		routes := make([]routing.Route, 0, len(opts.Config.Routes))
		for _, s := range opts.Config.Routes {
			r, err := routing.ParseRoute(s)
			if err != nil {
				return nil, err
			}
			routes = append(routes, r)
		}
		var err error
		if matcher, err = routing.NewMatcher(routes, opts.Config.UnmatchedRoute); err != nil {
			return nil, err
		}
	}

	cleaner, err := faults.NewCleaner(opts.Config.AppRoot, opts.Config.Backtrace.Silencers)
	if err != nil {
		return nil, fmt.Errorf("collector: backtrace silencers: %w", err)
	}
	source := opts.Source
	if source == nil && opts.Config.AppRoot != "" {
		source = afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), opts.Config.AppRoot))
	}

	return &Collector{
		cfg:      opts.Config,
		matcher:  matcher,
		selector: recording.NewSelector(opts.Store),
		stats:    stats.NewRecorder(opts.Statistics, opts.Logger, opts.Now),
		routes:   opts.Statistics,
		faults:   faults.NewDeduplicator(opts.Store, cleaner, source, opts.Config.Environment, opts.Logger, opts.Now),
		requests: opts.Store,
		metrics:  NewMetrics(opts.Registerer),
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

// Begin classifies the request and captures it when a recording rule
// matches.
func (c *Collector) Begin(ctx context.Context, req Request) *Exchange {
	ex := &Exchange{Request: req, Start: c.now()}

	route, err := c.matcher.Resolve(req.Path, req.Method)
	if err != nil {
		c.failed("classify", err)
		route = metrics.RouteTemplate{Template: req.Path, Method: req.Method}
	}
	ex.Route = route
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("http.route", route.Template))

	if !c.cfg.RequestMonitoring {
		return ex
	}

	rule, err := c.selector.Select(ctx, req.Headers)
	if err != nil {
		c.failed("select_recording", err)
		return ex
	}
	if rule == nil {
		return ex
	}
	ex.Recording = rule
	if rec, err := c.captureRequest(ctx, ex); err != nil {
		c.failed("capture_request", err)
	} else {
		ex.Captured = rec
		c.metrics.recordings.Inc()
	}
	return ex
}

// Complete folds the response into the statistics and stores it when the
// request was recorded.
func (c *Collector) Complete(ctx context.Context, ex *Exchange, resp Response) {
	c.recordStatistics(ctx, ex, resp.Status)

	if !c.cfg.RequestMonitoring || !ex.CapturesResponse() {
		return
	}
	record := &metrics.ResponseRecord{
		RequestID:   ex.Captured.ID,
		RecordingID: ex.Recording.ID,
		Headers:     recording.CaptureHeaders(resp.Headers),
		Status:      resp.Status,
		Body:        string(resp.Body),
		Length:      resp.Length,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.requests.CreateResponse(ctx, record); err != nil {
		c.failed("capture_response", fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err))
	}
}

// Fail records an exception raised by the downstream handler: the request
// is captured, the fault is recorded together with a 500 response, and the
// statistics count the exchange as a 500.
func (c *Collector) Fail(ctx context.Context, ex *Exchange, desc faults.Descriptor) {
	defer c.recordStatistics(ctx, ex, http.StatusInternalServerError)

	span := trace.SpanFromContext(ctx)
	span.RecordError(errors.New(desc.Message), trace.WithAttributes(attribute.String("exception.type", desc.Class)))
	span.SetStatus(codes.Error, desc.Message)

	if !c.cfg.ExceptionMonitoring {
		return
	}

	if ex.Captured == nil {
		if rec, err := c.captureRequest(ctx, ex); err != nil {
			c.failed("capture_request", err)
		} else {
			ex.Captured = rec
		}
	}

	var requestID string
	if ex.Captured != nil {
		requestID = ex.Captured.ID
	}
	if _, _, err := c.faults.Record(ctx, desc, requestID); err != nil {
		c.failed("record_fault", err)
	} else {
		c.metrics.faults.Inc()
	}

	if ex.Captured != nil {
		record := &metrics.ResponseRecord{
			RequestID: ex.Captured.ID,
			Status:    http.StatusInternalServerError,
			CreatedAt: c.now().UTC(),
		}
		if ex.Recording != nil {
			record.RecordingID = ex.Recording.ID
		}
		if err := c.requests.CreateResponse(ctx, record); err != nil {
			c.failed("capture_response", fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err))
		}
	}
}

func (c *Collector) recordStatistics(ctx context.Context, ex *Exchange, status int) {
	if !c.cfg.MetricsMonitoring {
		return
	}
	start := time.Now()
	_, err := c.stats.Record(ctx, stats.Observation{
		Route:      ex.Route,
		StatusCode: status,
		Latency:    c.now().Sub(ex.Start),
		XHR:        ex.Request.XHR,
		TLS:        ex.Request.TLS,
	})
	c.metrics.recordLag.Observe(time.Since(start).Seconds())
	if err != nil {
		c.failed("record_statistics", err)
		return
	}
	c.metrics.exchanges.WithLabelValues(statusClass(status)).Inc()
}

func (c *Collector) captureRequest(ctx context.Context, ex *Exchange) (*metrics.RequestRecord, error) {
	req := ex.Request
	body := req.Body
	if !utf8.Valid(body) {
		c.logger.Debug("Request body is not text", zap.String("path", req.Path), zap.Error(domain.ErrMalformedRequestBody))
		body = nil
	}

	rec := &metrics.RequestRecord{
		IP:         req.IP,
		URL:        req.URL,
		Scheme:     req.Scheme,
		BaseURL:    req.BaseURL,
		Port:       req.Port,
		Path:       req.Path,
		FullPath:   req.FullPath,
		HTTPMethod: req.Method,
		Headers:    recording.CaptureHeaders(req.Headers),
		Params:     req.Params,
		Body:       string(body),
		SSL:        req.TLS,
		XHR:        req.XHR,
		CreatedAt:  ex.Start.UTC(),
	}
	if ex.Recording != nil {
		rec.RecordingID = ex.Recording.ID
	} else if route, err := c.routes.UpsertRoute(ctx, ex.Route); err == nil {
		rec.RouteID = route.ID
	}

	if err := c.requests.CreateRequest(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: create request: %w", domain.ErrStorageUnavailable, err)
	}
	return rec, nil
}

// Contain recovers a panic raised while recording telemetry and counts it
// as a failure of stage. It only works when deferred directly.
func (c *Collector) Contain(stage string) {
	if r := recover(); r != nil {
		c.failed(stage, fmt.Errorf("recovered panic: %v", r))
	}
}

func (c *Collector) failed(stage string, err error) {
	c.metrics.errors.WithLabelValues(stage).Inc()
	c.logger.Warn("Telemetry recording failed", zap.String("stage", stage), zap.Error(err))
}
