// Package reqorder is an in-process HTTP telemetry collector. It classifies
// every request of an application against its route table, folds status
// and latency into per-route statistics, records the traffic selected by
// header-matching rules, and groups panics into deduplicated faults.
package reqorder

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/fllarpy/reqorder/config"
	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
	"github.com/fllarpy/reqorder/exporter"
	"github.com/fllarpy/reqorder/infrastructure/storage/inmemory"
	redisstore "github.com/fllarpy/reqorder/infrastructure/storage/redis"
	"github.com/fllarpy/reqorder/infrastructure/storage/sqlite"
	insthttp "github.com/fllarpy/reqorder/instrumentation/http"
	"github.com/fllarpy/reqorder/internal/adapters/apmhttp"
	"github.com/fllarpy/reqorder/internal/application/collector"
	"github.com/fllarpy/reqorder/internal/application/routing"
	"github.com/fllarpy/reqorder/internal/ports/http_middleware"
	"github.com/fllarpy/reqorder/internal/ports/http_reporter"
	"github.com/fllarpy/reqorder/pkg/logger"
)

const version = "1.0.0"

// Option customises NewProbe.
type Option func(*options)

type options struct {
	logger *zap.Logger
	router *mux.Router
	store  domain.Store
}

// WithLogger sets the logger instead of building one from the config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRouter classifies requests with the route table of the application's
// router instead of the configured routes.
func WithRouter(r *mux.Router) Option {
	return func(o *options) { o.router = r }
}

// WithStore uses store instead of the configured storage driver.
func WithStore(s domain.Store) Option {
	return func(o *options) { o.store = s }
}

// Probe owns the collector and everything it writes to.
type Probe struct {
	cfg        config.Config
	logger     *zap.Logger
	tp         *sdktrace.TracerProvider
	registry   *prometheus.Registry
	store      domain.Store
	statistics *redisstore.Store
	collector  *collector.Collector
}

// NewProbe builds a Probe from cfg.
func NewProbe(ctx context.Context, cfg config.Config, opts ...Option) (*Probe, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		var err error
		if log, err = logger.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFile); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	storageExporter, err := exporter.NewStorageExporter(registry, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage exporter: %w", err)
	}
	res, err := newResource(cfg.ServiceName, version)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(storageExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	p := &Probe{cfg: cfg, logger: log, tp: tp, registry: registry, store: o.store}
	if err := p.openStores(ctx); err != nil {
		p.Shutdown(ctx)
		return nil, err
	}
	if err := p.seedRecordings(ctx); err != nil {
		p.Shutdown(ctx)
		return nil, err
	}

	copts := collector.Options{
		Config:     cfg,
		Store:      p.store,
		Logger:     log,
		Registerer: registry,
	}
	if p.statistics != nil {
		copts.Statistics = p.statistics
	}
	if o.router != nil {
		copts.Matcher = routing.NewMatcherFromRouter(o.router, cfg.UnmatchedRoute)
	}
	if p.collector, err = collector.New(copts); err != nil {
		p.Shutdown(ctx)
		return nil, err
	}

	log.Info("Probe initialized",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("statistics", cfg.Storage.Statistics),
		zap.Bool("request_monitoring", cfg.RequestMonitoring),
		zap.Bool("exception_monitoring", cfg.ExceptionMonitoring),
		zap.Bool("metrics_monitoring", cfg.MetricsMonitoring))
	return p, nil
}

func (p *Probe) openStores(ctx context.Context) error {
	if p.store == nil {
		switch p.cfg.Storage.Driver {
		case "", "memory":
			p.store = inmemory.NewStoreWithCapacity(p.cfg.Storage.Capacity)
		case "sqlite":
			dsn := p.cfg.Storage.DSN
			if dsn == "" {
				dsn = "file:reqorder.db"
			}
			s, err := sqlite.Open(ctx, dsn, p.logger)
			if err != nil {
				return err
			}
			p.store = s
		default:
			return fmt.Errorf("unknown storage driver %q", p.cfg.Storage.Driver)
		}
	}

	switch p.cfg.Storage.Statistics {
	case "":
	case "redis":
		r := p.cfg.Redis
		s, err := redisstore.Dial(ctx, r.Addr, r.Password, r.DB, r.Prefix)
		if err != nil {
			return err
		}
		p.statistics = s
	default:
		return fmt.Errorf("unknown statistics store %q", p.cfg.Storage.Statistics)
	}
	return nil
}

// seedRecordings stores the configured recording rules that do not exist
// yet. Rules are matched on header and value.
func (p *Probe) seedRecordings(ctx context.Context) error {
	if len(p.cfg.Recordings) == 0 {
		return nil
	}
	existing, err := p.store.ListRecordings(ctx)
	if err != nil {
		return fmt.Errorf("%w: list recordings: %w", domain.ErrStorageUnavailable, err)
	}
	have := make(map[[2]string]bool, len(existing))
	for _, r := range existing {
		have[[2]string{r.HTTPHeader, r.HTTPHeaderValue}] = true
	}
	for _, rc := range p.cfg.Recordings {
		if have[[2]string{rc.Header, rc.Value}] {
			continue
		}
		rule := &metrics.RecordingRule{HTTPHeader: rc.Header, HTTPHeaderValue: rc.Value, Enabled: rc.Enabled}
		if err := p.store.SaveRecording(ctx, rule); err != nil {
			return fmt.Errorf("%w: seed recording %s: %w", domain.ErrStorageUnavailable, rc.Header, err)
		}
		have[[2]string{rc.Header, rc.Value}] = true
	}
	return nil
}

// Middleware returns the middleware that records every request. Requests
// are traced, and the span carries the resolved route template.
func (p *Probe) Middleware() func(http.Handler) http.Handler {
	record := http_middleware.Middleware(p.collector, http_middleware.Options{
		MaxBodyBytes: p.cfg.MaxBodyBytes,
		Logger:       p.logger,
	})
	return func(next http.Handler) http.Handler {
		return insthttp.NewMiddleware(record(next), p.cfg.ServiceName)
	}
}

// APIHandler serves the read API under the configured prefix.
func (p *Probe) APIHandler() http.Handler {
	var statistics domain.StatisticStore
	if p.statistics != nil {
		statistics = p.statistics
	}
	return http_reporter.NewHandler(p.store, statistics, nil, http_reporter.Options{
		Prefix:   p.cfg.API.Prefix,
		Gatherer: p.registry,
		Logger:   p.logger,
	})
}

// Client returns a copy of base whose requests are traced and carry the
// recording header of the inbound request they are made for.
func (p *Probe) Client(base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		*client = *base
	}
	client.Transport = insthttp.NewTransport(apmhttp.NewTransport(client.Transport))
	return client
}

// Store returns the store the probe writes to.
func (p *Probe) Store() domain.Store {
	return p.store
}

// Logger returns the probe's logger.
func (p *Probe) Logger() *zap.Logger {
	return p.logger
}

// Shutdown flushes traces and closes the stores.
func (p *Probe) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
	}
	if p.statistics != nil {
		if err := p.statistics.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close statistics store: %w", err))
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	p.logger.Sync()
	return errors.Join(errs...)
}

func newResource(serviceName, serviceVersion string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
}
