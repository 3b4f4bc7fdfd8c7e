// Package exporter turns the database client spans recorded by the traced
// storage driver into Prometheus metrics of the collector's own storage.
package exporter

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var _ sdktrace.SpanExporter = (*StorageExporter)(nil)

// StorageExporter observes the latency and failures of storage queries.
// Spans that are not database client spans are ignored.
type StorageExporter struct {
	latency *prometheus.HistogramVec
	errors  *prometheus.CounterVec
	logger  *zap.Logger
}

// NewStorageExporter registers its metrics on reg.
func NewStorageExporter(reg prometheus.Registerer, logger *zap.Logger) (*StorageExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StorageExporter{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reqorder",
			Name:      "storage_query_seconds",
			Help:      "Latency of storage queries by database system and operation",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 9),
		}, []string{"system", "operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqorder",
			Name:      "storage_query_errors_total",
			Help:      "Count of failed storage queries by database system and operation",
		}, []string{"system", "operation"}),
		logger: logger,
	}
	if reg == nil {
		return e, nil
	}
	if err := reg.Register(e.latency); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		e.latency = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	if err := reg.Register(e.errors); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		e.errors = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return e, nil
}

func (e *StorageExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		if span.SpanKind() != trace.SpanKindClient {
			continue
		}
		system := ""
		for _, attr := range span.Attributes() {
			if attr.Key == semconv.DBSystemKey {
				system = attr.Value.AsString()
				break
			}
		}
		if system == "" {
			continue
		}

		duration := span.EndTime().Sub(span.StartTime())
		e.latency.WithLabelValues(system, span.Name()).Observe(duration.Seconds())
		if span.Status().Code == codes.Error {
			e.errors.WithLabelValues(system, span.Name()).Inc()
			e.logger.Debug("Storage query failed",
				zap.String("system", system),
				zap.String("operation", span.Name()),
				zap.String("error", span.Status().Description),
				zap.Duration("duration", duration))
		}
	}
	return nil
}

func (e *StorageExporter) Shutdown(ctx context.Context) error {
	return nil
}
