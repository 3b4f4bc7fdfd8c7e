// Package faults groups application exceptions into deduplicated faults.
package faults

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

// Descriptor is the structured form of a raised exception.
type Descriptor struct {
	Class     string
	Message   string
	Backtrace []string
}

// Deduplicator records exceptions as occurrences of faults identified by
// class, faulting file and line, and environment.
type Deduplicator struct {
	store       domain.FaultStore
	cleaner     *BacktraceCleaner
	source      afero.Fs
	environment string
	logger      *zap.Logger
	now         func() time.Time
}

// NewDeduplicator returns a Deduplicator. source is rooted at the
// application root; it may be nil, in which case snippets are empty.
func NewDeduplicator(store domain.FaultStore, cleaner *BacktraceCleaner, source afero.Fs, environment string, logger *zap.Logger, now func() time.Time) *Deduplicator {
	if cleaner == nil {
		cleaner = NewBacktraceCleaner()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{
		store:       store,
		cleaner:     cleaner,
		source:      source,
		environment: environment,
		logger:      logger,
		now:         now,
	}
}

// Record stores one occurrence of desc. requestID links the occurrence to a
// captured request and may be empty. A missing backtrace or source file
// degrades the records; only store failures are returned.
func (d *Deduplicator) Record(ctx context.Context, desc Descriptor, requestID string) (metrics.Fault, metrics.ExceptionOccurrence, error) {
	appTrace := d.cleaner.Clean(desc.Backtrace)

	var path string
	var line int
	switch {
	case len(appTrace) > 0:
		path, line = ParseFrame(appTrace[0])
	case len(desc.Backtrace) > 0:
		path, line = ParseFrame(desc.Backtrace[0])
	}
	path = strings.TrimPrefix(path, "/")

	key := metrics.FaultKey{
		ExceptionClass: desc.Class,
		FilePath:       path,
		Line:           line,
		Environment:    d.environment,
	}
	now := d.now().UTC()

	occ := metrics.ExceptionOccurrence{
		RequestID:        requestID,
		ExceptionClass:   desc.Class,
		Message:          desc.Message,
		ApplicationTrace: appTrace,
		FullTrace:        desc.Backtrace,
		FilePath:         path,
		Line:             line,
		CreatedAt:        now,
	}

	fault, err := d.store.UpsertFault(ctx, key, desc.Message, now)
	if err != nil {
		return fault, occ, fmt.Errorf("%w: upsert fault %s at %s:%d: %w", domain.ErrStorageUnavailable, key.ExceptionClass, path, line, err)
	}
	occ.FaultID = fault.ID

	snippet, err := SourceSnippet(d.source, path, line)
	if err != nil {
		d.logger.Debug("Source snippet unavailable", zap.String("path", path), zap.Int("line", line), zap.Error(err))
	}
	occ.SourceExtract = snippet

	if err := d.store.CreateOccurrence(ctx, &occ); err != nil {
		return fault, occ, fmt.Errorf("%w: create exception occurrence: %w", domain.ErrStorageUnavailable, err)
	}

	d.logger.Info("Fault recorded",
		zap.String("fault_id", fault.ID),
		zap.String("class", fault.ExceptionClass),
		zap.String("location", fmt.Sprintf("%s:%d", path, line)),
		zap.Int64("count", fault.ExceptionsCount))
	return fault, occ, nil
}
