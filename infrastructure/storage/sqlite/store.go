// Package sqlite implements domain.Store on SQLite. Every statistic
// increment is a single upsert statement, so concurrent processes sharing
// one database file never lose an update.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
	instsql "github.com/fllarpy/reqorder/instrumentation/sql"
)

//go:embed migrations/*.sql
var migrations embed.FS

const driverName = "sqlite3"

var _ domain.Store = (*Store)(nil)

// Store is a domain.Store backed by a SQLite database.
type Store struct {
	db     *sql.DB
	routes *ristretto.Cache[string, metrics.RouteTemplate]
	logger *zap.Logger
	newID  func() string
}

// Open opens the database at dsn, a go-sqlite3 data source such as
// "file:reqorder.db", and applies pending migrations.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := instsql.Open(driverName, withPragmas(dsn), semconv.DBSystemSqlite)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", domain.ErrStorageUnavailable, err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, metrics.RouteTemplate]{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: route cache: %w", err)
	}

	return &Store{db: db, routes: cache, logger: logger, newID: uuid.NewString}, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_foreign_keys=on"
}

func migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	// Package-level goose state belongs to the host application.
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	results, err := provider.Up(runCtx)
	if err != nil {
		return fmt.Errorf("%w: apply migrations: %w", domain.ErrStorageUnavailable, err)
	}
	logger.Debug("Applied migrations", zap.Int("count", len(results)))
	return nil
}

// Close releases the database and the route cache.
func (s *Store) Close() error {
	s.routes.Close()
	return s.db.Close()
}

// retry runs op until it succeeds, fails with an error other than a busy
// or locked database, or the backoff gives up.
func (s *Store) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil || busy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func busy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// --- Encoding ---

type scanner interface {
	Scan(dest ...any) error
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
