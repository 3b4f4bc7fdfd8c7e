// Package sql opens database handles traced with OpenTelemetry.
package sql

import (
	"database/sql"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
)

// Open opens a database through the registered driver driverName and
// records a span for each query. attrs are added to every span.
func Open(driverName, dataSourceName string, attrs ...attribute.KeyValue) (*sql.DB, error) {
	db, err := otelsql.Open(driverName, dataSourceName,
		otelsql.WithAttributes(attrs...),
		otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
