package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

const faultColumns = "id, exception_class, file_path, line, environment, message, exceptions_count, resolved, " +
	"last_seen_at, created_at, updated_at"

const occurrenceColumns = "id, fault_id, request_id, exception_class, message, application_trace, full_trace, " +
	"file_path, line, source_extract, created_at"

// UpsertFault creates the fault identified by key or increments the
// existing one. The uniqueness constraint on the identity columns makes
// concurrent first occurrences converge on one row.
func (s *Store) UpsertFault(ctx context.Context, key metrics.FaultKey, message string, now time.Time) (metrics.Fault, error) {
	var fault metrics.Fault
	ts := unixNano(now)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO faults (`+faultColumns+`) VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?, ?, ?)
			ON CONFLICT (exception_class, file_path, line, environment) DO UPDATE SET
				exceptions_count = faults.exceptions_count + 1,
				message = excluded.message,
				last_seen_at = excluded.last_seen_at,
				updated_at = excluded.updated_at`,
			s.newID(), key.ExceptionClass, key.FilePath, key.Line, key.Environment, message, ts, ts, ts); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+faultColumns+` FROM faults
			WHERE exception_class = ? AND file_path = ? AND line = ? AND environment = ?`,
			key.ExceptionClass, key.FilePath, key.Line, key.Environment)
		var err error
		fault, err = scanFault(row)
		return err
	})
	return fault, err
}

// CreateOccurrence stores one exception occurrence.
func (s *Store) CreateOccurrence(ctx context.Context, occ *metrics.ExceptionOccurrence) error {
	if occ.ID == "" {
		occ.ID = s.newID()
	}
	if occ.CreatedAt.IsZero() {
		occ.CreatedAt = time.Now().UTC()
	}
	appTrace, err := json.Marshal(nonNil(occ.ApplicationTrace))
	if err != nil {
		return err
	}
	fullTrace, err := json.Marshal(nonNil(occ.FullTrace))
	if err != nil {
		return err
	}
	extract, err := json.Marshal(occ.SourceExtract)
	if err != nil {
		return err
	}

	return s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO exception_occurrences (`+occurrenceColumns+`) VALUES (`+placeholders(11)+`)`,
			occ.ID, occ.FaultID, occ.RequestID, occ.ExceptionClass, occ.Message, string(appTrace), string(fullTrace),
			occ.FilePath, occ.Line, string(extract), unixNano(occ.CreatedAt))
		return err
	})
}

// GetFault returns one fault.
func (s *Store) GetFault(ctx context.Context, id string) (*metrics.Fault, error) {
	f, err := scanFault(s.db.QueryRowContext(ctx, `SELECT `+faultColumns+` FROM faults WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// ListFaults returns faults most recently seen first.
func (s *Store) ListFaults(ctx context.Context) ([]metrics.Fault, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+faultColumns+` FROM faults ORDER BY last_seen_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []metrics.Fault{}
	for rows.Next() {
		f, err := scanFault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetFaultResolved flags a fault as resolved or open.
func (s *Store) SetFaultResolved(ctx context.Context, id string, resolved bool) error {
	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE faults SET resolved = ?, updated_at = ? WHERE id = ?`,
			resolved, unixNano(time.Now().UTC()), id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOccurrences returns occurrences newest first.
func (s *Store) ListOccurrences(ctx context.Context, faultID string) ([]metrics.ExceptionOccurrence, error) {
	query := `SELECT ` + occurrenceColumns + ` FROM exception_occurrences`
	var args []any
	if faultID != "" {
		query += ` WHERE fault_id = ?`
		args = append(args, faultID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []metrics.ExceptionOccurrence{}
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

// GetOccurrence returns one occurrence.
func (s *Store) GetOccurrence(ctx context.Context, id string) (*metrics.ExceptionOccurrence, error) {
	occ, err := scanOccurrence(s.db.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM exception_occurrences WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &occ, nil
}

func scanFault(row scanner) (metrics.Fault, error) {
	var f metrics.Fault
	var lastSeen, created, updated int64
	err := row.Scan(&f.ID, &f.ExceptionClass, &f.FilePath, &f.Line, &f.Environment, &f.Message,
		&f.ExceptionsCount, &f.Resolved, &lastSeen, &created, &updated)
	if err != nil {
		return f, err
	}
	f.LastSeenAt = fromUnixNano(lastSeen)
	f.CreatedAt = fromUnixNano(created)
	f.UpdatedAt = fromUnixNano(updated)
	return f, nil
}

func scanOccurrence(row scanner) (metrics.ExceptionOccurrence, error) {
	var o metrics.ExceptionOccurrence
	var appTrace, fullTrace, extract string
	var created int64
	err := row.Scan(&o.ID, &o.FaultID, &o.RequestID, &o.ExceptionClass, &o.Message, &appTrace, &fullTrace,
		&o.FilePath, &o.Line, &extract, &created)
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(appTrace), &o.ApplicationTrace); err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(fullTrace), &o.FullTrace); err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(extract), &o.SourceExtract); err != nil {
		return o, err
	}
	o.CreatedAt = fromUnixNano(created)
	return o, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
