package sqlite

import (
	"context"
	"time"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

const recordingColumns = "id, http_header, http_header_value, enabled, requests_count, created_at, updated_at"

// EnabledRecordings returns the enabled rules in creation order.
func (s *Store) EnabledRecordings(ctx context.Context) ([]metrics.RecordingRule, error) {
	return s.queryRecordings(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE enabled = 1 ORDER BY created_at, rowid`)
}

// ListRecordings returns every rule in creation order.
func (s *Store) ListRecordings(ctx context.Context) ([]metrics.RecordingRule, error) {
	return s.queryRecordings(ctx, `SELECT `+recordingColumns+` FROM recordings ORDER BY created_at, rowid`)
}

// GetRecording returns one rule.
func (s *Store) GetRecording(ctx context.Context, id string) (*metrics.RecordingRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rule, err := scanRecording(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &rule, nil
}

// SaveRecording creates rule when its ID is empty or unknown, otherwise it
// replaces the header match and enabled flag of the stored rule.
func (s *Store) SaveRecording(ctx context.Context, rule *metrics.RecordingRule) error {
	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = s.newID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO recordings (`+recordingColumns+`) VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				http_header = excluded.http_header,
				http_header_value = excluded.http_header_value,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at`,
			rule.ID, rule.HTTPHeader, rule.HTTPHeaderValue, rule.Enabled, unixNano(rule.CreatedAt), unixNano(now))
		return err
	})
	if err != nil {
		return err
	}

	stored, err := s.GetRecording(ctx, rule.ID)
	if err != nil {
		return err
	}
	*rule = *stored
	return nil
}

// DeleteRecording removes a rule. Captured requests keep their reference.
func (s *Store) DeleteRecording(ctx context.Context, id string) error {
	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
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

func (s *Store) queryRecordings(ctx context.Context, query string, args ...any) ([]metrics.RecordingRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []metrics.RecordingRule{}
	for rows.Next() {
		rule, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRecording(row scanner) (metrics.RecordingRule, error) {
	var r metrics.RecordingRule
	var created, updated int64
	if err := row.Scan(&r.ID, &r.HTTPHeader, &r.HTTPHeaderValue, &r.Enabled, &r.RequestsCount, &created, &updated); err != nil {
		return r, err
	}
	r.CreatedAt = fromUnixNano(created)
	r.UpdatedAt = fromUnixNano(updated)
	return r, nil
}
