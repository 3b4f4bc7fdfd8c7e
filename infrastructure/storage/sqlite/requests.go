package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

const requestColumns = "id, ip, url, scheme, base_url, port, path, full_path, http_method, headers, params, body, " +
	"ssl, xhr, response_time, recording_id, route_id, response_id, created_at, updated_at"

const responseColumns = "id, request_id, recording_id, headers, status, body, length, response_time, created_at, updated_at"

// CreateRequest stores a captured request and counts it against its
// recording rule.
func (s *Store) CreateRequest(ctx context.Context, req *metrics.RequestRecord) error {
	if req.ID == "" {
		req.ID = s.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.UpdatedAt = req.CreatedAt

	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return err
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO requests (`+requestColumns+`) VALUES (`+placeholders(20)+`)`,
			req.ID, req.IP, req.URL, req.Scheme, req.BaseURL, req.Port, req.Path, req.FullPath, req.HTTPMethod,
			string(headers), string(params), req.Body, req.SSL, req.XHR, req.ResponseTime,
			req.RecordingID, req.RouteID, req.ResponseID, unixNano(req.CreatedAt), unixNano(req.UpdatedAt)); err != nil {
			return err
		}
		if req.RecordingID == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, `UPDATE recordings SET requests_count = requests_count + 1 WHERE id = ?`, req.RecordingID)
		return err
	})
}

// CreateResponse stores a captured response and back-propagates its
// response time onto the request.
func (s *Store) CreateResponse(ctx context.Context, resp *metrics.ResponseRecord) error {
	if resp.ID == "" {
		resp.ID = s.newID()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	resp.UpdatedAt = resp.CreatedAt

	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var requestCreated int64
		if err := tx.QueryRowContext(ctx, `SELECT created_at FROM requests WHERE id = ?`, resp.RequestID).Scan(&requestCreated); err != nil {
			return notFound(err)
		}
		resp.ResponseTime = resp.CreatedAt.Sub(fromUnixNano(requestCreated)).Seconds()

		if _, err := tx.ExecContext(ctx, `INSERT INTO responses (`+responseColumns+`) VALUES (`+placeholders(10)+`)`,
			resp.ID, resp.RequestID, resp.RecordingID, string(headers), resp.Status, resp.Body, resp.Length,
			resp.ResponseTime, unixNano(resp.CreatedAt), unixNano(resp.UpdatedAt)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE requests SET response_time = ?, response_id = ?, updated_at = ? WHERE id = ?`,
			resp.ResponseTime, resp.ID, unixNano(resp.CreatedAt), resp.RequestID)
		return err
	})
}

// GetRequest returns one captured request.
func (s *Store) GetRequest(ctx context.Context, id string) (*metrics.RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

// GetResponse returns one captured response.
func (s *Store) GetResponse(ctx context.Context, id string) (*metrics.ResponseRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE id = ?`, id)
	var resp metrics.ResponseRecord
	var headers string
	var created, updated int64
	err := row.Scan(&resp.ID, &resp.RequestID, &resp.RecordingID, &headers, &resp.Status, &resp.Body, &resp.Length,
		&resp.ResponseTime, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(headers), &resp.Headers); err != nil {
		return nil, err
	}
	resp.CreatedAt = fromUnixNano(created)
	resp.UpdatedAt = fromUnixNano(updated)
	return &resp, nil
}

// ListRequests returns captured requests newest first.
func (s *Store) ListRequests(ctx context.Context, filter domain.RequestFilter) ([]metrics.RequestRecord, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	var args []any
	if filter.RecordingID != "" {
		query += ` WHERE recording_id = ?`
		args = append(args, filter.RecordingID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []metrics.RequestRecord{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row scanner) (metrics.RequestRecord, error) {
	var r metrics.RequestRecord
	var headers, params string
	var responseTime sql.NullFloat64
	var created, updated int64
	err := row.Scan(&r.ID, &r.IP, &r.URL, &r.Scheme, &r.BaseURL, &r.Port, &r.Path, &r.FullPath, &r.HTTPMethod,
		&headers, &params, &r.Body, &r.SSL, &r.XHR, &responseTime,
		&r.RecordingID, &r.RouteID, &r.ResponseID, &created, &updated)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(headers), &r.Headers); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return r, err
	}
	if responseTime.Valid {
		rt := responseTime.Float64
		r.ResponseTime = &rt
	}
	r.CreatedAt = fromUnixNano(created)
	r.UpdatedAt = fromUnixNano(updated)
	return r, nil
}
