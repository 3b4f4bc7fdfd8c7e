package metrics

import (
	"sort"
	"time"
)

// RecordingRule selects live traffic for full capture by matching one
// request header against an expected value.
type RecordingRule struct {
	ID              string    `json:"id"`
	HTTPHeader      string    `json:"http_header"`
	HTTPHeaderValue string    `json:"http_header_value"`
	Enabled         bool      `json:"enabled"`
	RequestsCount   int64     `json:"requests_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RequestRecord is the verbatim capture of an inbound request.
type RequestRecord struct {
	ID           string              `json:"id"`
	IP           string              `json:"ip"`
	URL          string              `json:"url"`
	Scheme       string              `json:"scheme"`
	BaseURL      string              `json:"base_url"`
	Port         int                 `json:"port"`
	Path         string              `json:"path"`
	FullPath     string              `json:"full_path"`
	HTTPMethod   string              `json:"http_method"`
	Headers      map[string]string   `json:"headers"`
	Params       map[string][]string `json:"params"`
	Body         string              `json:"body"`
	SSL          bool                `json:"ssl"`
	XHR          bool                `json:"xhr"`
	ResponseTime *float64            `json:"response_time"`
	RecordingID  string              `json:"recording_id,omitempty"`
	RouteID      string              `json:"route_id,omitempty"`
	ResponseID   string              `json:"response_id,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ParamKeys returns the names of the captured params.
func (r *RequestRecord) ParamKeys() []string {
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResponseRecord is the verbatim capture of the response to a
// RequestRecord. ResponseTime is derived from the two creation times.
type ResponseRecord struct {
	ID           string            `json:"id"`
	RequestID    string            `json:"request_id"`
	RecordingID  string            `json:"recording_id,omitempty"`
	Headers      map[string]string `json:"headers"`
	Status       int               `json:"status"`
	Body         string            `json:"body"`
	Length       int64             `json:"length"`
	ResponseTime float64           `json:"response_time"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// FaultKey is the identity of a fault.
type FaultKey struct {
	ExceptionClass string
	FilePath       string
	Line           int
	Environment    string
}

// Fault groups exception occurrences sharing class, location and
// environment.
type Fault struct {
	ID              string    `json:"id"`
	ExceptionClass  string    `json:"e_class"`
	FilePath        string    `json:"filepath"`
	Line            int       `json:"line"`
	Environment     string    `json:"environment"`
	Message         string    `json:"message"`
	ExceptionsCount int64     `json:"exceptions_count"`
	Resolved        bool      `json:"resolved"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Key returns the identity of f.
func (f Fault) Key() FaultKey {
	return FaultKey{
		ExceptionClass: f.ExceptionClass,
		FilePath:       f.FilePath,
		Line:           f.Line,
		Environment:    f.Environment,
	}
}

// ExceptionOccurrence is one raised exception belonging to a Fault.
type ExceptionOccurrence struct {
	ID               string         `json:"id"`
	FaultID          string         `json:"fault_id"`
	RequestID        string         `json:"request_id,omitempty"`
	ExceptionClass   string         `json:"e_class"`
	Message          string         `json:"message"`
	ApplicationTrace []string       `json:"application_trace"`
	FullTrace        []string       `json:"full_trace"`
	FilePath         string         `json:"filepath"`
	Line             int            `json:"line"`
	SourceExtract    map[int]string `json:"source_extract"`
	CreatedAt        time.Time      `json:"created_at"`
}
