// Package recording decides which requests are captured verbatim.
package recording

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

// Selector matches request headers against the enabled recording rules.
type Selector struct {
	rules domain.RecordingStore
}

// NewSelector returns a Selector reading rules from store.
func NewSelector(store domain.RecordingStore) *Selector {
	return &Selector{rules: store}
}

// Select returns the first enabled rule whose header carries exactly the
// configured value, or nil when none does.
func (s *Selector) Select(ctx context.Context, headers http.Header) (*metrics.RecordingRule, error) {
	rules, err := s.rules.EnabledRecordings(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list recordings: %w", domain.ErrStorageUnavailable, err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	normalized := NormalizeHeaders(headers)
	for i := range rules {
		rule := rules[i]
		if !rule.Enabled {
			continue
		}
		if v, ok := normalized[NormalizeHeaderName(rule.HTTPHeader)]; ok && v == rule.HTTPHeaderValue {
			return &rule, nil
		}
	}
	return nil, nil
}

// NormalizeHeaderName maps "X-Record-Me", "x_record_me" and the CGI form
// "HTTP_X_RECORD_ME" to the same key.
func NormalizeHeaderName(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	return strings.TrimPrefix(n, "HTTP_")
}

// NormalizeHeaders flattens h into normalized names, dropping the Cookie
// header. Repeated values are joined with ", ".
func NormalizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := NormalizeHeaderName(name)
		if key == "COOKIE" {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// CaptureHeaders flattens h for storage, keeping canonical names and
// dropping the Cookie header.
func CaptureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if http.CanonicalHeaderKey(name) == "Cookie" {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = strings.Join(values, ", ")
	}
	return out
}
