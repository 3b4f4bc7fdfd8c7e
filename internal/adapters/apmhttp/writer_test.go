package apmhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseWriter(t *testing.T) {
	testCases := []struct {
		name    string
		capture bool
		limit   int64
		write   func(w http.ResponseWriter)
		status  int
		body    string
		length  int64
	}{
		{"Implicit 200", true, 64, func(w http.ResponseWriter) { w.Write([]byte("hello")) }, http.StatusOK, "hello", 5},
		{"Nothing written", true, 64, func(w http.ResponseWriter) {}, http.StatusOK, "", 0},
		{"Explicit status", true, 64, func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("{}"))
		}, http.StatusCreated, "{}", 2},
		{"Early hints before status", true, 64, func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusEarlyHints)
			w.WriteHeader(http.StatusNotFound)
		}, http.StatusNotFound, "", 0},
		{"Early hints before body", true, 64, func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusEarlyHints)
			w.Write([]byte("ok"))
		}, http.StatusOK, "ok", 2},
		{"Switching protocols", true, 64, func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		}, http.StatusSwitchingProtocols, "", 0},
		{"Capture off", false, 64, func(w http.ResponseWriter) { w.Write([]byte("hidden")) }, http.StatusOK, "", 6},
		{"Truncated", true, 3, func(w http.ResponseWriter) {
			w.Write([]byte("ab"))
			w.Write([]byte("cdef"))
		}, http.StatusOK, "abc", 6},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := NewResponseWriter(rec, tc.capture, tc.limit)
			tc.write(rw)

			resp := rw.Response()
			assert.Equal(t, tc.status, resp.Status)
			assert.Equal(t, tc.body, string(resp.Body))
			assert.Equal(t, tc.length, resp.Length)
		})
	}
}

func TestResponseWriter_KeepsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec, true, 64)
	rw.Header().Set("Content-Type", "text/plain")
	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusTeapot)

	resp := rw.Response()
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "text/plain", resp.Headers.Get("Content-Type"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
