package apmhttp

import (
	"bytes"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fllarpy/reqorder/internal/application/collector"
)

// NewRequest describes r for the collector. At most maxBody bytes of the
// body are captured; r.Body is replaced so the handler still reads the
// whole body.
func NewRequest(r *http.Request, maxBody int64) (collector.Request, error) {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host, port := splitHost(r.Host, scheme)
	base := scheme + "://" + r.Host

	req := collector.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		FullPath: r.URL.RequestURI(),
		URL:      base + r.URL.RequestURI(),
		Scheme:   scheme,
		BaseURL:  base,
		Port:     port,
		IP:       clientIP(r),
		Headers:  r.Header.Clone(),
		Params:   map[string][]string(r.URL.Query()),
		TLS:      scheme == "https",
		XHR:      strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest"),
	}
	if host == "" {
		req.BaseURL = ""
		req.URL = r.URL.RequestURI()
	}

	body, err := readBody(r, maxBody)
	if err != nil {
		return req, err
	}
	req.Body = body

	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/x-www-form-urlencoded" && len(body) > 0 {
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k, vs := range form {
				req.Params[k] = append(req.Params[k], vs...)
			}
		}
	}
	return req, nil
}

func readBody(r *http.Request, maxBody int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody || maxBody <= 0 {
		return nil, nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	return head, nil
}

func splitHost(hostport, scheme string) (string, int) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	if port, err := strconv.Atoi(p); err == nil {
		return host, port
	}
	if scheme == "https" {
		return host, 443
	}
	return host, 80
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
