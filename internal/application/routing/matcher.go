// Package routing classifies concrete request paths into route templates.
package routing

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

// UnmatchedTemplate is the default template of paths no route matches.
const UnmatchedTemplate = "unmatched"

// muxVar matches a gorilla/mux path variable with an optional pattern,
// e.g. "{id}" or "{id:[0-9]+}".
var muxVar = regexp.MustCompile(`\{([^{}:]+)(?::[^{}]*(?:\{[^{}]*\}[^{}]*)*)?\}`)

// Route is one entry of the route table.
type Route struct {
	// Method restricts the route; empty matches any method.
	Method string
	// Template uses ":name" for a segment parameter and "*name" for a
	// trailing wildcard, e.g. "/users/:id".
	Template string
}

// ParseRoute parses "METHOD /template" or "/template".
func ParseRoute(s string) (Route, error) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 1:
		return Route{Template: fields[0]}, validTemplate(fields[0])
	case 2:
		return Route{Method: strings.ToUpper(fields[0]), Template: fields[1]}, validTemplate(fields[1])
	default:
		return Route{}, fmt.Errorf("routing: invalid route %q", s)
	}
}

func validTemplate(t string) error {
	if !strings.HasPrefix(t, "/") {
		return fmt.Errorf("routing: template %q must start with /", t)
	}
	return nil
}

// Matcher resolves paths against a fixed gorilla/mux route table.
type Matcher struct {
	router    *mux.Router
	unmatched string
}

// NewMatcher builds a route table from routes. Routes are tried in order.
func NewMatcher(routes []Route, unmatched string) (*Matcher, error) {
	router := mux.NewRouter()
	for _, r := range routes {
		if err := validTemplate(r.Template); err != nil {
			return nil, err
		}
		route := router.NewRoute().Path(toMuxTemplate(r.Template))
		if r.Method != "" {
			route.Methods(strings.ToUpper(r.Method))
		}
		if err := route.GetError(); err != nil {
			return nil, fmt.Errorf("routing: route %q: %w", r.Template, err)
		}
	}
	return NewMatcherFromRouter(router, unmatched), nil
}

// NewMatcherFromRouter uses the route table of an application router.
func NewMatcherFromRouter(router *mux.Router, unmatched string) *Matcher {
	return &Matcher{router: router, unmatched: unmatched}
}

// Resolve maps a concrete path and method to its route template. Paths no
// route matches resolve to the unmatched template.
func (m *Matcher) Resolve(path, method string) (metrics.RouteTemplate, error) {
	method = strings.ToUpper(method)

	req := &http.Request{Method: method, URL: &url.URL{Path: path}, Header: http.Header{}}
	var match mux.RouteMatch
	if m.router != nil && m.router.Match(req, &match) && match.Route != nil {
		if tpl, err := match.Route.GetPathTemplate(); err == nil {
			return metrics.RouteTemplate{Template: fromMuxTemplate(tpl), Method: method}, nil
		}
	}

	if m.unmatched == "" {
		return metrics.RouteTemplate{}, fmt.Errorf("%w: %s %s", domain.ErrClassificationFailure, method, path)
	}
	return metrics.RouteTemplate{Template: m.unmatched, Method: method}, nil
}

// toMuxTemplate rewrites "/users/:id/*rest" into "/users/{id}/{rest:.*}".
func toMuxTemplate(t string) string {
	segments := strings.Split(t, "/")
	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, ":") && len(seg) > 1:
			segments[i] = "{" + seg[1:] + "}"
		case strings.HasPrefix(seg, "*") && len(seg) > 1:
			segments[i] = "{" + seg[1:] + ":.*}"
		}
	}
	return strings.Join(segments, "/")
}

// fromMuxTemplate rewrites mux variables back into ":name" form, and
// "{name:.*}" into "*name".
func fromMuxTemplate(t string) string {
	return muxVar.ReplaceAllStringFunc(t, func(v string) string {
		name := muxVar.FindStringSubmatch(v)[1]
		if strings.HasSuffix(v, ":.*}") {
			return "*" + name
		}
		return ":" + name
	})
}
