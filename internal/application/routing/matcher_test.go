package routing

import (
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/reqorder/domain"
)

func newTestMatcher(t *testing.T) *Matcher {
	var routes []Route
	for _, s := range []string{
		"GET /users/:id",
		"PUT /users/:id",
		"/users",
		"GET /users/:user_id/posts/:id",
		"GET /assets/*file",
	} {
		r, err := ParseRoute(s)
		require.NoError(t, err)
		routes = append(routes, r)
	}
	m, err := NewMatcher(routes, UnmatchedTemplate)
	require.NoError(t, err)
	return m
}

func TestMatcher_Resolve(t *testing.T) {
	m := newTestMatcher(t)

	testCases := []struct {
		path, method string
		template     string
	}{
		{"/users/42", "GET", "/users/:id"},
		{"/users/7", "get", "/users/:id"},
		{"/users/7", "PUT", "/users/:id"},
		{"/users", "POST", "/users"},
		{"/users/3/posts/9", "GET", "/users/:user_id/posts/:id"},
		{"/assets/css/site.css", "GET", "/assets/*file"},
		{"/nowhere", "GET", UnmatchedTemplate},
		{"/users/7", "DELETE", UnmatchedTemplate},
		{"", "GET", UnmatchedTemplate},
		{"/%%%/..", "GET", UnmatchedTemplate},
	}
	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rt, err := m.Resolve(tc.path, tc.method)
			require.NoError(t, err)
			assert.Equal(t, tc.template, rt.Template)
		})
	}
}

func TestMatcher_Idempotent(t *testing.T) {
	m := newTestMatcher(t)

	a, err := m.Resolve("/users/42", "GET")
	require.NoError(t, err)
	b, err := m.Resolve("/users/7", "GET")
	require.NoError(t, err)
	c, err := m.Resolve("/users/42", "GET")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Equal(t, "GET /users/:id", a.Key())
}

func TestMatcher_FromApplicationRouter(t *testing.T) {
	router := mux.NewRouter()
	noop := func(http.ResponseWriter, *http.Request) {}
	router.HandleFunc("/orders/{id:[0-9]+}", noop).Methods(http.MethodGet)
	router.HandleFunc("/orders/{slug}", noop)

	m := NewMatcherFromRouter(router, UnmatchedTemplate)

	rt, err := m.Resolve("/orders/12", "GET")
	require.NoError(t, err)
	assert.Equal(t, "/orders/:id", rt.Template)

	rt, err = m.Resolve("/orders/latest", "GET")
	require.NoError(t, err)
	assert.Equal(t, "/orders/:slug", rt.Template)
}

func TestMatcher_NoFallback(t *testing.T) {
	m, err := NewMatcher(nil, "")
	require.NoError(t, err)

	_, err = m.Resolve("/anything", "GET")
	assert.ErrorIs(t, err, domain.ErrClassificationFailure)
}

func TestParseRoute(t *testing.T) {
	r, err := ParseRoute("post /users")
	require.NoError(t, err)
	assert.Equal(t, Route{Method: "POST", Template: "/users"}, r)

	_, err = ParseRoute("GET users")
	assert.Error(t, err)
	_, err = ParseRoute("GET /a /b")
	assert.Error(t, err)
}
