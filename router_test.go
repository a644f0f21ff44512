package archimedes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterMatchRegisteredRoute(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/health", "healthCheck"))

	opID, params, ok := r.Match("GET", "/health")
	require.True(t, ok)
	assert.Equal(t, "healthCheck", opID)
	assert.Empty(t, params)
}

func TestRouterParamBinding(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/users/{id}", "getUser"))

	opID, params, ok := r.Match("GET", "/users/42")
	require.True(t, ok)
	assert.Equal(t, "getUser", opID)
	require.Len(t, params, 1)
	assert.Equal(t, "id", params[0].Name)
	assert.Equal(t, "42", params[0].Value)

	_, _, ok = r.Match("GET", "/users/42/extra")
	assert.False(t, ok)
}

func TestRouterLiteralShadowsParam(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/users/{id}", "getUser"))
	require.NoError(t, r.Route("GET", "/users/me", "getCurrentUser"))

	opID, params, ok := r.Match("GET", "/users/me")
	require.True(t, ok)
	assert.Equal(t, "getCurrentUser", opID)
	assert.Empty(t, params)
}

func TestRouterWildcardCapturesRemainder(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/assets/*path", "serveAsset"))

	opID, params, ok := r.Match("GET", "/assets/js/app.js")
	require.True(t, ok)
	assert.Equal(t, "serveAsset", opID)
	require.Len(t, params, 1)
	assert.Equal(t, "path", params[0].Name)
	assert.Equal(t, "js/app.js", params[0].Value)
}

func TestRouterWildcardCapturesRemainderWithRepeatedSegment(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/a/*rest", "serveA"))

	opID, params, ok := r.Match("GET", "/a/a/b")
	require.True(t, ok)
	assert.Equal(t, "serveA", opID)
	require.Len(t, params, 1)
	assert.Equal(t, "a/b", params[0].Value)
}

func TestRouterMethodNotAllowedDistinctFromNotFound(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/orders", "listOrders"))

	_, _, ok := r.Match("DELETE", "/orders")
	assert.False(t, ok)
	assert.True(t, r.MatchPathOnly("/orders"))
	assert.False(t, r.MatchPathOnly("/nonexistent"))
}

func TestRouterTrailingSlashNormalization(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/users", "listUsers"))

	_, _, ok := r.Match("GET", "/users/")
	assert.True(t, ok)
}

func TestRouterEmptyPathNormalizesToRoot(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/", "root"))

	opID, _, ok := r.Match("GET", "")
	require.True(t, ok)
	assert.Equal(t, "root", opID)
}

func TestRouterNestPreservesMatchSet(t *testing.T) {
	inner := NewRouter()
	require.NoError(t, inner.Route("GET", "/widgets/{id}", "getWidget"))

	outer := NewRouter()
	require.NoError(t, outer.Nest("/api/v1", inner))

	opID, params, ok := outer.Match("GET", "/api/v1/widgets/7")
	require.True(t, ok)
	assert.Equal(t, "getWidget", opID)
	require.Len(t, params, 1)
	assert.Equal(t, "7", params[0].Value)
}

func TestRouterMergeIsStructuralUnion(t *testing.T) {
	a := NewRouter()
	require.NoError(t, a.Route("GET", "/a", "opA"))
	b := NewRouter()
	require.NoError(t, b.Route("GET", "/b", "opB"))

	require.NoError(t, a.Merge(b))

	_, _, ok := a.Match("GET", "/a")
	assert.True(t, ok)
	_, _, ok = a.Match("GET", "/b")
	assert.True(t, ok)
}

func TestRouterDuplicateRouteOverwrites(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Route("GET", "/users", "listUsersV1"))
	require.NoError(t, r.Route("GET", "/users", "listUsersV2"))

	opID, _, ok := r.Match("GET", "/users")
	require.True(t, ok)
	assert.Equal(t, "listUsersV2", opID)
}

func TestRouterRejectsDuplicateParamNames(t *testing.T) {
	r := NewRouter()
	err := r.Insert("/a/{id}/b/{id}", map[string]string{"GET": "x"})
	assert.Error(t, err)
}

func TestRouterRejectsWildcardNotLast(t *testing.T) {
	r := NewRouter()
	err := r.Insert("/a/*rest/b", map[string]string{"GET": "x"})
	assert.Error(t, err)
}
