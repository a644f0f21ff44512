package middleware

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/themis-platform/archimedes"
)

func passThrough(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
	return archimedes.NewResponse(http.StatusOK, nil), nil
}

func TestAllowAllPasses(t *testing.T) {
	ctx := newTestContext(http.MethodGet, "/widgets", nil)
	resp, err := AllowAll().Gas(passThrough)(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestDenyAllRejects(t *testing.T) {
	ctx := newTestContext(http.MethodGet, "/widgets", nil)
	resp, err := DenyAll().Gas(passThrough)(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestRbacAllowsMatchingRole(t *testing.T) {
	ctx := newTestContext(http.MethodGet, "/widgets", map[string]string{
		"X-User-Id":    "u1",
		"X-User-Roles": "admin",
	})
	ctx.Identity = archimedes.NewUserIdentity("u1", "", "", []string{"admin"})
	ctx.OperationID = "deleteWidget"

	stage := Rbac(map[string][]string{"admin": {"deleteWidget"}}, nil, false)
	resp, err := stage.Gas(passThrough)(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestRbacDeniesMissingRole(t *testing.T) {
	ctx := newTestContext(http.MethodGet, "/widgets", nil)
	ctx.Identity = archimedes.NewUserIdentity("u1", "", "", []string{"viewer"})
	ctx.OperationID = "deleteWidget"

	stage := Rbac(map[string][]string{"admin": {"deleteWidget"}}, nil, false)
	resp, err := stage.Gas(passThrough)(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestRbacAllowsAnonymousListedOperation(t *testing.T) {
	ctx := newTestContext(http.MethodGet, "/widgets", nil)
	ctx.OperationID = "listWidgets"

	stage := Rbac(nil, []string{"listWidgets"}, false)
	resp, err := stage.Gas(passThrough)(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestCustomDelegatesDecision(t *testing.T) {
	ctx := newTestContext(http.MethodGet, "/widgets", nil)

	stage := Custom(func(identity archimedes.Identity, operationID string) (bool, string) {
		return false, "blocked by policy"
	})
	resp, err := stage.Gas(passThrough)(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}
