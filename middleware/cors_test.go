package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/themis-platform/archimedes"
)

func newTestContext(method, path string, headers map[string]string) *archimedes.Context {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return archimedes.NewTestContext(req, rec)
}

func TestCORSPreflightAllowed(t *testing.T) {
	stage := CORS(archimedes.CORSConfig{
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"content-type"},
		MaxAgeSecs:     600,
	})

	ctx := newTestContext(http.MethodOptions, "/widgets", map[string]string{
		"Origin":                        "https://example.com",
		"Access-Control-Request-Method": "POST",
	})

	resp, err := stage.Gas(func(c *archimedes.Context, b []byte) (*archimedes.Response, error) {
		t.Fatal("next should not be invoked for a preflight request")
		return nil, nil
	})(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, "https://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "600", resp.Header.Get("Access-Control-Max-Age"))
}

func TestCORSPreflightDisallowedOrigin(t *testing.T) {
	stage := CORS(archimedes.CORSConfig{
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET"},
	})

	ctx := newTestContext(http.MethodOptions, "/widgets", map[string]string{
		"Origin":                        "https://evil.example",
		"Access-Control-Request-Method": "GET",
	})

	resp, err := stage.Gas(func(c *archimedes.Context, b []byte) (*archimedes.Response, error) {
		return archimedes.NewResponse(http.StatusOK, nil), nil
	})(ctx, nil)

	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSNonPreflightAppendsHeaders(t *testing.T) {
	stage := CORS(archimedes.CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: false,
	})

	ctx := newTestContext(http.MethodGet, "/widgets", map[string]string{
		"Origin": "https://example.com",
	})

	resp, err := stage.Gas(func(c *archimedes.Context, b []byte) (*archimedes.Response, error) {
		return archimedes.NewResponse(http.StatusOK, []byte("ok")), nil
	})(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Vary"), "Origin")
}
