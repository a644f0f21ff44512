package middleware

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/themis-platform/archimedes"
)

func okHandler(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
	return archimedes.NewResponse(http.StatusOK, []byte("ok")), nil
}

func TestRateLimitAllowsUpToLimit(t *testing.T) {
	stage := RateLimit(2, time.Minute, GlobalKeyExtractor())
	handler := stage.Gas(okHandler)

	ctx := newTestContext(http.MethodGet, "/widgets", nil)

	resp, err := handler(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))

	resp, err = handler(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	stage := RateLimit(1, time.Minute, GlobalKeyExtractor())
	handler := stage.Gas(okHandler)

	ctx := newTestContext(http.MethodGet, "/widgets", nil)

	_, err := handler(ctx, nil)
	require.NoError(t, err)

	resp, err := handler(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRateLimitBypassesWhenKeyMissing(t *testing.T) {
	extractor := func(ctx *archimedes.Context) (string, bool) { return "", false }
	stage := RateLimit(0, time.Minute, extractor)
	handler := stage.Gas(okHandler)

	ctx := newTestContext(http.MethodGet, "/widgets", nil)

	resp, err := handler(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Header.Get("X-RateLimit-Limit"))
}
