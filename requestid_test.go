package archimedes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDStageGeneratesWhenAbsent(t *testing.T) {
	stage := RequestIDStage()
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	ctx := newContext(req, httptest.NewRecorder(), nil)

	var seen string
	resp, err := stage.Gas(func(c *Context, body []byte) (*Response, error) {
		seen = c.RequestID
		return NewResponse(http.StatusOK, nil), nil
	})(ctx, nil)

	require.NoError(t, err)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, resp.Header.Get(RequestIDHeader))
}

func TestRequestIDStagePreservesInbound(t *testing.T) {
	stage := RequestIDStage()
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Header.Set(RequestIDHeader, "req-fixed")
	ctx := newContext(req, httptest.NewRecorder(), nil)

	resp, err := stage.Gas(func(c *Context, body []byte) (*Response, error) {
		return NewResponse(http.StatusOK, nil), nil
	})(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, "req-fixed", ctx.RequestID)
	assert.Equal(t, "req-fixed", resp.Header.Get(RequestIDHeader))
}
