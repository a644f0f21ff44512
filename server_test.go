package archimedes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, staticMounts map[string]StaticMountHandler) *Server {
	t.Helper()

	router := NewRouter()
	require.NoError(t, router.Insert("/widgets", map[string]string{http.MethodGet: "getWidget"}))
	require.NoError(t, router.Insert("/assets/*path", map[string]string{http.MethodGet: "static:assets"}))

	registry := NewHandlerRegistry()
	Register(registry, "getWidget", func(ctx *Context, req NoBody) (map[string]string, error) {
		return map[string]string{"name": "ada"}, nil
	})

	pipeline := NewPipeline(zerolog.Nop())
	conns := NewConnectionManager(ConnectionsConfig{MaxConnections: 10, MaxPerClient: 10, IdleTimeoutSecs: 60, CleanupIntervalSecs: 30})
	tasks := NewTaskSpawner(TasksConfig{})

	cfg := ServerConfig{
		HTTPAddr:            "127.0.0.1:0",
		ShutdownTimeoutSecs: 5,
		KeepAliveSecs:       60,
		RequestTimeoutMS:    2000,
		ServiceName:         "archimedes-test",
		ServiceVersion:      "0.0.0-test",
	}

	return NewServer(cfg, router, pipeline, registry, conns, tasks, zerolog.Nop(), staticMounts)
}

func TestServerHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerReadyEndpointBeforeListenIsNotReady(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerDispatchesRegisteredOperation(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ada")
}

func TestServerUnmatchedPathReturns404(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerWrongMethodReturns404(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/widgets", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestServerDispatchesStaticMount(t *testing.T) {
	mounts := map[string]StaticMountHandler{
		"assets": func(ctx *Context, body []byte) (*Response, error) {
			return NewResponse(http.StatusOK, []byte("asset-bytes")), nil
		},
	}
	s := newTestServer(t, mounts)

	req := httptest.NewRequest(http.MethodGet, "/assets/logo.png", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "asset-bytes", rec.Body.String())
}

func TestServerShutdownIsIdempotentBeforeListen(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
}
