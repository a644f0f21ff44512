package archimedes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aofei/mimesniffer"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// StaticMountHandler resolves a request matched to a static mount's
// operation id into a Response, independent of the Handler Registry.
type StaticMountHandler func(ctx *Context, body []byte) (*Response, error)

// Server binds a listener, dispatches every accepted request through the
// Router and Pipeline, short-circuits the built-in health/ready endpoints
// ahead of routing and contract validation, and coordinates graceful
// shutdown across the HTTP server, the Connection Manager, and the Task
// Spawner.
type Server struct {
	cfg      ServerConfig
	router   *Router
	pipeline *Pipeline
	handlers *HandlerRegistry
	conns    *ConnectionManager
	tasks    *TaskSpawner
	logger   zerolog.Logger

	staticMounts map[string]StaticMountHandler

	httpServer *http.Server
	ready      int32
}

// NewServer builds a Server from its wired components. Static mounts (if
// any) must already be represented as routes in router whose operation id
// has the "static:" prefix understood by dispatch; staticMounts maps the
// suffix after that prefix to the handler that serves it.
func NewServer(
	cfg ServerConfig,
	router *Router,
	pipeline *Pipeline,
	handlers *HandlerRegistry,
	conns *ConnectionManager,
	tasks *TaskSpawner,
	logger zerolog.Logger,
	staticMounts map[string]StaticMountHandler,
) *Server {
	return &Server{
		cfg:          cfg,
		router:       router,
		pipeline:     pipeline,
		handlers:     handlers,
		conns:        conns,
		tasks:        tasks,
		logger:       logger,
		staticMounts: staticMounts,
	}
}

const staticOperationPrefix = "static:"

// healthBody is the fixed JSON payload shape for both built-in endpoints.
type healthBody struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// ServeHTTP implements http.Handler: built-in endpoints first, then routing
// and the full pipeline.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		switch r.URL.Path {
		case "/health":
			s.writeJSON(w, http.StatusOK, healthBody{Status: "ok", Service: s.cfg.ServiceName, Version: s.cfg.ServiceVersion})
			return
		case "/ready":
			if atomic.LoadInt32(&s.ready) != 0 {
				s.writeJSON(w, http.StatusOK, healthBody{Status: "ready", Service: s.cfg.ServiceName, Version: s.cfg.ServiceVersion})
			} else {
				s.writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "not_ready", Service: s.cfg.ServiceName, Version: s.cfg.ServiceVersion})
			}
			return
		}
	}

	ctx := newContext(r, w, s.conns)

	operationID, params, ok := s.router.Match(r.Method, r.URL.Path)
	if !ok {
		// MatchPathOnly is a caller affordance for distinguishing a
		// wrong-method request from an unknown path; it does not change
		// the status this server returns for either case.
		s.writeError(w, ErrNotFound("no route matches this path"), "")
		return
	}
	ctx.OperationID = operationID
	ctx.Params = params

	requestTimeout := time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond

	body, timedOut, err := s.readBodyWithTimeout(r, requestTimeout)
	if timedOut {
		s.writeError(w, ErrRequestTimeout(), ctx.RequestID)
		return
	}
	if err != nil {
		s.writeError(w, ErrBodyReadError(err.Error()), ctx.RequestID)
		return
	}

	resp, runErr := s.runPipelineWithTimeout(ctx, body, requestTimeout)
	if runErr != nil {
		s.writeError(w, ErrHandlerTimeout(), ctx.RequestID)
		return
	}
	if resp == nil {
		// Terminal handler already wrote directly to w (a hijacked
		// WebSocket upgrade, for instance).
		return
	}

	s.writeResponse(w, resp)
}

// readBodyWithTimeout collects the request body within timeout. timedOut
// is true only when the deadline elapsed before the read finished; a read
// that fails within the deadline returns its error with timedOut false, so
// the caller can tell a slow client (408) apart from a bad one (400).
func (s *Server) readBodyWithTimeout(r *http.Request, timeout time.Duration) (body []byte, timedOut bool, err error) {
	if r.Body == nil {
		return nil, false, nil
	}
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		b, err := readAll(r.Body)
		done <- result{body: b, err: err}
	}()

	select {
	case res := <-done:
		return res.body, false, res.err
	case <-time.After(timeout):
		return nil, true, fmt.Errorf("archimedes: body read timed out")
	}
}

// runPipelineWithTimeout runs the pipeline's terminal dispatch with a
// deadline; a handler that doesn't return within timeout yields a timeout
// error to the caller rather than the pipeline's own result.
func (s *Server) runPipelineWithTimeout(ctx *Context, body []byte, timeout time.Duration) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.pipeline.Run(ctx, body, s.terminal)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("archimedes: handler did not complete in time")
	}
}

// terminal is the innermost Handler: dispatch to a static mount when the
// matched operation is a static route, otherwise to the Handler Registry.
func (s *Server) terminal(ctx *Context, body []byte) (*Response, error) {
	if strings.HasPrefix(ctx.OperationID, staticOperationPrefix) {
		name := strings.TrimPrefix(ctx.OperationID, staticOperationPrefix)
		handler, ok := s.staticMounts[name]
		if !ok {
			return ErrorResponse(ErrNotFound("no static mount registered for "+name), ctx.RequestID), nil
		}
		return handler(ctx, body)
	}

	out, herr := s.handlers.Invoke(ctx.OperationID, ctx, body)
	if herr != nil {
		return ErrorResponse(herr.Coded, ctx.RequestID), nil
	}
	resp := NewResponse(http.StatusOK, out)
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}

// writeResponse copies resp's headers and body to w. A handler-produced
// response that omits Content-Type gets one sniffed from its body.
func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" && len(resp.Body) > 0 {
		w.Header().Set("Content-Type", mimesniffer.Sniff(resp.Body))
	}
	w.WriteHeader(resp.Status)
	if resp.Body != nil {
		_, _ = w.Write(resp.Body)
	}
}

func (s *Server) writeError(w http.ResponseWriter, e *CodedError, requestID string) {
	s.writeResponse(w, errorResponse(e, requestID))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// ListenAndServe binds cfg.HTTPAddr and serves until Shutdown is called or
// an unrecoverable accept error occurs. It flips readiness to true once the
// listener is bound.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("archimedes: binding %s: %w", s.cfg.HTTPAddr, err)
	}

	var handler http.Handler = s
	if s.cfg.HTTP2Enabled {
		h2s := &http2.Server{IdleTimeout: time.Duration(s.cfg.KeepAliveSecs) * time.Second}
		handler = h2c.NewHandler(s, h2s)
	}

	s.httpServer = &http.Server{
		Handler:     handler,
		IdleTimeout: time.Duration(s.cfg.KeepAliveSecs) * time.Second,
	}

	atomic.StoreInt32(&s.ready, 1)
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("archimedes: listening")

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown flips readiness to false, then drains the HTTP server within
// cfg.ShutdownTimeoutSecs, force-closing the connections still open at the
// deadline. It then fires the Connection Manager's shutdown signal to the
// WebSocket/SSE sessions and waits up to the same timeout for the Task
// Spawner's running tasks; tasks still running after that are left running.
func (s *Server) Shutdown() error {
	atomic.StoreInt32(&s.ready, 0)
	timeout := time.Duration(s.cfg.ShutdownTimeoutSecs) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
		if errors.Is(httpErr, context.DeadlineExceeded) {
			s.logger.Warn().Msg("archimedes: shutdown timeout elapsed, force-closing remaining connections")
			_ = s.httpServer.Close()
		}
	}

	if s.conns != nil {
		s.conns.Shutdown()
	}
	if s.tasks != nil {
		s.tasks.Shutdown(timeout)
	}

	return httpErr
}

func readAll(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err.Error() == "EOF" {
				return buf, nil
			}
			return buf, err
		}
	}
}
