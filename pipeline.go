package archimedes

import (
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Response is the in-flight response value threaded backwards through the
// pipeline: stages may inspect or rewrite it (compression rewrites the
// body and headers; CORS appends headers) before it reaches the transport.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse builds a Response with an initialized header map.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: http.Header{}, Body: body}
}

// Handler is the shape every stage wraps: given the context and the raw
// request body bytes, produce a Response or an error. The terminal Handler
// in a built pipeline is the one that invokes the Handler Registry (or the
// static file responder, or a built-in endpoint).
type Handler func(ctx *Context, body []byte) (*Response, error)

// Gas is a middleware stage's shape: it wraps the handler representing the
// remainder of the pipeline ("next") and returns a new handler that may
// run code before and after invoking next, or may not invoke it at all
// (short-circuit).
type Gas func(next Handler) Handler

// Stage pairs a canonical name with its Gas. The Pipeline does not read the
// name; its panic log does not say which stage panicked.
type Stage struct {
	Name string
	Gas  Gas
}

// Pipeline is an ordered composition of Stages sharing one Context per
// request. The pipeline itself enforces only: stages run in registration
// order, each stage observes the response produced by the remainder, and a
// panic anywhere is caught and mapped to a 500. The canonical ordering
// contract (CORS, request-id, tracing, rate limit, compression, identity,
// authorization, request validation, handler, response validation) is the
// application builder's responsibility, not the Pipeline's.
type Pipeline struct {
	stages []Stage
	logger zerolog.Logger
}

// NewPipeline builds a Pipeline from stages in registration order.
func NewPipeline(logger zerolog.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, logger: logger}
}

// Run composes the stages right-to-left around terminal and invokes the
// resulting chain left-to-right. Panics anywhere in the chain are recovered
// and mapped to a 500 with the canonical error envelope.
func (p *Pipeline) Run(ctx *Context, body []byte, terminal Handler) (resp *Response, err error) {
	h := terminal
	for i := len(p.stages) - 1; i >= 0; i-- {
		h = p.stages[i].Gas(h)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("request_id", ctx.RequestID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("pipeline stage panicked")
			resp = errorResponse(ErrInternal("an internal error occurred"), ctx.RequestID)
			err = nil
		}
	}()

	return h(ctx, body)
}

// ErrorResponse renders a CodedError into a JSON Response carrying the
// canonical envelope, for use by built-in stages and the server's own
// error paths.
func ErrorResponse(e *CodedError, requestID string) *Response {
	return errorResponse(e, requestID)
}

// errorResponse is the unexported implementation shared by ErrorResponse
// and the pipeline's own panic-recovery path.
func errorResponse(e *CodedError, requestID string) *Response {
	env := NewErrorEnvelope(e, requestID)
	body, marshalErr := marshalJSON(env)
	if marshalErr != nil {
		body = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"failed to marshal error envelope","category":"internal"}}`)
	}
	resp := NewResponse(e.HTTPStatus(), body)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}
