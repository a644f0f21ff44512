package archimedes

import "github.com/google/uuid"

// TraceIDHeader and SpanIDHeader are the incoming trace-context headers
// honored when a caller has already established a trace.
const (
	TraceIDHeader = "X-Trace-ID"
	SpanIDHeader  = "X-Span-ID"
)

// TracingStage establishes ctx.TraceID/ctx.SpanID: a trace id is inherited
// from the inbound header if present (propagating a caller's trace across
// a service boundary), otherwise minted fresh; a span id is always minted
// fresh for this hop. withRequestFields attaches both to the log lines of
// callers that use it.
func TracingStage() Stage {
	return Stage{
		Name: "tracing",
		Gas: func(next Handler) Handler {
			return func(ctx *Context, body []byte) (*Response, error) {
				traceID := ctx.Request.Header.Get(TraceIDHeader)
				if traceID == "" {
					traceID = uuid.NewString()
				}
				ctx.TraceID = traceID
				ctx.SpanID = uuid.NewString()

				resp, err := next(ctx, body)
				if resp != nil {
					resp.Header.Set(TraceIDHeader, traceID)
					resp.Header.Set(SpanIDHeader, ctx.SpanID)
				}
				return resp, err
			}
		},
	}
}
