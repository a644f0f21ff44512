package archimedes

import "github.com/google/uuid"

// RequestIDHeader is the header read for an inbound request id and set on
// the outbound response.
const RequestIDHeader = "X-Request-ID"

// RequestIDStage assigns ctx.RequestID from the inbound header if present,
// otherwise mints a fresh uuid, and echoes it on the response.
func RequestIDStage() Stage {
	return Stage{
		Name: "request_id",
		Gas: func(next Handler) Handler {
			return func(ctx *Context, body []byte) (*Response, error) {
				id := ctx.Request.Header.Get(RequestIDHeader)
				if id == "" {
					id = uuid.NewString()
				}
				ctx.RequestID = id

				resp, err := next(ctx, body)
				if resp != nil {
					resp.Header.Set(RequestIDHeader, id)
				}
				return resp, err
			}
		},
	}
}
