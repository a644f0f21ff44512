package archimedes

import (
	"reflect"
	"runtime/debug"
	"sync"
)

// HandlerErrorKind is the taxonomy of failures an erased handler
// invocation can produce.
type HandlerErrorKind string

const (
	HandlerErrorDeserialization HandlerErrorKind = "deserialization"
	HandlerErrorSerialization   HandlerErrorKind = "serialization"
	HandlerErrorDomain          HandlerErrorKind = "domain"
	HandlerErrorPanic           HandlerErrorKind = "panic"
)

// HandlerError is what an erased handler invocation returns on failure. It
// always carries a CodedError the server can render via the canonical
// envelope.
type HandlerError struct {
	Kind  HandlerErrorKind
	Coded *CodedError
}

func (e *HandlerError) Error() string { return e.Coded.Error() }

// NoBody is the declared request type for operations with no request
// body; the registry skips deserialization for handlers declared with it.
type NoBody struct{}

// HandlerFunc is a typed handler: it receives the Context and the
// deserialized request value, and returns a response value or an error.
// A returned *CodedError becomes a HandlerErrorDomain; any other error is
// wrapped as HandlerErrorDomain with category internal.
type HandlerFunc[Req any, Resp any] func(ctx *Context, req Req) (Resp, error)

// erasedHandler is the uniform entry the registry stores and the pipeline
// invokes: (context, body bytes) -> (response bytes, HandlerError).
type erasedHandler func(ctx *Context, body []byte) ([]byte, *HandlerError)

// HandlerRegistry binds operation ids to erased handlers. It is read-only
// after Register calls complete and build finishes; invocation performs no
// mutation.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]erasedHandler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]erasedHandler{}}
}

// Register binds operationID to a typed handler, wrapping it with a
// deserialize-dispatch-serialize shim. Req == NoBody skips deserialization
// entirely, per the no-body variant.
func Register[Req any, Resp any](reg *HandlerRegistry, operationID string, fn HandlerFunc[Req, Resp]) {
	_, noBody := any(*new(Req)).(NoBody)

	eh := func(ctx *Context, body []byte) (_ []byte, herr *HandlerError) {
		defer func() {
			if r := recover(); r != nil {
				herr = &HandlerError{
					Kind:  HandlerErrorPanic,
					Coded: ErrInternal("handler panicked").WithDetails(map[string]interface{}{"panic": recoverMessage(r), "stack": string(debug.Stack())}),
				}
			}
		}()

		var req Req
		if !noBody && len(body) > 0 {
			if err := unmarshalJSON(body, &req); err != nil {
				return nil, &HandlerError{
					Kind:  HandlerErrorDeserialization,
					Coded: ErrValidation("failed to deserialize request body: "+err.Error(), nil),
				}
			}
		}

		resp, err := fn(ctx, req)
		if err != nil {
			if coded, ok := err.(*CodedError); ok {
				return nil, &HandlerError{Kind: HandlerErrorDomain, Coded: coded}
			}
			return nil, &HandlerError{Kind: HandlerErrorDomain, Coded: ErrInternal(err.Error())}
		}

		out, err := marshalJSON(resp)
		if err != nil {
			return nil, &HandlerError{
				Kind:  HandlerErrorSerialization,
				Coded: ErrSerialization("failed to serialize response: " + err.Error()),
			}
		}
		return out, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.handlers[operationID] = eh
}

// Invoke dispatches to the registered handler for operationID. A missing
// id returns HandlerNotRegistered.
func (r *HandlerRegistry) Invoke(operationID string, ctx *Context, body []byte) ([]byte, *HandlerError) {
	r.mu.RLock()
	h, ok := r.handlers[operationID]
	r.mu.RUnlock()
	if !ok {
		return nil, &HandlerError{Kind: HandlerErrorDomain, Coded: ErrHandlerNotRegistered(operationID)}
	}
	return h(ctx, body)
}

// Has reports whether operationID has a registered handler.
func (r *HandlerRegistry) Has(operationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[operationID]
	return ok
}

func recoverMessage(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return reflect.TypeOf(r).String()
}
