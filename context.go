package archimedes

import (
	"net/http"
	"reflect"
	"strings"
	"time"
)

// IdentityKind tags the variant carried by an Identity value.
type IdentityKind string

// The four identity variants the pipeline can carry.
const (
	IdentityAnonymous IdentityKind = "anonymous"
	IdentityUser      IdentityKind = "user"
	IdentityAPIKey    IdentityKind = "api_key"
	IdentitySPIFFE    IdentityKind = "spiffe"
)

// Identity is the caller identity attached to a Context by the identity
// extraction stage. Only the fields relevant to Kind are populated.
type Identity struct {
	Kind IdentityKind

	UserID string
	Email  string
	Name   string
	Roles  []string

	APIKeyID string
	Scopes   []string

	SPIFFEID string
}

// AnonymousIdentity is the zero-value identity used before extraction runs.
func AnonymousIdentity() Identity {
	return Identity{Kind: IdentityAnonymous}
}

// NewUserIdentity builds a User identity.
func NewUserIdentity(id, email, name string, roles []string) Identity {
	return Identity{Kind: IdentityUser, UserID: id, Email: email, Name: name, Roles: roles}
}

// NewAPIKeyIdentity builds an ApiKey identity.
func NewAPIKeyIdentity(keyID string, scopes []string) Identity {
	return Identity{Kind: IdentityAPIKey, APIKeyID: keyID, Scopes: scopes}
}

// NewSPIFFEIdentity builds a Spiffe identity.
func NewSPIFFEIdentity(spiffeID string) Identity {
	return Identity{Kind: IdentitySPIFFE, SPIFFEID: spiffeID}
}

// RoleKeys returns the set of role strings the RBAC authorization stage
// checks permissions against: User.Roles directly, "spiffe:<trust-domain>"
// for SPIFFE identities, "api_key:<key_id>" for API keys, and an empty set
// for anonymous callers.
func (id Identity) RoleKeys() []string {
	switch id.Kind {
	case IdentityUser:
		return id.Roles
	case IdentitySPIFFE:
		return []string{"spiffe:" + trustDomain(id.SPIFFEID)}
	case IdentityAPIKey:
		return []string{"api_key:" + id.APIKeyID}
	default:
		return nil
	}
}

// trustDomain extracts the trust-domain component of a spiffe://host/path
// id.
func trustDomain(spiffeID string) string {
	const prefix = "spiffe://"
	s := spiffeID
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i]
		}
	}
	return s
}

// AuthorizationResult is published into the Context's extensions by the
// authorization stage, for downstream stages or logging middleware to
// observe.
type AuthorizationResult struct {
	Allowed     bool
	OperationID string
	Reason      string
}

// Context is the mutable per-request bag threaded through the pipeline. Its
// lifetime equals the request's; it never escapes the pipeline.
type Context struct {
	OperationID string
	Identity    Identity
	RequestID   string
	TraceID     string
	SpanID      string
	Params      []Param
	ReceivedAt  time.Time
	ClientIP    string

	Request        *http.Request
	ResponseWriter http.ResponseWriter

	connManager *ConnectionManager
	clientID    string

	extensions map[reflect.Type]interface{}
}

// newContext builds a fresh Context for one request.
func newContext(req *http.Request, w http.ResponseWriter, connManager *ConnectionManager) *Context {
	return &Context{
		Identity:       AnonymousIdentity(),
		Request:        req,
		ResponseWriter: w,
		connManager:    connManager,
		ReceivedAt:     timeNow(),
		ClientIP:       clientIPFromRequest(req),
		extensions:     map[reflect.Type]interface{}{},
	}
}

// NewTestContext builds a Context outside of a live Pipeline, for use by
// other packages' tests exercising stage Gas functions directly.
func NewTestContext(req *http.Request, w http.ResponseWriter) *Context {
	return newContext(req, w, nil)
}

// timeNow is a seam over time.Now so tests can observe it is the sole
// wall-clock read in context construction.
func timeNow() time.Time { return time.Now() }

// clientIPFromRequest prefers the first hop of X-Forwarded-For, falling
// back to the connection's remote address with its port stripped.
func clientIPFromRequest(req *http.Request) string {
	if req == nil {
		return ""
	}
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	addr := req.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// SetClientID records the client identity upgraded connections (WebSocket,
// SSE) should be keyed by in the Connection Manager's per-client limit.
func (c *Context) SetClientID(id string) { c.clientID = id }

// Param looks up a bound path param by name, returning "" if absent.
func (c *Context) Param(name string) string {
	for _, p := range c.Params {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// SetExtension publishes a typed value into the context's extension bag,
// keyed by the static type of T, for downstream stages to read with
// GetExtension.
func SetExtension[T any](c *Context, value T) {
	var zero T
	c.extensions[reflect.TypeOf(zero)] = value
}

// GetExtension reads a typed value previously published with SetExtension.
// ok is false if nothing of type T has been published yet.
func GetExtension[T any](c *Context) (T, bool) {
	var zero T
	v, ok := c.extensions[reflect.TypeOf(zero)]
	if !ok {
		var empty T
		return empty, false
	}
	typed, ok := v.(T)
	return typed, ok
}
