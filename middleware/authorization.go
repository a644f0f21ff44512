// Package middleware holds the built-in pipeline stages: authorization,
// CORS, compression, and rate limiting, one file per stage, mirroring the
// teacher's one-gas-per-file convention.
package middleware

import (
	"github.com/themis-platform/archimedes"
)

// CustomAuthorizer is the predicate a Custom authorization stage
// delegates to.
type CustomAuthorizer func(identity archimedes.Identity, operationID string) (allowed bool, reason string)

// AllowAll always allows.
func AllowAll() archimedes.Stage {
	return archimedes.Stage{
		Name: "authorization",
		Gas: func(next archimedes.Handler) archimedes.Handler {
			return func(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
				publishAuthz(ctx, true, "")
				return next(ctx, body)
			}
		},
	}
}

// DenyAll always denies with 403.
func DenyAll() archimedes.Stage {
	return archimedes.Stage{
		Name: "authorization",
		Gas: func(next archimedes.Handler) archimedes.Handler {
			return func(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
				return denyResponse(ctx, "denied by deny_all policy"), nil
			}
		},
	}
}

// Rbac allows iff some role bound to the identity has a permission set
// containing the operation id or the literal "*". Anonymous access
// requires allowAnonymous or the operation id listed in
// anonymousOperations.
func Rbac(rolePermissions map[string][]string, anonymousOperations []string, allowAnonymous bool) archimedes.Stage {
	anonSet := map[string]bool{}
	for _, op := range anonymousOperations {
		anonSet[op] = true
	}

	return archimedes.Stage{
		Name: "authorization",
		Gas: func(next archimedes.Handler) archimedes.Handler {
			return func(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
				if ctx.Identity.Kind == archimedes.IdentityAnonymous {
					if allowAnonymous || anonSet[ctx.OperationID] {
						publishAuthz(ctx, true, "")
						return next(ctx, body)
					}
					return denyResponse(ctx, "anonymous access not permitted for this operation"), nil
				}

				for _, role := range ctx.Identity.RoleKeys() {
					perms := rolePermissions[role]
					for _, p := range perms {
						if p == ctx.OperationID || p == "*" {
							publishAuthz(ctx, true, "")
							return next(ctx, body)
						}
					}
				}
				return denyResponse(ctx, "no role grants access to this operation"), nil
			}
		},
	}
}

// Custom delegates the allow/deny decision to fn.
func Custom(fn CustomAuthorizer) archimedes.Stage {
	return archimedes.Stage{
		Name: "authorization",
		Gas: func(next archimedes.Handler) archimedes.Handler {
			return func(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
				allowed, reason := fn(ctx.Identity, ctx.OperationID)
				if !allowed {
					return denyResponse(ctx, reason), nil
				}
				publishAuthz(ctx, true, "")
				return next(ctx, body)
			}
		},
	}
}

func publishAuthz(ctx *archimedes.Context, allowed bool, reason string) {
	archimedes.SetExtension(ctx, archimedes.AuthorizationResult{
		Allowed:     allowed,
		OperationID: ctx.OperationID,
		Reason:      reason,
	})
}

func denyResponse(ctx *archimedes.Context, reason string) *archimedes.Response {
	publishAuthz(ctx, false, reason)
	return archimedes.ErrorResponse(archimedes.ErrAuthorizationDenied(reason), ctx.RequestID)
}
