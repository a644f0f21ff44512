package archimedes

import "strings"

// IdentityExtractor derives an Identity from the inbound request. The
// default HeaderIdentityExtractor trusts an upstream gateway's
// already-authenticated propagation headers; a deployment fronted by its
// own token verifier supplies a custom extractor instead.
type IdentityExtractor func(ctx *Context) Identity

// HeaderIdentityExtractor reads a trusted-gateway propagation convention:
// X-SPIFFE-ID takes priority (mTLS mesh identity), then X-API-Key, then
// X-User-* headers for an authenticated end user. Absent all three, the
// identity stays Anonymous.
func HeaderIdentityExtractor() IdentityExtractor {
	return func(ctx *Context) Identity {
		if spiffeID := ctx.Request.Header.Get("X-SPIFFE-ID"); spiffeID != "" {
			return NewSPIFFEIdentity(spiffeID)
		}
		if keyID := ctx.Request.Header.Get("X-API-Key"); keyID != "" {
			scopes := splitCommaList(ctx.Request.Header.Get("X-API-Key-Scopes"))
			return NewAPIKeyIdentity(keyID, scopes)
		}
		if userID := ctx.Request.Header.Get("X-User-Id"); userID != "" {
			roles := splitCommaList(ctx.Request.Header.Get("X-User-Roles"))
			return NewUserIdentity(
				userID,
				ctx.Request.Header.Get("X-User-Email"),
				ctx.Request.Header.Get("X-User-Name"),
				roles,
			)
		}
		return AnonymousIdentity()
	}
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// IdentityStage populates ctx.Identity by running extractor once per
// request, before authorization runs.
func IdentityStage(extractor IdentityExtractor) Stage {
	return Stage{
		Name: "identity",
		Gas: func(next Handler) Handler {
			return func(ctx *Context, body []byte) (*Response, error) {
				ctx.Identity = extractor(ctx)
				return next(ctx, body)
			}
		},
	}
}
