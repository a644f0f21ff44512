package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/themis-platform/archimedes"
)

// CORS answers preflight requests immediately and appends the appropriate
// Access-Control-* headers to the response of regular requests whose
// origin is allowed.
func CORS(cfg archimedes.CORSConfig) archimedes.Stage {
	allowedOrigins := toSet(cfg.AllowedOrigins)
	allowedMethods := toMethodSet(cfg.AllowedMethods)
	allowedHeaders := toSet(cfg.AllowedHeaders)
	wildcardOrigin := allowedOrigins["*"]
	wildcardHeaders := allowedHeaders["*"]

	return archimedes.Stage{
		Name: "cors",
		Gas: func(next archimedes.Handler) archimedes.Handler {
			return func(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
				req := ctx.Request
				origin := req.Header.Get("Origin")

				if req.Method == http.MethodOptions && origin != "" && req.Header.Get("Access-Control-Request-Method") != "" {
					return preflightResponse(req, origin, wildcardOrigin, allowedOrigins, allowedMethods, wildcardHeaders, allowedHeaders, cfg), nil
				}

				resp, err := next(ctx, body)
				if err != nil || resp == nil {
					return resp, err
				}

				if origin != "" && (wildcardOrigin || allowedOrigins[origin]) {
					if wildcardOrigin && !cfg.AllowCredentials {
						resp.Header.Set("Access-Control-Allow-Origin", "*")
					} else {
						resp.Header.Set("Access-Control-Allow-Origin", origin)
					}
					if cfg.AllowCredentials {
						resp.Header.Set("Access-Control-Allow-Credentials", "true")
					}
					if len(cfg.ExposedHeaders) > 0 {
						resp.Header.Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposedHeaders, ", "))
					}
					appendVary(resp, "Origin")
				}

				return resp, nil
			}
		},
	}
}

func preflightResponse(
	req *http.Request,
	origin string,
	wildcardOrigin bool,
	allowedOrigins map[string]bool,
	allowedMethods map[string]bool,
	wildcardHeaders bool,
	allowedHeaders map[string]bool,
	cfg archimedes.CORSConfig,
) *archimedes.Response {
	resp := archimedes.NewResponse(http.StatusNoContent, nil)
	resp.Header.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")

	if !wildcardOrigin && !allowedOrigins[origin] {
		return resp
	}

	reqMethod := req.Header.Get("Access-Control-Request-Method")
	if len(allowedMethods) > 0 && !allowedMethods[reqMethod] {
		return resp
	}

	if reqHeaders := req.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" && !wildcardHeaders {
		for _, h := range strings.Split(reqHeaders, ",") {
			if !allowedHeaders[strings.ToLower(strings.TrimSpace(h))] {
				return resp
			}
		}
	}

	if wildcardOrigin && !cfg.AllowCredentials {
		resp.Header.Set("Access-Control-Allow-Origin", "*")
	} else {
		resp.Header.Set("Access-Control-Allow-Origin", origin)
	}
	if cfg.AllowCredentials {
		resp.Header.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(cfg.AllowedMethods) > 0 {
		resp.Header.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	}
	if len(cfg.AllowedHeaders) > 0 {
		resp.Header.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
	}
	if cfg.MaxAgeSecs > 0 {
		resp.Header.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAgeSecs))
	}

	return resp
}

func appendVary(resp *archimedes.Response, value string) {
	existing := resp.Header.Get("Vary")
	if existing == "" {
		resp.Header.Set("Vary", value)
		return
	}
	for _, v := range strings.Split(existing, ",") {
		if strings.TrimSpace(v) == value {
			return
		}
	}
	resp.Header.Set("Vary", existing+", "+value)
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		if strings.HasPrefix(v, "Access-Control") || v == "Origin" {
			out[v] = true
			continue
		}
		out[strings.ToLower(v)] = true
	}
	return out
}

// toMethodSet builds a lookup for HTTP method tokens, which are
// case-sensitive on the wire (Access-Control-Request-Method always sends
// an upper-case verb); unlike toSet, it never folds case.
func toMethodSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
