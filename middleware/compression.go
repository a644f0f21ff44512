package middleware

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/themis-platform/archimedes"
)

// CompressionConfig parameterizes the Compression stage.
type CompressionConfig struct {
	MinSizeBytes      int
	CompressibleTypes []string // empty means "all types not explicitly excluded"
	ExcludedTypes     []string
	SkipFunc          func(ctx *archimedes.Context) bool
}

var defaultExcludedTypes = []string{"image/", "video/", "audio/", "application/zip", "application/gzip", "application/octet-stream"}

// Compression negotiates brotli/gzip/deflate against the client's
// Accept-Encoding quality values and compresses the inner response when
// it would shrink.
func Compression(cfg CompressionConfig) archimedes.Stage {
	return archimedes.Stage{
		Name: "compression",
		Gas: func(next archimedes.Handler) archimedes.Handler {
			return func(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
				resp, err := next(ctx, body)
				if err != nil || resp == nil {
					return resp, err
				}

				appendVary(resp, "Accept-Encoding")

				if cfg.SkipFunc != nil && cfg.SkipFunc(ctx) {
					return resp, nil
				}
				if resp.Header.Get("Content-Encoding") != "" {
					return resp, nil
				}
				if len(resp.Body) < cfg.MinSizeBytes {
					return resp, nil
				}
				if !compressibleType(resp.Header.Get("Content-Type"), cfg) {
					return resp, nil
				}

				algo := negotiateEncoding(ctx.Request.Header.Get("Accept-Encoding"))
				if algo == "" {
					return resp, nil
				}

				compressed, ok := compressBody(algo, resp.Body)
				if !ok || len(compressed) >= len(resp.Body) {
					return resp, nil
				}

				resp.Body = compressed
				resp.Header.Set("Content-Encoding", algo)
				resp.Header.Set("Content-Length", strconv.Itoa(len(compressed)))
				return resp, nil
			}
		},
	}
}

func compressibleType(contentType string, cfg CompressionConfig) bool {
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(strings.ToLower(base))

	excluded := cfg.ExcludedTypes
	if len(excluded) == 0 {
		excluded = defaultExcludedTypes
	}
	for _, ex := range excluded {
		if strings.HasPrefix(base, strings.ToLower(ex)) {
			return false
		}
	}

	if len(cfg.CompressibleTypes) == 0 {
		return true
	}
	for _, inc := range cfg.CompressibleTypes {
		if strings.HasPrefix(base, strings.ToLower(inc)) {
			return true
		}
	}
	return false
}

type encodingCandidate struct {
	name    string
	quality float64
	rank    int // preference among ties: higher wins
}

var encodingRank = map[string]int{"br": 3, "gzip": 2, "deflate": 1}

// negotiateEncoding parses an Accept-Encoding header with quality values and
// returns the winning algorithm (one of "br", "gzip", "deflate"), or "" if
// none are acceptable. A client that lists "identity" at any quality is
// explicitly opting out of transfer coding, so its presence suppresses
// compression outright rather than merely being excluded as a candidate.
func negotiateEncoding(header string) string {
	if header == "" {
		return ""
	}

	var candidates []encodingCandidate
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := part
		quality := 1.0
		if i := strings.Index(part, ";"); i >= 0 {
			name = strings.TrimSpace(part[:i])
			params := part[i+1:]
			if qi := strings.Index(params, "q="); qi >= 0 {
				qstr := strings.TrimSpace(params[qi+2:])
				if end := strings.IndexByte(qstr, ';'); end >= 0 {
					qstr = qstr[:end]
				}
				if q, err := strconv.ParseFloat(qstr, 64); err == nil {
					quality = q
				}
			}
		}
		name = strings.ToLower(name)
		if name == "identity" {
			return ""
		}
		if name == "*" {
			continue
		}
		rank, ok := encodingRank[name]
		if !ok {
			continue
		}
		if quality <= 0 {
			continue
		}
		candidates = append(candidates, encodingCandidate{name: name, quality: quality, rank: rank})
	}

	best := encodingCandidate{}
	for _, c := range candidates {
		if c.quality > best.quality || (c.quality == best.quality && c.rank > best.rank) {
			best = c
		}
	}
	return best.name
}

func compressBody(algo string, body []byte) ([]byte, bool) {
	var buf bytes.Buffer

	switch algo {
	case "br":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, false
		}
		if err := w.Close(); err != nil {
			return nil, false
		}
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, false
		}
		if err := w.Close(); err != nil {
			return nil, false
		}
	case "deflate":
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, false
		}
		if _, err := w.Write(body); err != nil {
			return nil, false
		}
		if err := w.Close(); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}

	return buf.Bytes(), true
}
