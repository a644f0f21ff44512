// Package staticfiles implements the static file responder: conditional
// requests, single-range requests, pre-compressed sibling lookup, and
// traversal defense, building a Response value directly instead of
// streaming to a live ResponseWriter.
package staticfiles

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/themis-platform/archimedes"
)

// Config parameterizes the responder for one mount point.
type Config struct {
	Root                string
	IndexFile           string
	ServeHidden         bool
	ResolveSymlinks     bool
	PrecompressedBrotli bool
	PrecompressedGzip   bool
	MimeOverrides       map[string]string
	CacheControl        string
}

var builtinMimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".mjs":  "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".xml":  "application/xml; charset=utf-8",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".webp": "image/webp",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".wasm": "application/wasm",
	".pdf":  "application/pdf",
}

// Respond serves req against cfg's root, returning either a full Response
// (200/304/206/4xx rendered through the canonical error envelope) or a
// transport error if the filesystem misbehaves in an unexpected way.
func Respond(cfg Config, req *http.Request, requestID string) (*archimedes.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return archimedes.ErrorResponse(archimedes.ErrMethodNotAllowed("static responder accepts only GET and HEAD"), requestID), nil
	}

	rel, forbidden := sanitizeRelPath(req.URL.Path, cfg.ServeHidden)
	if forbidden {
		return archimedes.ErrorResponse(archimedes.ErrForbiddenPath("path traversal or hidden-file access rejected"), requestID), nil
	}

	root, err := canonicalRoot(cfg.Root, cfg.ResolveSymlinks)
	if err != nil {
		return nil, fmt.Errorf("staticfiles: resolving root: %w", err)
	}

	target, info, contained, err := resolveTarget(root, rel, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return archimedes.ErrorResponse(archimedes.ErrNotFound("static file not found"), requestID), nil
		}
		return nil, fmt.Errorf("staticfiles: statting target: %w", err)
	}
	if !contained {
		return archimedes.ErrorResponse(archimedes.ErrForbiddenPath("resolved path escapes the configured root"), requestID), nil
	}

	if info.IsDir() {
		if cfg.IndexFile == "" {
			return archimedes.ErrorResponse(archimedes.ErrNotFound("directory has no configured index file"), requestID), nil
		}
		target = filepath.Join(target, cfg.IndexFile)
		info, err = os.Stat(target)
		if err != nil {
			return archimedes.ErrorResponse(archimedes.ErrNotFound("index file not found"), requestID), nil
		}
	}

	servedPath, contentEncoding := selectVariant(target, req.Header.Get("Accept-Encoding"), cfg)
	servedInfo := info
	if servedPath != target {
		if vi, err := os.Stat(servedPath); err == nil {
			servedInfo = vi
		} else {
			servedPath, contentEncoding = target, ""
		}
	}

	etag := computeETag(rel, servedInfo.ModTime(), servedInfo.Size())

	if notModified(req, etag, servedInfo.ModTime()) {
		resp := archimedes.NewResponse(http.StatusNotModified, nil)
		resp.Header.Set("ETag", etag)
		if cfg.CacheControl != "" {
			resp.Header.Set("Cache-Control", cfg.CacheControl)
		}
		return resp, nil
	}

	data, err := os.ReadFile(servedPath)
	if err != nil {
		return nil, fmt.Errorf("staticfiles: reading file: %w", err)
	}

	status := http.StatusOK
	body := data
	var contentRange string

	if rangeHeader := req.Header.Get("Range"); rangeHeader != "" {
		start, end, ok := parseRange(rangeHeader, int64(len(data)))
		if !ok {
			return archimedes.ErrorResponse(archimedes.ErrRangeNotSatisfiable(
				fmt.Sprintf("range %q not satisfiable for a %d-byte file", rangeHeader, len(data))), requestID), nil
		}
		status = http.StatusPartialContent
		body = data[start : end+1]
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))
	}

	resp := archimedes.NewResponse(status, body)
	resp.Header.Set("Content-Type", mimeType(rel, cfg.MimeOverrides))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Set("Accept-Ranges", "bytes")
	resp.Header.Set("ETag", etag)
	resp.Header.Set("Last-Modified", servedInfo.ModTime().UTC().Format(http.TimeFormat))
	if cfg.CacheControl != "" {
		resp.Header.Set("Cache-Control", cfg.CacheControl)
	}
	if contentEncoding != "" {
		resp.Header.Set("Content-Encoding", contentEncoding)
	}
	if contentRange != "" {
		resp.Header.Set("Content-Range", contentRange)
	}
	if req.Method == http.MethodHead {
		resp.Body = nil
	}

	return resp, nil
}

// sanitizeRelPath cleans urlPath into a root-relative path, rejecting ".."
// components outright and "." (hidden) components unless serveHidden.
func sanitizeRelPath(urlPath string, serveHidden bool) (rel string, forbidden bool) {
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == ".." {
			return "", true
		}
	}

	clean := filepath.Clean("/" + urlPath)
	rel = strings.TrimPrefix(clean, "/")

	for _, seg := range strings.Split(rel, "/") {
		if !serveHidden && strings.HasPrefix(seg, ".") && seg != "" {
			return "", true
		}
	}
	return rel, false
}

// canonicalRoot resolves symlinks in root when resolveSymlinks is set, so
// later containment checks compare against the real filesystem path.
func canonicalRoot(root string, resolveSymlinks bool) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if !resolveSymlinks {
		return abs, nil
	}
	return filepath.EvalSymlinks(abs)
}

// resolveTarget joins root and rel, optionally resolving symlinks, and
// verifies the result still lies under root.
func resolveTarget(root, rel string, cfg Config) (target string, info os.FileInfo, contained bool, err error) {
	target = filepath.Join(root, rel)

	info, err = os.Stat(target)
	if err != nil {
		return "", nil, false, err
	}

	checked := target
	if cfg.ResolveSymlinks {
		resolved, resolveErr := filepath.EvalSymlinks(target)
		if resolveErr != nil {
			return "", nil, false, resolveErr
		}
		checked = resolved
	}

	rootWithSep := root + string(os.PathSeparator)
	contained = checked == root || strings.HasPrefix(checked, rootWithSep)
	return target, info, contained, nil
}

// selectVariant returns the sibling pre-compressed file path to serve
// (brotli preferred over gzip) when the client advertises the encoding and
// the sibling exists, else target itself with no Content-Encoding.
func selectVariant(target, acceptEncoding string, cfg Config) (servedPath string, contentEncoding string) {
	if cfg.PrecompressedBrotli && strings.Contains(acceptEncoding, "br") {
		if _, err := os.Stat(target + ".br"); err == nil {
			return target + ".br", "br"
		}
	}
	if cfg.PrecompressedGzip && strings.Contains(acceptEncoding, "gzip") {
		if _, err := os.Stat(target + ".gz"); err == nil {
			return target + ".gz", "gzip"
		}
	}
	return target, ""
}

// computeETag derives an opaque ETag from (path, mtime seconds, size) via
// xxhash, stable for a given file on a given filesystem and never exposed
// as semantic (callers must not parse it).
func computeETag(relPath string, modTime time.Time, size int64) string {
	seed := fmt.Sprintf("%s:%d:%d", relPath, modTime.Unix(), size)
	sum := xxhash.Sum64String(seed)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, sum)
	return `"` + base64.RawURLEncoding.EncodeToString(b) + `"`
}

// notModified reports whether If-None-Match or If-Modified-Since indicate
// the client's cached copy is still fresh.
func notModified(req *http.Request, etag string, modTime time.Time) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if inm == "*" {
			return true
		}
		for _, candidate := range strings.Split(inm, ",") {
			if strings.TrimSpace(candidate) == etag {
				return true
			}
		}
		return false
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			return !modTime.Truncate(time.Second).After(t)
		}
	}
	return false
}

// parseRange parses a single "bytes=..." range header against a file of
// the given size. Supported forms: start-end, start- (open-ended), -suffix
// (last N bytes). Multi-range and malformed headers are rejected.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		if endStr == "" {
			return 0, 0, false
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, false
		}
		if size == 0 {
			return 0, 0, false
		}
		start = size - suffix
		if start < 0 {
			start = 0
		}
		return start, size - 1, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}

	if endStr == "" {
		if size == 0 || start >= size {
			return 0, 0, false
		}
		return start, size - 1, true
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if size == 0 || start >= size {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

// mimeType resolves relPath's extension against overrides first, then the
// builtin table, defaulting to application/octet-stream.
func mimeType(relPath string, overrides map[string]string) string {
	ext := strings.ToLower(filepath.Ext(relPath))
	if mt, ok := overrides[ext]; ok {
		return mt
	}
	if mt, ok := builtinMimeTypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
