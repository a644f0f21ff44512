package staticfiles

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestRespondServesFile(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "hello.txt", "hello world")

	req := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	resp, err := Respond(Config{Root: dir}, req, "req-1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "hello world", string(resp.Body))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
}

func TestRespondRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "hello.txt", "hello world")

	req := httptest.NewRequest(http.MethodGet, "/../secret.txt", nil)
	resp, err := Respond(Config{Root: dir}, req, "req-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestRespondRejectsHiddenFileByDefault(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, ".secret", "shh")

	req := httptest.NewRequest(http.MethodGet, "/.secret", nil)
	resp, err := Respond(Config{Root: dir}, req, "req-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestRespondServesIndexForDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "index.html", "<html></html>")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := Respond(Config{Root: dir, IndexFile: "index.html"}, req, "req-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "<html></html>", string(resp.Body))
}

func TestRespondIfNoneMatchReturns304(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "hello.txt", "hello world")

	req := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	first, err := Respond(Config{Root: dir}, req, "req-1")
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	req2.Header.Set("If-None-Match", first.Header.Get("ETag"))
	second, err := Respond(Config{Root: dir}, req2, "req-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, second.Status)
}

func TestRespondRangeRequest(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "hello.txt", "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	req.Header.Set("Range", "bytes=2-4")
	resp, err := Respond(Config{Root: dir}, req, "req-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.Status)
	assert.Equal(t, "234", string(resp.Body))
	assert.Equal(t, "bytes 2-4/10", resp.Header.Get("Content-Range"))
}

func TestRespondRangeOnEmptyFileIs416(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "empty.txt", "")

	req := httptest.NewRequest(http.MethodGet, "/empty.txt", nil)
	req.Header.Set("Range", "bytes=0-")
	resp, err := Respond(Config{Root: dir}, req, "req-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.Status)
}

func TestRespondPrecompressedBrotliPreferredOverGzip(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "app.js", "var x = 1;")
	writeFixture(t, dir, "app.js.br", "br-bytes")
	writeFixture(t, dir, "app.js.gz", "gz-bytes")

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	resp, err := Respond(Config{Root: dir, PrecompressedBrotli: true, PrecompressedGzip: true}, req, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "br-bytes", string(resp.Body))
}

func TestRespondMethodNotAllowed(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "hello.txt", "hello world")

	req := httptest.NewRequest(http.MethodPost, "/hello.txt", nil)
	resp, err := Respond(Config{Root: dir}, req, "req-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
}
