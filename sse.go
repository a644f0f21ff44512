package archimedes

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEStream is a server-sent-events session, tracked by the Connection
// Manager exactly like a WebSocket connection.
type SSEStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	record  *ConnectionRecord
	manager *ConnectionManager
}

// SSE begins a server-sent-events response on the current request and
// registers it with the Connection Manager.
func (c *Context) SSE() (*SSEStream, error) {
	if c.connManager == nil {
		return nil, ErrInternal("connection manager is not configured for this server")
	}

	flusher, ok := c.ResponseWriter.(http.Flusher)
	if !ok {
		return nil, ErrInternal("response writer does not support flushing, cannot stream SSE")
	}

	rec, err := c.connManager.Accept(ConnectionSSE, c.clientID)
	if err != nil {
		return nil, err.(*CodedError)
	}

	h := c.ResponseWriter.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.ResponseWriter.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEStream{w: c.ResponseWriter, flusher: flusher, record: rec, manager: c.connManager}, nil
}

// ID returns the Connection Manager record id for this stream.
func (s *SSEStream) ID() string { return s.record.ID }

// SendEvent writes one SSE event frame: an optional event name, the data
// payload (split across multiple "data:" lines if it contains newlines),
// and an optional id, then flushes immediately.
func (s *SSEStream) SendEvent(event, data, id string) error {
	s.manager.Touch(s.record.ID)

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Watch blocks until the Connection Manager's shutdown signal fires, then
// sends a final comment event and closes out the session. Callers
// typically run this in its own goroutine alongside their event-producing
// loop.
func (s *SSEStream) Watch() {
	<-s.manager.ShutdownSignal()
	_, _ = s.w.Write([]byte(": server shutting down\n\n"))
	s.flusher.Flush()
	s.Close()
}

// Close removes the stream from the Connection Manager. The underlying
// HTTP response is closed when the handler returns.
func (s *SSEStream) Close() {
	s.manager.Remove(s.record.ID)
}
