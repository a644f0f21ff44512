package archimedes

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn wraps an upgraded gorilla/websocket connection, tracked by
// the Connection Manager for its whole lifetime. Handler fields are
// optional callbacks invoked as the corresponding frame kind arrives.
type WebSocketConn struct {
	conn    *websocket.Conn
	record  *ConnectionRecord
	manager *ConnectionManager

	TextHandler   func(msg string) error
	BinaryHandler func(msg []byte) error
	CloseHandler  func(code int, text string) error
	PingHandler   func(appData string) error
	PongHandler   func(appData string) error
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocket upgrades the current request to a WebSocket connection and
// registers it with the Connection Manager, enforcing the manager's
// global/per-client limits before the handshake completes.
func (c *Context) WebSocket() (*WebSocketConn, error) {
	if c.connManager == nil {
		return nil, ErrInternal("connection manager is not configured for this server")
	}

	rec, err := c.connManager.Accept(ConnectionWebSocket, c.clientID)
	if err != nil {
		return nil, err.(*CodedError)
	}

	conn, upErr := wsUpgrader.Upgrade(c.ResponseWriter, c.Request, nil)
	if upErr != nil {
		c.connManager.Remove(rec.ID)
		return nil, ErrInternal("websocket upgrade failed: " + upErr.Error())
	}

	ws := &WebSocketConn{conn: conn, record: rec, manager: c.connManager}

	conn.SetCloseHandler(func(code int, text string) error {
		if ws.CloseHandler != nil {
			return ws.CloseHandler(code, text)
		}
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		c.connManager.Touch(rec.ID)
		if ws.PingHandler != nil {
			return ws.PingHandler(appData)
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(appData string) error {
		c.connManager.Touch(rec.ID)
		if ws.PongHandler != nil {
			return ws.PongHandler(appData)
		}
		return nil
	})

	return ws, nil
}

// ID returns the Connection Manager record id for this session.
func (w *WebSocketConn) ID() string { return w.record.ID }

// WriteText sends a text frame.
func (w *WebSocketConn) WriteText(msg string) error {
	w.manager.Touch(w.record.ID)
	return w.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// WriteBinary sends a binary frame.
func (w *WebSocketConn) WriteBinary(msg []byte) error {
	w.manager.Touch(w.record.ID)
	return w.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// ReadLoop blocks, dispatching incoming frames to TextHandler/BinaryHandler
// until the connection closes, the shutdown signal fires, or an error
// occurs reading. On return the connection is always removed from the
// manager and closed.
func (w *WebSocketConn) ReadLoop() error {
	defer w.Close(websocket.CloseNormalClosure, "")

	shutdown := w.manager.ShutdownSignal()
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-shutdown:
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			_ = w.conn.Close()
		case <-done:
		}
	}()

	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return err
		}
		w.manager.Touch(w.record.ID)

		switch kind {
		case websocket.TextMessage:
			if w.TextHandler != nil {
				if herr := w.TextHandler(string(data)); herr != nil {
					return herr
				}
			}
		case websocket.BinaryMessage:
			if w.BinaryHandler != nil {
				if herr := w.BinaryHandler(data); herr != nil {
					return herr
				}
			}
		}
	}
}

// Close sends a close frame (best effort) and removes the connection from
// the manager.
func (w *WebSocketConn) Close(code int, reason string) error {
	defer w.manager.Remove(w.record.ID)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return w.conn.Close()
}
