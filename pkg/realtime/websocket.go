package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noah-isme/complaint-desk-api/pkg/middleware/cors"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// WebsocketConn adapts a gorilla websocket connection to Conn.
type WebsocketConn struct {
	conn        *websocket.Conn
	pongTimeout time.Duration
}

// NewWebsocketConn wraps conn; reads fail once nothing (not even a pong) arrives within pongTimeout.
func NewWebsocketConn(conn *websocket.Conn, pongTimeout time.Duration) *WebsocketConn {
	if pongTimeout <= 0 {
		pongTimeout = 60 * time.Second
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	return &WebsocketConn{conn: conn, pongTimeout: pongTimeout}
}

func (w *WebsocketConn) WriteMessage(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebsocketConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = w.conn.SetReadDeadline(time.Now().Add(w.pongTimeout))
	return data, nil
}

func (w *WebsocketConn) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *WebsocketConn) OnPong(fn func()) {
	w.conn.SetPongHandler(func(string) error {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.pongTimeout))
		fn()
		return nil
	})
}

func (w *WebsocketConn) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return w.conn.Close()
}

// NewUpgrader returns an upgrader admitting the same origins as the REST API.
// Clients that send no Origin header are not browsers and are accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	policy := cors.NewPolicy(allowedOrigins)
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || policy.Allows(origin)
		},
	}
}
