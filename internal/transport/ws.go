package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// WSDialer opens WebSocket connections with gorilla/websocket.
type WSDialer struct {
	dialer *websocket.Dialer
}

func NewWSDialer(timeout time.Duration) *WSDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WSDialer{dialer: &websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}}
}

func (d *WSDialer) Dial(ctx context.Context, feed Feed, _ string) (Conn, error) {
	c, _, err := d.dialer.DialContext(ctx, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", feed.URL, err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(context.Context) (Frame, error) {
	_, data, err := w.c.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Data: data}, nil
}

func (w *wsConn) Write(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(wsWriteWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = w.c.SetWriteDeadline(deadline)
	return w.c.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.c.Close()
}
