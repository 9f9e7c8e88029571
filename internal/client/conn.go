// ABOUTME: Transport abstraction over the gateway connection.
// ABOUTME: Production uses a websocket; tests inject an in-memory Conn.

package client

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/coven-runtime/internal/protocol"
)

// Conn is one live message-oriented connection to the gateway.
type Conn interface {
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Close() error
}

// Dialer opens a new Conn. Injectable for tests.
type Dialer func(ctx context.Context) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := wsjson.Read(ctx, w.c, &env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

func (w *wsConn) Write(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, w.c, env)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "runtime disconnecting")
}

// WebSocketDialer dials the gateway websocket endpoint with the given
// headers (bearer token and runtime identity).
func WebSocketDialer(url string, headers http.Header) Dialer {
	return func(ctx context.Context) (Conn, error) {
		c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: headers,
		})
		if err != nil {
			return nil, err
		}
		// Frame payloads can carry large tool output.
		c.SetReadLimit(8 * 1024 * 1024)
		return &wsConn{c: c}, nil
	}
}
