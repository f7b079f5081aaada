// Package proxy implements the WebSocket audio proxy: the interactive
// /proxy endpoint, the telephony /call endpoint, the per-endpoint session
// registry, and the admin status/cleanup surface.
//
// Each endpoint brokers audio between many clients and a single exclusive
// AI backend socket. Upstream audio is buffered per session and emitted to
// the backend as binary frames prefixed with the 16-byte session UUID;
// downstream backend frames carry the same prefix and are routed back to
// the owning client.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// maxFrameBytes bounds a single inbound WebSocket frame. Backend chunks are
// session-prefixed aggregates, so the limit sits well above the largest
// configured chunk size.
const maxFrameBytes = 1 << 20

// Conn wraps a WebSocket connection with serialised writes. Reads stay
// single-goroutine by construction (one reader loop per socket); writes can
// come from the reader loop, the peer endpoint's backend reader, and admin
// cleanup, so they take a mutex.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{ws: ws}
}

// Read returns the next frame. It blocks until a frame arrives, the peer
// closes, or ctx is cancelled (which closes the connection).
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}

// WriteBinary sends one binary frame.
func (c *Conn) WriteBinary(ctx context.Context, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, p)
}

// WriteJSON marshals v and sends it as one text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	p, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("proxy: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, p)
}

// SendError sends a typed error frame without closing the connection.
func (c *Conn) SendError(ctx context.Context, content string) error {
	return c.WriteJSON(ctx, errorFrame(content))
}

// Ping sends a ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close closes the connection with the given status. Safe to call more than
// once; only the first call sends a close frame.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
	})
}
