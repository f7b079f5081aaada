package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// handshakeTimeout bounds the wait for the first text frame after the
// WebSocket upgrade.
const handshakeTimeout = 10 * time.Second

// acceptConn upgrades the request and reads the mandatory handshake frame.
// On failure the connection is already closed.
func acceptConn(w http.ResponseWriter, r *http.Request) (*Conn, *handshakeMessage, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: accept: %w", err)
	}
	c := newConn(ws)

	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()

	typ, data, err := c.Read(ctx)
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, "handshake not received")
		return nil, nil, fmt.Errorf("proxy: read handshake: %w", err)
	}
	if typ != websocket.MessageText {
		_ = c.SendError(r.Context(), "handshake must be a text frame")
		c.Close(websocket.StatusPolicyViolation, "binary handshake")
		return nil, nil, fmt.Errorf("proxy: handshake was a binary frame")
	}

	var hello handshakeMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		_ = c.SendError(r.Context(), "malformed handshake")
		c.Close(websocket.StatusPolicyViolation, "malformed handshake")
		return nil, nil, fmt.Errorf("proxy: decode handshake: %w", err)
	}
	return c, &hello, nil
}

// newClientID mints a server-assigned client identifier.
func newClientID() string {
	return "client_" + uuid.NewString()[:8]
}

// sessionFrame builds an upstream binary frame: the 16-byte session UUID
// followed by the audio payload.
func sessionFrame(sid uuid.UUID, payload []byte) []byte {
	frame := make([]byte, 0, len(sid)+len(payload))
	frame = append(frame, sid[:]...)
	return append(frame, payload...)
}
