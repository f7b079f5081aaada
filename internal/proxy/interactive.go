package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/sonatara/voicebridge/internal/config"
	"github.com/sonatara/voicebridge/internal/observe"
)

// Interactive serves the /proxy endpoint: browser frontends exchanging audio
// with the single registered AI backend. Frontend audio is buffered per
// session and emitted upstream in session-prefixed chunks; backend audio is
// routed back by the same prefix as raw binary frames.
type Interactive struct {
	cfg     config.InteractiveConfig
	reg     *Registry
	metrics *observe.Metrics
	log     *slog.Logger
}

var _ http.Handler = (*Interactive)(nil)

// NewInteractive creates the /proxy endpoint handler backed by reg.
func NewInteractive(cfg config.InteractiveConfig, reg *Registry, m *observe.Metrics, log *slog.Logger) *Interactive {
	return &Interactive{
		cfg:     cfg,
		reg:     reg,
		metrics: m,
		log:     log.With(slog.String("endpoint", reg.Endpoint())),
	}
}

func (e *Interactive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, hello, err := acceptConn(w, r)
	if err != nil {
		e.log.Warn("handshake failed", slog.Any("err", err))
		return
	}
	ctx := r.Context()

	switch hello.ClientType {
	case roleBackend:
		e.serveBackend(ctx, c)
	case roleFrontend:
		e.serveFrontend(ctx, c)
	default:
		e.metrics.RecordHandshakeReject(ctx, e.reg.Endpoint(), "unknown_client_type")
		_ = c.SendError(ctx, fmt.Sprintf("unknown client_type %q", hello.ClientType))
		c.Close(websocket.StatusPolicyViolation, "unknown client_type")
	}
}

// serveBackend runs the reader loop for the exclusive AI backend socket.
func (e *Interactive) serveBackend(ctx context.Context, c *Conn) {
	if err := e.reg.RegisterBackend(c); err != nil {
		e.metrics.RecordHandshakeReject(ctx, e.reg.Endpoint(), "duplicate_backend")
		e.log.Warn("rejecting duplicate backend")
		_ = c.SendError(ctx, "ai backend already connected")
		c.Close(websocket.StatusPolicyViolation, "duplicate backend")
		return
	}
	endpointAttr := metric.WithAttributes(observe.Attr("endpoint", e.reg.Endpoint()))
	e.metrics.BackendConnected.Add(ctx, 1, endpointAttr)
	e.log.Info("ai backend connected")

	defer func() {
		dctx := context.WithoutCancel(ctx)
		if e.reg.UnregisterBackend(c) {
			e.metrics.BackendConnected.Add(dctx, -1, endpointAttr)
		}
		c.Close(websocket.StatusNormalClosure, "")
		e.log.Info("ai backend disconnected")
	}()

	if err := c.WriteJSON(ctx, statusFrame("connected")); err != nil {
		return
	}

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			e.handleBackendText(ctx, c, data)
		case websocket.MessageBinary:
			e.routeBackendAudio(ctx, data)
		}
	}
}

// handleBackendText dispatches a backend control frame: a heartbeat or a
// session-addressed text message.
func (e *Interactive) handleBackendText(ctx context.Context, c *Conn, data []byte) {
	var ev backendEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		e.log.Warn("malformed backend frame", slog.Any("err", err))
		return
	}

	switch ev.Type {
	case "heartbeat":
		_ = c.WriteJSON(ctx, heartbeatAck{Type: "heartbeat_ack"})
	case "text":
		sid, err := uuid.Parse(ev.SessionID)
		if err != nil {
			e.log.Warn("text frame with invalid session_id", slog.String("session_id", ev.SessionID))
			return
		}
		client, clientID, ok := e.reg.ClientBySession(sid)
		if !ok {
			e.metrics.RecordRoutingMiss(ctx, e.reg.Endpoint())
			e.log.Warn("text frame for unknown session", slog.String("session_id", ev.SessionID))
			return
		}
		if err := client.WriteJSON(ctx, textForward{Type: "text", Content: ev.Content}); err != nil {
			e.dropClient(clientID, client)
			return
		}
		e.metrics.RecordDownstreamFrame(ctx, e.reg.Endpoint(), "text")
	default:
		e.log.Debug("ignoring backend frame", slog.String("type", ev.Type))
	}
}

// routeBackendAudio splits a backend binary frame into session prefix and
// payload and forwards the payload to the owning client.
func (e *Interactive) routeBackendAudio(ctx context.Context, data []byte) {
	if len(data) <= 16 {
		e.log.Error("undersized backend frame", slog.Int("len", len(data)))
		return
	}
	sid, err := uuid.FromBytes(data[:16])
	if err != nil {
		e.log.Error("unreadable session prefix", slog.Any("err", err))
		return
	}

	client, clientID, ok := e.reg.ClientBySession(sid)
	if !ok {
		e.metrics.RecordRoutingMiss(ctx, e.reg.Endpoint())
		e.log.Warn("audio for unknown session", slog.String("session_id", sid.String()))
		return
	}
	if err := client.WriteBinary(ctx, data[16:]); err != nil {
		e.dropClient(clientID, client)
		return
	}
	e.metrics.RecordDownstreamFrame(ctx, e.reg.Endpoint(), "binary")
}

// dropClient tears down a single session after a failed client write. The
// backend socket and every other session stay untouched; the client's own
// reader loop observes the close and finishes its teardown.
func (e *Interactive) dropClient(clientID string, c *Conn) {
	c.Close(websocket.StatusGoingAway, "write failed")
	e.reg.RemoveSession(clientID)
	e.log.Warn("dropped client after write failure", slog.String("client_id", clientID))
}

// serveFrontend runs the reader loop for one frontend client.
func (e *Interactive) serveFrontend(ctx context.Context, c *Conn) {
	clientID := newClientID()
	sid := uuid.New()
	e.reg.AddSession(clientID, c, sid)

	endpointAttr := metric.WithAttributes(observe.Attr("endpoint", e.reg.Endpoint()))
	e.metrics.ActiveClients.Add(ctx, 1, endpointAttr)
	log := e.log.With(slog.String("client_id", clientID), slog.String("session_id", sid.String()))
	log.Info("client connected")

	defer func() {
		e.reg.RemoveSession(clientID)
		e.metrics.ActiveClients.Add(context.WithoutCancel(ctx), -1, endpointAttr)
		c.Close(websocket.StatusNormalClosure, "")
		log.Info("client disconnected")
	}()

	info := sessionInfoMessage{
		Type:    "session_info",
		Content: sessionInfoContent{SessionID: sid.String(), ClientID: clientID},
	}
	if err := c.WriteJSON(ctx, info); err != nil {
		return
	}

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			size, ok := e.reg.AppendInbound(sid, data)
			if !ok {
				return
			}
			if size >= e.cfg.UpstreamChunkBytes {
				e.flushUpstream(ctx, c, sid, false)
			}
		case websocket.MessageText:
			e.handleClientCommand(ctx, c, sid, data)
		}
	}
}

// handleClientCommand dispatches a frontend control frame.
func (e *Interactive) handleClientCommand(ctx context.Context, c *Conn, sid uuid.UUID, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		e.log.Warn("malformed client frame", slog.Any("err", err))
		return
	}

	switch cmd.Command {
	case "audio_complete":
		e.flushUpstream(ctx, c, sid, true)
	case "touch":
		// Amount is reserved for pressure-dependent sound selection.
		e.log.Debug("touch command", slog.Float64("amount", cmd.Amount))
		e.playTouchSound(ctx, c)
	default:
		e.log.Debug("ignoring unknown command", slog.String("command", cmd.Command))
	}
}

// flushUpstream emits the session's buffered audio to the backend as one
// session-prefixed frame. With final set (audio_complete), an empty buffer
// or a missing backend is reported to the client as a typed error; on a
// threshold flush the buffer simply keeps accumulating until a backend is
// available.
func (e *Interactive) flushUpstream(ctx context.Context, c *Conn, sid uuid.UUID, final bool) {
	if final && e.reg.InboundLen(sid) == 0 {
		_ = c.SendError(ctx, "no audio data received")
		return
	}

	backend := e.reg.Backend()
	if backend == nil {
		if final {
			_ = c.SendError(ctx, "ai backend not connected")
			return
		}
		e.log.Warn("no backend registered, retaining buffered audio",
			slog.String("session_id", sid.String()),
			slog.Int("buffered", e.reg.InboundLen(sid)),
		)
		return
	}

	payload := e.reg.TakeInbound(sid)
	if len(payload) == 0 {
		return
	}
	if err := backend.WriteBinary(ctx, sessionFrame(sid, payload)); err != nil {
		// A broken backend socket; closing it makes the backend reader
		// loop release the slot.
		e.log.Error("backend write failed", slog.Any("err", err))
		backend.Close(websocket.StatusGoingAway, "write failed")
		return
	}
	e.metrics.RecordUpstreamChunk(ctx, e.reg.Endpoint(), len(payload))
}
