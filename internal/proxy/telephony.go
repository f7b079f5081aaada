package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/sonatara/voicebridge/internal/config"
	"github.com/sonatara/voicebridge/internal/observe"
	"github.com/sonatara/voicebridge/pkg/audio"
)

// welcomeFormat describes the welcome sound streamed to a telephony client
// right after its handshake.
var welcomeFormat = audio.StreamFormat{DataType: "wav", SampleRate: 24000, Channels: 1, BitDepth: 16}

// welcomePause is the gap left after the welcome envelope before call audio
// starts flowing, so the greeting is not talked over.
const welcomePause = time.Second

// Telephony serves the /call endpoint: telephony bridges (freeswitch)
// exchanging call audio with the single registered AI backend. Unlike the
// interactive endpoint, downstream backend audio is not forwarded frame by
// frame: container headers are stripped, the sample data is merged per call,
// and one self-contained container is emitted once enough audio accumulated.
type Telephony struct {
	cfg     config.TelephonyConfig
	reg     *Registry
	metrics *observe.Metrics
	log     *slog.Logger

	debugDirOnce sync.Once
}

var _ http.Handler = (*Telephony)(nil)

// NewTelephony creates the /call endpoint handler backed by reg.
func NewTelephony(cfg config.TelephonyConfig, reg *Registry, m *observe.Metrics, log *slog.Logger) *Telephony {
	return &Telephony{
		cfg:     cfg,
		reg:     reg,
		metrics: m,
		log:     log.With(slog.String("endpoint", reg.Endpoint())),
	}
}

func (e *Telephony) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, hello, err := acceptConn(w, r)
	if err != nil {
		e.log.Warn("handshake failed", slog.Any("err", err))
		return
	}
	ctx := r.Context()

	switch hello.ClientType {
	case roleBackend:
		e.serveBackend(ctx, c)
	case roleFreeswitch:
		e.serveCall(ctx, c, hello)
	default:
		e.metrics.RecordHandshakeReject(ctx, e.reg.Endpoint(), "unknown_client_type")
		_ = c.SendError(ctx, fmt.Sprintf("unknown client_type %q", hello.ClientType))
		c.Close(websocket.StatusPolicyViolation, "unknown client_type")
	}
}

// serveCall runs the reader loop for one telephony client.
func (e *Telephony) serveCall(ctx context.Context, c *Conn, hello *handshakeMessage) {
	callID := uuid.New()
	if hello.CallID != "" {
		if id, err := uuid.Parse(hello.CallID); err == nil {
			callID = id
		} else {
			e.log.Warn("unparseable call_id, minting a fresh one",
				slog.String("call_id", hello.CallID))
		}
	}

	format := hello.AudioConfig.apply(config.DefaultCallFormat())
	if err := validateFormat(format); err != nil {
		e.metrics.RecordHandshakeReject(ctx, e.reg.Endpoint(), "bad_audio_config")
		_ = c.SendError(ctx, err.Error())
		c.Close(websocket.StatusPolicyViolation, "bad audio_config")
		return
	}

	clientID := newClientID()
	e.reg.AddSession(clientID, c, callID)
	e.reg.SetFormat(callID, format)

	endpointAttr := metric.WithAttributes(observe.Attr("endpoint", e.reg.Endpoint()))
	e.metrics.ActiveClients.Add(ctx, 1, endpointAttr)
	log := e.log.With(slog.String("client_id", clientID), slog.String("call_id", callID.String()))
	log.Info("call connected", slog.String("format", format.String()))

	defer func() {
		dctx := context.WithoutCancel(ctx)
		e.emitEnvelope(dctx, callID)
		e.reg.RemoveSession(clientID)
		e.metrics.ActiveClients.Add(dctx, -1, endpointAttr)
		c.Close(websocket.StatusNormalClosure, "")
		log.Info("call disconnected")
	}()

	info := callInfoMessage{
		Type:    "session_info",
		Content: callInfoContent{CallID: callID.String(), ClientID: clientID},
	}
	if err := c.WriteJSON(ctx, info); err != nil {
		return
	}

	e.sendWelcome(ctx, c, log)

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			e.debugTap(callID, data)
			size, ok := e.reg.AppendInbound(callID, data)
			if !ok {
				return
			}
			if size >= e.cfg.UpstreamChunkBytes {
				e.flushUpstream(ctx, c, callID, false)
			}
		case websocket.MessageText:
			if done := e.handleCallCommand(ctx, c, callID, data); done {
				return
			}
		}
	}
}

// validateFormat checks the effective audio-format descriptor of a call.
func validateFormat(f audio.StreamFormat) error {
	if !audio.DataTypeSupported(f.DataType) {
		return fmt.Errorf("unsupported audioDataType %q (supported: %s)",
			f.DataType, strings.Join(audio.SupportedDataTypes, ", "))
	}
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitDepth <= 0 {
		return fmt.Errorf("invalid audio_config: %s", f)
	}
	return nil
}

// sendWelcome streams the configured welcome sound as one downstream
// envelope, then pauses so the greeting can play out. A missing or
// unreadable file skips the welcome but never fails the call.
func (e *Telephony) sendWelcome(ctx context.Context, c *Conn, log *slog.Logger) {
	raw, err := os.ReadFile(e.cfg.WelcomeAudioPath)
	if err != nil {
		log.Warn("welcome audio unavailable", slog.String("path", e.cfg.WelcomeAudioPath), slog.Any("err", err))
		return
	}

	env := streamAudioMessage{
		Type: "streamAudio",
		Data: streamAudioData{
			StreamFormat: welcomeFormat,
			AudioData:    base64.StdEncoding.EncodeToString(raw),
		},
	}
	if err := c.WriteJSON(ctx, env); err != nil {
		return
	}
	log.Debug("welcome audio sent", slog.Int("bytes", len(raw)))

	select {
	case <-ctx.Done():
	case <-time.After(welcomePause):
	}
}

// handleCallCommand dispatches a telephony control frame. Returns true when
// the call should end.
func (e *Telephony) handleCallCommand(ctx context.Context, c *Conn, callID uuid.UUID, data []byte) bool {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		e.log.Warn("malformed client frame", slog.Any("err", err))
		return false
	}

	switch cmd.Command {
	case "call_start":
		_ = c.WriteJSON(ctx, statusFrame("call started"))
	case "call_end":
		e.flushUpstream(ctx, c, callID, false)
		_ = c.WriteJSON(ctx, statusFrame("call ended"))
		return true
	case "heartbeat":
		_ = c.WriteJSON(ctx, heartbeatAck{Type: "heartbeat_ack", Timestamp: cmd.Timestamp})
	case "audio_complete":
		e.flushUpstream(ctx, c, callID, true)
	default:
		e.log.Debug("ignoring unknown command", slog.String("command", cmd.Command))
	}
	return false
}

// flushUpstream emits the call's buffered audio to the backend as one
// call-prefixed frame. Same contract as the interactive endpoint: final
// flushes report problems to the client, threshold flushes retain the
// buffer until a backend is available.
func (e *Telephony) flushUpstream(ctx context.Context, c *Conn, callID uuid.UUID, final bool) {
	if final && e.reg.InboundLen(callID) == 0 {
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
			slog.String("call_id", callID.String()),
			slog.Int("buffered", e.reg.InboundLen(callID)),
		)
		return
	}

	payload := e.reg.TakeInbound(callID)
	if len(payload) == 0 {
		return
	}
	if err := backend.WriteBinary(ctx, sessionFrame(callID, payload)); err != nil {
		e.log.Error("backend write failed", slog.Any("err", err))
		backend.Close(websocket.StatusGoingAway, "write failed")
		return
	}
	e.metrics.RecordUpstreamChunk(ctx, e.reg.Endpoint(), len(payload))
}

// serveBackend runs the reader loop for the exclusive AI backend socket.
func (e *Telephony) serveBackend(ctx context.Context, c *Conn) {
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
			e.mergeBackendAudio(ctx, data)
		}
	}
}

// handleBackendText dispatches a backend control frame: a heartbeat or a
// call-addressed text message.
func (e *Telephony) handleBackendText(ctx context.Context, c *Conn, data []byte) {
	var ev backendEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		e.log.Warn("malformed backend frame", slog.Any("err", err))
		return
	}

	switch ev.Type {
	case "heartbeat":
		_ = c.WriteJSON(ctx, heartbeatAck{Type: "heartbeat_ack"})
	case "text":
		callID, err := uuid.Parse(ev.CallID)
		if err != nil {
			e.log.Warn("text frame with invalid call_id", slog.String("call_id", ev.CallID))
			return
		}
		client, clientID, ok := e.reg.ClientBySession(callID)
		if !ok {
			e.metrics.RecordRoutingMiss(ctx, e.reg.Endpoint())
			e.log.Warn("text frame for unknown call", slog.String("call_id", ev.CallID))
			return
		}
		fwd := textForward{Type: "text", CallID: ev.CallID, Content: ev.Content}
		if err := client.WriteJSON(ctx, fwd); err != nil {
			e.dropClient(clientID, client)
			return
		}
		e.metrics.RecordDownstreamFrame(ctx, e.reg.Endpoint(), "text")
	default:
		e.log.Debug("ignoring backend frame", slog.String("type", ev.Type))
	}
}

// mergeBackendAudio splits a backend binary frame, strips the container
// header from the payload, and accumulates the raw sample data for the
// addressed call. Crossing the aggregate threshold emits one envelope.
func (e *Telephony) mergeBackendAudio(ctx context.Context, data []byte) {
	if len(data) <= 16 {
		e.log.Error("undersized backend frame", slog.Int("len", len(data)))
		return
	}
	callID, err := uuid.FromBytes(data[:16])
	if err != nil {
		e.log.Error("unreadable call prefix", slog.Any("err", err))
		return
	}
	payload := data[16:]

	pcm, err := audio.ExtractPCM(payload)
	if err != nil {
		// Not a parseable container; keep the bytes rather than lose audio.
		e.log.Warn("unparseable audio container, buffering raw bytes",
			slog.String("call_id", callID.String()), slog.Any("err", err))
		pcm = payload
	}

	size, ok := e.reg.AppendDownstream(callID, pcm)
	if !ok {
		e.metrics.RecordRoutingMiss(ctx, e.reg.Endpoint())
		e.log.Warn("audio for unknown call", slog.String("call_id", callID.String()))
		return
	}
	if size >= e.cfg.DownstreamAggregateBytes {
		e.emitEnvelope(ctx, callID)
	}
}

// emitEnvelope wraps the call's merged sample data into one self-contained
// WAV container and sends it as a streamAudio envelope. Also used as the
// best-effort final flush when a call disconnects.
func (e *Telephony) emitEnvelope(ctx context.Context, callID uuid.UUID) {
	client, clientID, ok := e.reg.ClientBySession(callID)
	if !ok {
		return
	}
	f, ok := e.reg.Format(callID)
	if !ok {
		f = config.DefaultCallFormat()
	}
	pcm := e.reg.TakeDownstream(callID)
	if len(pcm) == 0 {
		return
	}

	// The merged payload is always a WAV container regardless of the
	// container type the call requested; rate, channels, and depth come
	// from the call's descriptor.
	f.DataType = "wav"
	env := streamAudioMessage{
		Type: "streamAudio",
		Data: streamAudioData{
			StreamFormat: f,
			AudioData:    base64.StdEncoding.EncodeToString(audio.WrapPCM(f, pcm)),
		},
	}
	if err := client.WriteJSON(ctx, env); err != nil {
		e.dropClient(clientID, client)
		return
	}
	e.metrics.RecordDownstreamFrame(ctx, e.reg.Endpoint(), "envelope")
}

// dropClient tears down a single call after a failed client write.
func (e *Telephony) dropClient(clientID string, c *Conn) {
	c.Close(websocket.StatusGoingAway, "write failed")
	e.reg.RemoveSession(clientID)
	e.log.Warn("dropped client after write failure", slog.String("client_id", clientID))
}

// debugTap appends an inbound audio chunk to a per-call file when the
// diagnostic tap is enabled. Strictly best effort.
func (e *Telephony) debugTap(callID uuid.UUID, chunk []byte) {
	if e.cfg.DebugAudioDir == "" {
		return
	}
	e.debugDirOnce.Do(func() {
		if err := os.MkdirAll(e.cfg.DebugAudioDir, 0o755); err != nil {
			e.log.Warn("debug audio dir unavailable", slog.Any("err", err))
		}
	})

	path := filepath.Join(e.cfg.DebugAudioDir, callID.String()+".raw")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.log.Debug("debug tap open failed", slog.Any("err", err))
		return
	}
	defer f.Close()
	if _, err := f.Write(chunk); err != nil {
		e.log.Debug("debug tap write failed", slog.Any("err", err))
	}
}
