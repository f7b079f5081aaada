package proxy

import (
	"encoding/json"

	"github.com/sonatara/voicebridge/pkg/audio"
)

// Client roles accepted in the handshake frame.
const (
	roleBackend    = "ai_backend"
	roleFrontend   = "frontend"
	roleFreeswitch = "freeswitch"
)

// handshakeMessage is the first text frame every socket must send.
// CallID and AudioConfig are honoured only on the telephony endpoint.
type handshakeMessage struct {
	ClientType  string            `json:"client_type"`
	CallID      string            `json:"call_id,omitempty"`
	AudioConfig *audioConfigPatch `json:"audio_config,omitempty"`
}

// audioConfigPatch is a partial audio-format descriptor from a telephony
// handshake. Nil fields keep the defaults; keys the struct does not declare
// are ignored by the decoder.
type audioConfigPatch struct {
	DataType   *string `json:"audioDataType"`
	SampleRate *int    `json:"sampleRate"`
	Channels   *int    `json:"channels"`
	BitDepth   *int    `json:"bitDepth"`
}

// apply merges the patch over f, returning the effective descriptor.
func (p *audioConfigPatch) apply(f audio.StreamFormat) audio.StreamFormat {
	if p == nil {
		return f
	}
	if p.DataType != nil {
		f.DataType = *p.DataType
	}
	if p.SampleRate != nil {
		f.SampleRate = *p.SampleRate
	}
	if p.Channels != nil {
		f.Channels = *p.Channels
	}
	if p.BitDepth != nil {
		f.BitDepth = *p.BitDepth
	}
	return f
}

// backendEvent is a text frame from the AI backend: a heartbeat or an
// addressed text message. The interactive endpoint addresses sessions via
// session_id, the telephony endpoint via call_id.
type backendEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// clientCommand is a text frame from a client: a control command rather
// than audio.
type clientCommand struct {
	Command string `json:"command"`

	// Amount is the touch pressure accompanying a "touch" command.
	// Reserved for pressure-dependent sound selection.
	Amount float64 `json:"amount,omitempty"`

	// Timestamp is echoed back verbatim in the heartbeat_ack reply.
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Outgoing frames.

type errorMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func errorFrame(content string) errorMessage {
	return errorMessage{Type: "error", Content: content}
}

type statusMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func statusFrame(content string) statusMessage {
	return statusMessage{Type: "status", Content: content}
}

// sessionInfoMessage tells a frontend its server-assigned identifiers.
type sessionInfoMessage struct {
	Type    string             `json:"type"`
	Content sessionInfoContent `json:"content"`
}

type sessionInfoContent struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
}

// callInfoMessage tells a telephony client its effective call identifier
// and server-assigned client identifier.
type callInfoMessage struct {
	Type    string          `json:"type"`
	Content callInfoContent `json:"content"`
}

type callInfoContent struct {
	CallID   string `json:"call_id"`
	ClientID string `json:"client_id"`
}

// textForward is an addressed backend text message relayed to a client.
// CallID is set only on the telephony endpoint.
type textForward struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content"`
}

type heartbeatAck struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// streamAudioMessage is the telephony downstream envelope: one merged,
// base64-encoded audio container plus its descriptor.
type streamAudioMessage struct {
	Type string          `json:"type"`
	Data streamAudioData `json:"data"`
}

type streamAudioData struct {
	audio.StreamFormat
	AudioData string `json:"audioData"`
}
