// Package config provides the configuration schema and loader for the
// voicebridge proxy server.
package config

import "github.com/sonatara/voicebridge/pkg/audio"

// LogLevel controls log verbosity for the voicebridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects which proxy endpoints the server mounts.
type Mode string

const (
	// ModeInteractive mounts only the /proxy endpoint for browser frontends.
	ModeInteractive Mode = "interactive"

	// ModeTelephony mounts only the /call endpoint for telephony bridges.
	ModeTelephony Mode = "telephony"

	// ModeBoth mounts both endpoints. The default.
	ModeBoth Mode = "both"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeInteractive, ModeTelephony, ModeBoth:
		return true
	}
	return false
}

// Config is the root configuration structure for voicebridge.
// It is typically loaded from a YAML file using [Load], with environment
// variable overrides applied afterwards by [ApplyEnv].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Interactive InteractiveConfig `yaml:"interactive"`
	Telephony   TelephonyConfig   `yaml:"telephony"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Mode selects which endpoints are mounted: interactive, telephony, both.
	Mode Mode `yaml:"mode"`
}

// InteractiveConfig tunes the /proxy endpoint.
type InteractiveConfig struct {
	// UpstreamChunkBytes is the inbound buffer size at which accumulated
	// client audio is emitted to the backend as one session-prefixed frame.
	UpstreamChunkBytes int `yaml:"upstream_chunk_bytes"`

	// TouchSoundDir is the directory scanned for touch-sound WAV files.
	TouchSoundDir string `yaml:"touch_sound_dir"`
}

// TelephonyConfig tunes the /call endpoint.
type TelephonyConfig struct {
	// UpstreamChunkBytes is the inbound buffer size at which accumulated
	// call audio is emitted to the backend as one call-prefixed frame.
	UpstreamChunkBytes int `yaml:"upstream_chunk_bytes"`

	// DownstreamAggregateBytes is the downstream buffer size at which
	// merged backend audio is wrapped into a single container and sent to
	// the telephony client. Larger values mean fewer, later envelopes.
	DownstreamAggregateBytes int `yaml:"downstream_aggregate_bytes"`

	// WelcomeAudioPath is the WAV file streamed to a telephony client
	// right after its handshake.
	WelcomeAudioPath string `yaml:"welcome_audio_path"`

	// DebugAudioDir, when set, enables a diagnostic tap that writes every
	// inbound audio chunk to a per-call file under this directory.
	DebugAudioDir string `yaml:"debug_audio_dir"`
}

// Defaults for every tunable. The chunk sizes correspond to roughly one
// second (interactive) and half a second (telephony) of 16 kHz 16-bit mono.
const (
	DefaultListenAddr               = ":8000"
	DefaultUpstreamChunkBytes       = 32768
	DefaultCallUpstreamChunkBytes   = 16384
	DefaultDownstreamAggregateBytes = 16384
	DefaultTouchSoundDir            = "/data/app/audio/touch"
	DefaultWelcomeAudioPath         = "welcome.wav"
)

// Default returns a Config populated with all documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			LogLevel:   LogInfo,
			Mode:       ModeBoth,
		},
		Interactive: InteractiveConfig{
			UpstreamChunkBytes: DefaultUpstreamChunkBytes,
			TouchSoundDir:      DefaultTouchSoundDir,
		},
		Telephony: TelephonyConfig{
			UpstreamChunkBytes:       DefaultCallUpstreamChunkBytes,
			DownstreamAggregateBytes: DefaultDownstreamAggregateBytes,
			WelcomeAudioPath:         DefaultWelcomeAudioPath,
		},
	}
}

// DefaultCallFormat is the audio format assumed for a telephony call whose
// handshake does not carry an audio_config block.
func DefaultCallFormat() audio.StreamFormat {
	return audio.StreamFormat{DataType: "raw", SampleRate: 16000, Channels: 1, BitDepth: 16}
}
