// Package audio provides the PCM container handling used by the proxy:
// canonical WAV header synthesis, container parsing, and the small set of
// sample-level conversions needed to normalise local sound files.
//
// All integer fields in the WAV layout are little-endian. Sample data is
// assumed to be interleaved signed 16-bit PCM unless a parsed header says
// otherwise.
package audio

import "fmt"

// StreamFormat describes the audio carried by one stream: the container
// type used at emission plus the raw PCM parameters.
type StreamFormat struct {
	// DataType is the container type: "raw", "wav", "mp3", or "ogg".
	DataType string `json:"audioDataType" yaml:"data_type"`

	// SampleRate in Hz (e.g. 8000, 16000, 24000).
	SampleRate int `json:"sampleRate" yaml:"sample_rate"`

	// Channels is the interleaved channel count (1 = mono, 2 = stereo).
	Channels int `json:"channels" yaml:"channels"`

	// BitDepth is the bits per sample (16 for all known peers).
	BitDepth int `json:"bitDepth" yaml:"bit_depth"`
}

// SupportedDataTypes lists the container types a telephony client may
// request in its handshake.
var SupportedDataTypes = []string{"raw", "wav", "mp3", "ogg"}

// DataTypeSupported reports whether t is a recognised container type.
func DataTypeSupported(t string) bool {
	for _, s := range SupportedDataTypes {
		if s == t {
			return true
		}
	}
	return false
}

// BytesPerSample returns the sample width in bytes.
func (f StreamFormat) BytesPerSample() int {
	return f.BitDepth / 8
}

// String returns a short human-readable description, e.g. "wav 16000Hz 1ch 16bit".
func (f StreamFormat) String() string {
	return fmt.Sprintf("%s %dHz %dch %dbit", f.DataType, f.SampleRate, f.Channels, f.BitDepth)
}
