package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sonatara/voicebridge/pkg/audio"
)

var testFormat = audio.StreamFormat{DataType: "wav", SampleRate: 16000, Channels: 1, BitDepth: 16}

func TestEncodeHeader_Layout(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 320, 640, 32768} {
		h := audio.EncodeHeader(testFormat, n)

		if len(h) != audio.HeaderLen {
			t.Fatalf("header length = %d, want %d", len(h), audio.HeaderLen)
		}
		if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" {
			t.Fatalf("bad magic: %q %q", h[0:4], h[8:12])
		}
		if got := binary.LittleEndian.Uint32(h[4:8]); got != uint32(36+n) {
			t.Errorf("riff size = %d, want %d", got, 36+n)
		}
		if got := binary.LittleEndian.Uint32(h[40:44]); got != uint32(n) {
			t.Errorf("data size = %d, want %d", got, n)
		}
	}
}

func TestEncodeHeader_FormatFields(t *testing.T) {
	t.Parallel()

	f := audio.StreamFormat{DataType: "wav", SampleRate: 24000, Channels: 2, BitDepth: 16}
	h := audio.EncodeHeader(f, 100)

	if got := binary.LittleEndian.Uint16(h[20:22]); got != 1 {
		t.Errorf("format code = %d, want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(h[22:24]); got != 2 {
		t.Errorf("channels = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint32(h[24:28]); got != 24000 {
		t.Errorf("sample rate = %d, want 24000", got)
	}
	if got := binary.LittleEndian.Uint32(h[28:32]); got != 24000*2*2 {
		t.Errorf("byte rate = %d, want %d", got, 24000*2*2)
	}
	if got := binary.LittleEndian.Uint16(h[32:34]); got != 4 {
		t.Errorf("block align = %d, want 4", got)
	}
	if got := binary.LittleEndian.Uint16(h[34:36]); got != 16 {
		t.Errorf("bits per sample = %d, want 16", got)
	}
}

func TestWrapParse_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 640)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	container := audio.WrapPCM(testFormat, pcm)
	f, data, err := audio.ParseWAV(container)
	if err != nil {
		t.Fatalf("ParseWAV() error: %v", err)
	}
	if !bytes.Equal(data, pcm) {
		t.Error("parsed sample data differs from input")
	}
	if f.SampleRate != 16000 || f.Channels != 1 || f.BitDepth != 16 {
		t.Errorf("parsed format = %+v", f)
	}
}

// Stripping the headers of k containers and re-wrapping the concatenation
// must yield a single container whose sample data equals the concatenation
// of the inputs' sample data.
func TestMerge_RoundTrip(t *testing.T) {
	t.Parallel()

	f := audio.StreamFormat{DataType: "wav", SampleRate: 24000, Channels: 1, BitDepth: 16}
	var want, merged []byte
	for k := 0; k < 3; k++ {
		pcm := bytes.Repeat([]byte{byte(k), byte(k + 1)}, 160)
		want = append(want, pcm...)

		frames, err := audio.ExtractPCM(audio.WrapPCM(f, pcm))
		if err != nil {
			t.Fatalf("ExtractPCM() error: %v", err)
		}
		merged = append(merged, frames...)
	}

	out := audio.WrapPCM(f, merged)
	if got := binary.LittleEndian.Uint32(out[40:44]); got != uint32(len(want)) {
		t.Errorf("declared data length = %d, want %d", got, len(want))
	}
	if !bytes.Equal(out[audio.HeaderLen:], want) {
		t.Error("merged sample data differs from concatenated inputs")
	}
}

func TestParseWAV_SkipsExtraChunks(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	container := audio.WrapPCM(testFormat, pcm)

	// Splice a LIST chunk between fmt and data.
	list := append([]byte("LIST"), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(list[4:8], 4)
	list = append(list, "INFO"...)

	spliced := append([]byte{}, container[:36]...)
	spliced = append(spliced, list...)
	spliced = append(spliced, container[36:]...)
	binary.LittleEndian.PutUint32(spliced[4:8], uint32(len(spliced)-8))

	_, data, err := audio.ParseWAV(spliced)
	if err != nil {
		t.Fatalf("ParseWAV() error: %v", err)
	}
	if !bytes.Equal(data, pcm) {
		t.Errorf("data = %v, want %v", data, pcm)
	}
}

func TestParseWAV_TruncatedData(t *testing.T) {
	t.Parallel()

	container := audio.WrapPCM(testFormat, make([]byte, 100))
	_, data, err := audio.ParseWAV(container[:audio.HeaderLen+40])
	if err != nil {
		t.Fatalf("ParseWAV() error: %v", err)
	}
	if len(data) != 40 {
		t.Errorf("truncated data length = %d, want 40", len(data))
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"short", []byte("RIFF")},
		{"wrong magic", bytes.Repeat([]byte{0xAA}, 64)},
		{"raw pcm", bytes.Repeat([]byte{0x01, 0x02}, 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := audio.ParseWAV(tt.input); !errors.Is(err, audio.ErrNotWAV) {
				t.Errorf("ParseWAV(%s) error = %v, want ErrNotWAV", tt.name, err)
			}
		})
	}
}

func TestParseWAV_NonPCMFormatCode(t *testing.T) {
	t.Parallel()

	container := audio.WrapPCM(testFormat, []byte{0, 0})
	binary.LittleEndian.PutUint16(container[20:22], 3) // IEEE float

	if _, _, err := audio.ParseWAV(container); err == nil {
		t.Error("ParseWAV() with float format code should fail")
	}
}
