package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the length of the canonical PCM WAV header this package
// writes: RIFF chunk descriptor, one "fmt " subchunk of 16 bytes, and the
// "data" subchunk header.
const HeaderLen = 44

// pcmFormatCode is the WAV format tag for uncompressed PCM.
const pcmFormatCode = 1

// ErrNotWAV is returned by ParseWAV when the input does not start with a
// RIFF/WAVE chunk descriptor.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// EncodeHeader synthesises the canonical 44-byte WAV header for dataLen
// bytes of PCM in the given format. The declared RIFF chunk size is
// 36+dataLen and all integer fields are little-endian.
func EncodeHeader(f StreamFormat, dataLen int) []byte {
	bytesPerSample := f.BytesPerSample()
	byteRate := f.SampleRate * f.Channels * bytesPerSample
	blockAlign := f.Channels * bytesPerSample

	h := make([]byte, HeaderLen)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")

	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], pcmFormatCode)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitDepth))

	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// WrapPCM prepends a synthesised header to pcm, producing a self-contained
// WAV container.
func WrapPCM(f StreamFormat, pcm []byte) []byte {
	out := make([]byte, 0, HeaderLen+len(pcm))
	out = append(out, EncodeHeader(f, len(pcm))...)
	return append(out, pcm...)
}

// ParseWAV walks the chunk list of a WAV container and returns the declared
// format and the raw sample data. Subchunks other than "fmt " and "data"
// (LIST, fact, …) are skipped. The data subchunk may be truncated: the
// available bytes are returned rather than an error, since streamed
// containers are often cut mid-chunk.
func ParseWAV(container []byte) (StreamFormat, []byte, error) {
	if len(container) < 12 || string(container[0:4]) != "RIFF" || string(container[8:12]) != "WAVE" {
		return StreamFormat{}, nil, ErrNotWAV
	}

	var f StreamFormat
	var data []byte
	sawFmt, sawData := false, false

	off := 12
	for off+8 <= len(container) {
		id := string(container[off : off+4])
		size := int(binary.LittleEndian.Uint32(container[off+4 : off+8]))
		body := container[off+8:]
		if size < len(body) {
			body = body[:size]
		}

		switch id {
		case "fmt ":
			if len(body) < 16 {
				return StreamFormat{}, nil, fmt.Errorf("audio: fmt subchunk too short (%d bytes)", len(body))
			}
			if code := binary.LittleEndian.Uint16(body[0:2]); code != pcmFormatCode {
				return StreamFormat{}, nil, fmt.Errorf("audio: unsupported format code %d", code)
			}
			f = StreamFormat{
				DataType:   "wav",
				Channels:   int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
				BitDepth:   int(binary.LittleEndian.Uint16(body[14:16])),
			}
			sawFmt = true
		case "data":
			data = body
			sawData = true
		}

		// Chunks are word-aligned; a padding byte follows odd sizes.
		off += 8 + size + size%2
	}

	if !sawFmt || !sawData {
		return StreamFormat{}, nil, fmt.Errorf("audio: missing subchunk (fmt: %t, data: %t)", sawFmt, sawData)
	}
	return f, data, nil
}

// ExtractPCM returns the raw sample data of a WAV container, discarding the
// header. This is the strip step of the container merge: buffered downstream
// audio holds only concatenated sample data, and a single header is
// synthesised again at emission.
func ExtractPCM(container []byte) ([]byte, error) {
	_, data, err := ParseWAV(container)
	return data, err
}
