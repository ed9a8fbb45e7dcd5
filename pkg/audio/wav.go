package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// errWAVIncomplete signals that more bytes are needed before the RIFF
// header can be parsed. Internal to the streaming decoder.
var errWAVIncomplete = errors.New("audio: incomplete wav header")

// parseWAVHeader walks the RIFF chunk list until it finds the fmt and data
// chunks. It returns the sample rate, channel count and the byte offset of
// the first data sample. Only 16-bit PCM is accepted.
func parseWAVHeader(b []byte) (rate, channels, dataOffset int, err error) {
	if len(b) < 12 {
		return 0, 0, 0, errWAVIncomplete
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return 0, 0, 0, fmt.Errorf("audio: not a RIFF/WAVE stream: %w", ErrCodec)
	}

	var haveFmt bool
	off := 12
	for {
		if off+8 > len(b) {
			return 0, 0, 0, errWAVIncomplete
		}
		chunkID := string(b[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8

		switch chunkID {
		case "fmt ":
			if body+16 > len(b) {
				return 0, 0, 0, errWAVIncomplete
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			if format != 1 || bits != 16 {
				return 0, 0, 0, fmt.Errorf("audio: wav format %d/%d-bit, want PCM/16-bit: %w",
					format, bits, ErrUnsupportedFormat)
			}
			if channels <= 0 || rate <= 0 {
				return 0, 0, 0, fmt.Errorf("audio: wav fmt chunk invalid: %w", ErrCodec)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return 0, 0, 0, fmt.Errorf("audio: wav data chunk before fmt: %w", ErrCodec)
			}
			return rate, channels, body, nil
		}

		// Chunks are word-aligned.
		off = body + chunkSize + chunkSize%2
	}
}

// EncodeWAV wraps int16 LE PCM bytes in a minimal RIFF/WAVE container.
// Used for the transcription upload and the file output adapter.
func EncodeWAV(pcm []byte, rate, channels int) []byte {
	const headerSize = 44
	out := make([]byte, headerSize+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(rate*channels*2))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
