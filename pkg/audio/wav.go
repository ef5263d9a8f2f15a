// Package audio provides the small amount of audio plumbing the relay needs:
// reading and writing RIFF/WAV containers and converting 16-bit PCM between
// channel layouts and sample rates. Codecs are out of scope; everything here
// works on uncompressed little-endian PCM.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAVHeaderSize is the length of the canonical 44-byte PCM WAV header.
const WAVHeaderSize = 44

// Format describes uncompressed PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// WAV format tags understood by [DecodeWAV].
const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

var (
	// ErrNotWAV is returned when the data does not start with a RIFF/WAVE header.
	ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

	// ErrUnsupportedWAV is returned for encodings other than 16-bit integer
	// or 32-bit float PCM.
	ErrUnsupportedWAV = errors.New("audio: unsupported WAV encoding")
)

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV parses a RIFF/WAV container and returns its samples as 16-bit
// signed little-endian PCM. 32-bit float input is converted; unknown chunks
// (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if !IsWAV(data) {
		return nil, Format{}, ErrNotWAV
	}

	var (
		f       Format
		tag     uint16
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// Streaming encoders write a placeholder size; trust what we have.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, Format{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", end-body)
			}
			tag = binary.LittleEndian.Uint16(data[body : body+2])
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, errors.New("audio: data chunk before fmt chunk")
			}
			pcm, err := toPCM16(data[body:end], tag, f.BitsPerSample)
			if err != nil {
				return nil, Format{}, err
			}
			f.BitsPerSample = 16
			return pcm, f, nil
		}

		pos = end
		if size%2 == 1 {
			pos++ // chunks are word aligned
		}
	}
	return nil, Format{}, errors.New("audio: no data chunk")
}

func toPCM16(raw []byte, tag uint16, bits int) ([]byte, error) {
	switch {
	case tag == wavFormatPCM && bits == 16:
		return raw[:len(raw)&^1], nil
	case tag == wavFormatFloat && bits == 32:
		n := len(raw) / 4
		out := make([]byte, n*2)
		for i := range n {
			v := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
			binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(v)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: format tag %d, %d bits", ErrUnsupportedWAV, tag, bits)
	}
}

func floatToInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}

// EncodeWAV wraps 16-bit signed little-endian PCM in a canonical 44-byte
// RIFF/WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[WAVHeaderSize:], pcm)

	return buf
}

// StripWAVHeader drops the canonical 44-byte header from data when it starts
// with one, returning the raw PCM payload. Other input is returned unchanged.
func StripWAVHeader(data []byte) []byte {
	if IsWAV(data) && len(data) >= WAVHeaderSize {
		return data[WAVHeaderSize:]
	}
	return data
}
