package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

func TestEncodeDecodeWAV(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, -2, 300, -400})
	wav := audio.EncodeWAV(pcm, 16000, 1)

	if len(wav) != audio.WAVHeaderSize+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), audio.WAVHeaderSize+len(pcm))
	}

	got, f, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f.SampleRate != 16000 || f.Channels != 1 || f.BitsPerSample != 16 {
		t.Errorf("format = %+v", f)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm mismatch: got %v, want %v", bytesToSamples(got), bytesToSamples(pcm))
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{7, 8})
	wav := audio.EncodeWAV(pcm, 8000, 1)

	// Insert a 3-byte LIST chunk (padded to 4) between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	withList := append([]byte{}, wav[:36]...)
	withList = append(withList, list...)
	withList = append(withList, wav[36:]...)

	got, _, err := audio.DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm mismatch: got %v", bytesToSamples(got))
	}
}

func TestDecodeWAV_Float32(t *testing.T) {
	t.Parallel()
	samples := []float32{0, 1, -1}
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	wav := audio.EncodeWAV(data, 16000, 1)
	binary.LittleEndian.PutUint16(wav[20:22], 3)  // IEEE float
	binary.LittleEndian.PutUint16(wav[34:36], 32) // bits per sample

	got, f, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f.BitsPerSample != 16 {
		t.Errorf("BitsPerSample = %d, want 16", f.BitsPerSample)
	}
	want := []int16{0, 32767, -32767}
	s := bytesToSamples(got)
	for i := range want {
		if s[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, s[i], want[i])
		}
	}
}

func TestDecodeWAV_Errors(t *testing.T) {
	t.Parallel()

	if _, _, err := audio.DecodeWAV([]byte("not audio at all")); !errors.Is(err, audio.ErrNotWAV) {
		t.Errorf("err = %v, want ErrNotWAV", err)
	}

	wav := audio.EncodeWAV(samplesToBytes([]int16{1}), 16000, 1)
	binary.LittleEndian.PutUint16(wav[34:36], 8)
	if _, _, err := audio.DecodeWAV(wav); !errors.Is(err, audio.ErrUnsupportedWAV) {
		t.Errorf("err = %v, want ErrUnsupportedWAV", err)
	}
}

func TestStripWAVHeader(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{5, 6})
	if got := audio.StripWAVHeader(audio.EncodeWAV(pcm, 24000, 1)); string(got) != string(pcm) {
		t.Errorf("StripWAVHeader returned %v", got)
	}
	if got := audio.StripWAVHeader(pcm); string(got) != string(pcm) {
		t.Error("non-WAV input should be returned unchanged")
	}
}
