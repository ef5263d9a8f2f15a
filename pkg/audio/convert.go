package audio

import "encoding/binary"

// DownmixMono16 averages interleaved 16-bit PCM frames of the given channel
// count into mono. Mono input is returned unchanged; a trailing partial frame
// is dropped.
func DownmixMono16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := i*frameBytes + ch*2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[idx : idx+2])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	sampleAt := func(i int) int16 {
		return int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(idx + 1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Float32 converts 16-bit signed little-endian PCM to samples normalised to
// [-1.0, 1.0]. A trailing odd byte is ignored.
func Float32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
	}
	return samples
}

// MonoFloat32At converts PCM of format f into normalised mono samples at
// targetRate, the layout speech recognisers such as whisper.cpp expect.
func MonoFloat32At(pcm []byte, f Format, targetRate int) []float32 {
	mono := DownmixMono16(pcm, f.Channels)
	return Float32(ResampleMono16(mono, f.SampleRate, targetRate))
}
