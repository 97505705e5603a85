package audio

import "encoding/binary"

// Samples returns the frame as mono float samples in [-1, 1). Multi-channel
// frames are averaged per sample period.
func Samples(f AudioFrame) []float64 {
	ch := max(f.Channels, 1)
	n := len(f.Data) / (2 * ch)
	out := make([]float64, n)
	for i := range n {
		var sum float64
		for c := range ch {
			off := (i*ch + c) * 2
			sum += float64(int16(binary.LittleEndian.Uint16(f.Data[off:])))
		}
		out[i] = sum / float64(ch) / 32768
	}
	return out
}

// ToMono16 downmixes f to mono and resamples it to rate with linear
// interpolation. Transcription services expect a single channel, and
// downmixing first halves the resampling work for stereo input.
func ToMono16(f AudioFrame, rate int) AudioFrame {
	if f.Channels <= 1 && (f.SampleRate == rate || rate <= 0 || f.SampleRate <= 0) {
		return f
	}
	mono := Samples(f)
	if rate > 0 && f.SampleRate > 0 && f.SampleRate != rate {
		mono = resampleLinear(mono, f.SampleRate, rate)
	} else {
		rate = f.SampleRate
	}
	return AudioFrame{
		Data:       encodeInt16(mono),
		SampleRate: rate,
		Channels:   1,
		Timestamp:  f.Timestamp,
	}
}

func resampleLinear(in []float64, src, dst int) []float64 {
	n := int(int64(len(in)) * int64(dst) / int64(src))
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	ratio := float64(src) / float64(dst)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := in[idx]
		s1 := s0
		if idx+1 < len(in) {
			s1 = in[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

func encodeInt16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
