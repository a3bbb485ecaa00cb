// Package audio converts between the telephony leg (μ-law, 8 kHz) and the
// realtime model leg (PCM16 little-endian, 24 kHz) of a call.
//
// All functions are stateless and deterministic. The only allocation is the
// output buffer.
package audio

import (
	"errors"
	"math"
)

// FrameBytes is one 20 ms μ-law frame at 8 kHz.
const FrameBytes = 160

// ULawSilence is the μ-law encoding of a zero sample, used to pad
// partial frames.
const ULawSilence = 0xFF

// ErrOddPCMLength is returned when PCM16 input has an odd byte length.
var ErrOddPCMLength = errors.New("audio: pcm16 input length must be even")

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawToLinear is the G.711 μ-law expansion table, computed once at init.
var ulawToLinear [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exp := (u >> 4) & 0x07
		mant := u & 0x0F
		v := (int(mant) << 3) + ulawBias
		v <<= uint(exp)
		v -= ulawBias
		if sign != 0 {
			v = -v
		}
		ulawToLinear[i] = int16(v)
	}
}

func linearToULaw(sample int16) byte {
	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exp := 7
	for mask := 0x4000; exp > 0 && s&mask == 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> uint(exp+3)) & 0x0F)
	return ^(sign | byte(exp)<<4 | mant)
}

// DecodeULawToPCM24k decodes μ-law 8 kHz bytes and upsamples 3x by linear
// interpolation. Output is PCM16 little-endian at 24 kHz: 6 bytes out per
// input byte. Zero-length input returns an empty slice.
func DecodeULawToPCM24k(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	out := make([]byte, len(ulaw)*6)
	prev := ulawToLinear[ulaw[0]]
	o := 0
	for _, b := range ulaw {
		cur := ulawToLinear[b]
		// Interpolate from the previous sample toward the current one so
		// the final output sample lands exactly on the decoded value.
		d := int(cur) - int(prev)
		s1 := int16(int(prev) + d/3)
		s2 := int16(int(prev) + 2*d/3)
		putSample(out, o, s1)
		putSample(out, o+2, s2)
		putSample(out, o+4, cur)
		o += 6
		prev = cur
	}
	return out
}

// EncodePCM24kToULaw decimates PCM16 24 kHz to 8 kHz with a 3-sample moving
// average and μ-law encodes: 1 byte out per 6 bytes in. Trailing partial
// groups are averaged over the samples present. Returns ErrOddPCMLength if
// the byte length is odd.
func EncodePCM24kToULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	samples := len(pcm) / 2
	if samples == 0 {
		return nil, nil
	}
	n := (samples + 2) / 3
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sum, cnt := 0, 0
		for j := i * 3; j < i*3+3 && j < samples; j++ {
			sum += int(getSample(pcm, j*2))
			cnt++
		}
		out[i] = linearToULaw(int16(sum / cnt))
	}
	return out, nil
}

// Frames splits buf into complete fixed-size frames and returns the frames
// plus the residual tail. The caller carries the residual into the next call
// by prepending it to fresh bytes.
func Frames(buf []byte, frameBytes int) (frames [][]byte, residual []byte) {
	if frameBytes <= 0 {
		frameBytes = FrameBytes
	}
	for len(buf) >= frameBytes {
		frames = append(frames, buf[:frameBytes])
		buf = buf[frameBytes:]
	}
	return frames, buf
}

// RMSEnergy computes the root-mean-square energy of PCM16 little-endian
// audio, normalized to [0,1]. Used to decide whether outbound audio is
// actually speech before pacing it to the caller.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(getSample(pcm, i)) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}

func putSample(b []byte, off int, s int16) {
	b[off] = byte(s)
	b[off+1] = byte(uint16(s) >> 8)
}

func getSample(b []byte, off int) int16 {
	return int16(b[off]) | int16(b[off+1])<<8
}
