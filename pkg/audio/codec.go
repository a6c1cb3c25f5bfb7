package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCodec is returned by [Decode] when a payload is not a whole number of
// 16-bit samples.
var ErrCodec = errors.New("audio: malformed pcm payload")

// Encode converts float samples to 16-bit signed little-endian PCM. Samples are
// clamped to [-1, 1]. A sample that lies exactly on the n/32768 grid that
// [Decode] produces encodes back to n, so decoded speech re-encodes losslessly.
// Any other sample is scaled by 32767 and truncated toward zero. -1 encodes
// to -32768 and 1 to 32767.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	EncodeTo(out, samples)
	return out
}

// EncodeTo writes samples into dst as 16-bit little-endian PCM and returns the
// number of bytes written. dst must hold at least 2*len(samples) bytes.
func EncodeTo(dst []byte, samples []float32) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(toInt16(s)))
	}
	return len(samples) * 2
}

// Decode interprets pcm as 16-bit signed little-endian mono samples and returns
// a [Buffer] at sampleRate. Each sample is rescaled to [-1, 1] by dividing by
// 32768. Returns an error wrapping [ErrCodec] if len(pcm) is odd.
func Decode(pcm []byte, sampleRate int) (*Buffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrCodec, len(pcm))
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// toInt16 maps one sample as described on [Encode].
func toInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	}
	// Exact grid values round-trip unchanged.
	if v := s * 32768; v == float32(int32(v)) {
		return int16(v)
	}
	return int16(s * 32767)
}
