package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrOddLength is returned when a PCM16 byte payload does not contain a whole
// number of samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 payload")

// EncodeSample converts one float sample to a signed 16-bit value.
//
// The sample is clamped to [-1, 1] first. Negative values are scaled by 32768
// and positive values by 32767 so the positive rail cannot overflow. The
// product is rounded to the nearest integer, halves away from zero. NaN and
// ±Inf saturate: +Inf and NaN map to 32767, -Inf to -32768.
func EncodeSample(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return math.MaxInt16
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	case v < 0:
		return int16(math.Round(v * 32768))
	default:
		return int16(math.Round(v * 32767))
	}
}

// DecodeSample converts a signed 16-bit value back to a float in [-1, 1).
func DecodeSample(s int16) float32 {
	return float32(s) / 32768.0
}

// EncodePCM16 converts float samples to PCM16 samples using [EncodeSample].
func EncodePCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = EncodeSample(s)
	}
	return out
}

// EncodePCM16Bytes converts float samples to little-endian PCM16 bytes, the
// wire representation sent to the realtime endpoint.
func EncodePCM16Bytes(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(EncodeSample(s)))
	}
	return out
}

// DecodePCM16 converts PCM16 samples to floats using [DecodeSample].
func DecodePCM16(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = DecodeSample(s)
	}
	return out
}

// DecodePCM16Bytes converts little-endian PCM16 bytes to float samples.
// Returns [ErrOddLength] if b does not hold a whole number of samples.
func DecodePCM16Bytes(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = DecodeSample(int16(binary.LittleEndian.Uint16(b[i*2:])))
	}
	return out, nil
}

// PCM16Bytes serialises PCM16 samples as little-endian bytes.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
