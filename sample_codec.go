package main

// SampleCodec operations: 24-bit signed big-endian IQ pack/unpack and
// 16-bit mic sample packing. Grounded in the teacher's LoadIQData pack
// loops, with the wire byte order corrected to I-then-Q per spec (the
// teacher packs Q-then-I, a documented ka9q_hpsdr-specific quirk not
// applicable to this wire format — see DESIGN.md).

const (
	iqScale   = (1 << 23) - 1 // 2^23 - 1
	iqMax32   = (1 << 23) - 1
	iqMin32   = -(1 << 23)
	iqDivisor = 1 << 31
)

// packSample24 converts one clamped [-1, 1] component to a 24-bit signed
// big-endian value and appends it to dst.
func packSample24(dst []byte, v float64) {
	scaled := int32(v * iqScale)
	if scaled > iqMax32 {
		scaled = iqMax32
	}
	if scaled < iqMin32 {
		scaled = iqMin32
	}
	dst[0] = byte(scaled >> 16)
	dst[1] = byte(scaled >> 8)
	dst[2] = byte(scaled)
}

// packIQ24 packs n complex samples into dst as [I0(3B) Q0(3B) ...],
// 6 bytes per sample. dst must have capacity for 6*len(samples) bytes.
// No allocation: callers pass a preallocated, reused buffer slice.
func packIQ24(dst []byte, samples []complex128) {
	for i, s := range samples {
		off := i * 6
		packSample24(dst[off:off+3], real(s))
		packSample24(dst[off+3:off+6], imag(s))
	}
}

// unpackSample24 sign-extends a 24-bit big-endian value into the high
// 24 bits of an int32 and normalizes to [-1, 1).
func unpackSample24(b []byte) float64 {
	v := int32(b[0])<<24 | int32(b[1])<<16 | int32(b[2])<<8
	return float64(v) / iqDivisor
}

// unpackIQ24 is the inverse of packIQ24.
func unpackIQ24(src []byte) []complex128 {
	n := len(src) / 6
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		off := i * 6
		i32 := unpackSample24(src[off : off+3])
		q32 := unpackSample24(src[off+3 : off+6])
		out[i] = complex(i32, q32)
	}
	return out
}

// packMic16 packs a 16-bit mic sample as 2 bytes big-endian.
func packMic16(dst []byte, v int16) {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}

// txIQBlockSize16 is the width of one Protocol 1 host TX IQ block:
// [L(2B) R(2B) I(2B) Q(2B)], all big-endian signed 16-bit, per
// original_source's unpack_tx_iq_16bit. L/R (legacy mic audio bytes)
// are ignored; only I/Q feeds the echo buffer.
const txIQBlockSize16 = 8

// unpackTxIQ16 decodes Protocol 1 host sub-frame TX IQ data. src is
// truncated to a whole number of 8-byte blocks.
func unpackTxIQ16(src []byte) []complex128 {
	n := len(src) / txIQBlockSize16
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		off := i * txIQBlockSize16
		iVal := int16(uint16(src[off+4])<<8 | uint16(src[off+5]))
		qVal := int16(uint16(src[off+6])<<8 | uint16(src[off+7]))
		out[i] = complex(float64(iVal)/32768.0, float64(qVal)/32768.0)
	}
	return out
}
