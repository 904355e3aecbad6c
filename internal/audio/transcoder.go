// Package audio converts between the telephony wire format (G.711 mu-law,
// 8kHz mono) and the pipeline-internal format (16-bit signed little-endian
// PCM at 16kHz mono). Both directions are pure and deterministic so the
// conversion can be regression-tested bit for bit.
package audio

const (
	// TelephonyRate is the sample rate of inbound/outbound mu-law audio.
	TelephonyRate = 8000
	// PipelineRate is the internal PCM sample rate.
	PipelineRate = 16000

	ulawBias = 0x84
	ulawClip = 32635

	// UlawSilence is the mu-law encoding of a zero sample.
	UlawSilence = 0xFF
)

var ulawTable [256]int16

func init() {
	for i := range 256 {
		ulawTable[i] = decodeUlawSample(byte(i))
	}
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + ulawBias) << exponent
	sample -= ulawBias
	return sign * sample
}

func encodeUlawSample(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias
	exponent := 7
	for mask := 0x4000; exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent)<<4 | byte(mantissa))
}

// MulawToPCM decodes 8kHz mu-law bytes into 16kHz 16-bit little-endian PCM.
// Upsampling is sample-repeat, a latency tradeoff over band-limited
// interpolation.
func MulawToPCM(data []byte) []byte {
	out := make([]byte, 0, len(data)*4)
	for _, b := range data {
		sample := ulawTable[b]
		lo := byte(sample)
		hi := byte(uint16(sample) >> 8)
		out = append(out, lo, hi, lo, hi)
	}
	return out
}

// PCMToMulaw encodes 16kHz 16-bit little-endian PCM into 8kHz mu-law bytes.
// Downsampling drops every other sample (no anti-aliasing filter).
// Misaligned input lengths silently produce truncated output.
func PCMToMulaw(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/4)
	for i := 0; i+1 < len(pcm); i += 4 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		out = append(out, encodeUlawSample(sample))
	}
	return out
}

// DecodeSample exposes the mu-law lookup for one byte.
func DecodeSample(b byte) int16 {
	return ulawTable[b]
}
