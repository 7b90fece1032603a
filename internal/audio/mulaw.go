package audio

import "encoding/binary"

// TelephonySampleRate is the G.711 rate carried on PSTN media streams.
const TelephonySampleRate = 8000

const (
	muLawBias = 0x84
	muLawClip = 32635
	// MuLawSilence is the encoded zero sample.
	MuLawSilence byte = 0xFF
)

// MuLawEncodeSample compresses one linear sample to G.711 mu-law.
func MuLawEncodeSample(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// MuLawDecodeSample expands one mu-law byte to a linear sample.
func MuLawDecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int(mantissa) << 3) + muLawBias) << exponent
	sample -= muLawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeMuLaw converts PCM16LE mono audio to mu-law bytes. A trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = MuLawEncodeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// DecodeMuLaw converts mu-law bytes to PCM16LE mono audio.
func DecodeMuLaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(MuLawDecodeSample(u)))
	}
	return out
}

// Silence returns n mu-law encoded silent samples.
func Silence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = MuLawSilence
	}
	return out
}

// ResamplePCM16 linearly resamples PCM16LE mono audio.
func ResamplePCM16(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	n := int(int64(in) * int64(to) / int64(from))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		frac := pos - float64(j)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[j*2:])))
		b := a
		if j+1 < in {
			b = float64(int16(binary.LittleEndian.Uint16(pcm[(j+1)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(a+(b-a)*frac)))
	}
	return out
}
