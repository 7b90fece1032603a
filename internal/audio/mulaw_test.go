package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMuLawSilence(t *testing.T) {
	if got := MuLawEncodeSample(0); got != MuLawSilence {
		t.Fatalf("MuLawEncodeSample(0) = %#x, want %#x", got, MuLawSilence)
	}
	if got := MuLawDecodeSample(MuLawSilence); got != 0 {
		t.Fatalf("MuLawDecodeSample(silence) = %d, want 0", got)
	}
	if !bytes.Equal(Silence(3), []byte{0xFF, 0xFF, 0xFF}) {
		t.Fatalf("Silence(3) = %v", Silence(3))
	}
}

func TestMuLawRoundTripWithinQuantization(t *testing.T) {
	for _, s := range []int16{-32768, -8000, -100, 100, 1000, 8000, 32767} {
		got := MuLawDecodeSample(MuLawEncodeSample(s))
		if (got < 0) != (s < 0) {
			t.Fatalf("sign flipped: %d -> %d", s, got)
		}
		diff := int(got) - int(s)
		if diff < 0 {
			diff = -diff
		}
		mag := int(s)
		if mag < 0 {
			mag = -mag
		}
		if diff > mag/16+8 && mag <= muLawClip {
			t.Fatalf("%d decoded to %d, error %d too large", s, got, diff)
		}
	}
}

func TestEncodeDecodeMuLawBuffers(t *testing.T) {
	pcm := make([]byte, 6)
	binary.LittleEndian.PutUint16(pcm[0:], 0)
	loud, quiet := int16(1000), int16(-1000)
	binary.LittleEndian.PutUint16(pcm[2:], uint16(loud))
	binary.LittleEndian.PutUint16(pcm[4:], uint16(quiet))

	ulaw := EncodeMuLaw(append(pcm, 0x01))
	if len(ulaw) != 3 {
		t.Fatalf("len(ulaw) = %d, want 3", len(ulaw))
	}
	back := DecodeMuLaw(ulaw)
	if len(back) != len(pcm) {
		t.Fatalf("len(back) = %d, want %d", len(back), len(pcm))
	}
	if s := int16(binary.LittleEndian.Uint16(back[0:])); s != 0 {
		t.Fatalf("sample 0 = %d, want 0", s)
	}
	if s := int16(binary.LittleEndian.Uint16(back[4:])); s >= 0 {
		t.Fatalf("sample 2 = %d, want negative", s)
	}
}

func TestResamplePCM16(t *testing.T) {
	pcm := make([]byte, 320*2)
	out := ResamplePCM16(pcm, 16000, 8000)
	if len(out) != 160*2 {
		t.Fatalf("len(out) = %d, want %d", len(out), 160*2)
	}
	if same := ResamplePCM16(pcm, 8000, 8000); len(same) != len(pcm) {
		t.Fatalf("same-rate resample changed length")
	}
}
