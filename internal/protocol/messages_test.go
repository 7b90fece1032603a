package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseTelephonyMessageStart(t *testing.T) {
	raw := []byte(`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","accountSid":"AC1","callSid":"CA1","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"voiceId":"v1","prompt":"be brief"}},"streamSid":"MZ1"}`)
	msg, err := ParseTelephonyMessage(raw)
	if err != nil {
		t.Fatalf("ParseTelephonyMessage() error = %v", err)
	}

	start, ok := msg.(Start)
	if !ok {
		t.Fatalf("message type = %T, want Start", msg)
	}
	if start.StreamSID != "MZ1" || start.CallSID != "CA1" {
		t.Fatalf("unexpected start: %+v", start)
	}
	if start.CustomParameters["voiceId"] != "v1" || start.CustomParameters["prompt"] != "be brief" {
		t.Fatalf("CustomParameters = %v", start.CustomParameters)
	}
	if start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000", start.MediaFormat.SampleRate)
	}
}

func TestParseTelephonyMessageStartFallsBackToTopLevelStreamSID(t *testing.T) {
	msg, err := ParseTelephonyMessage([]byte(`{"event":"start","streamSid":"MZ9","start":{"callSid":"CA9"}}`))
	if err != nil {
		t.Fatalf("ParseTelephonyMessage() error = %v", err)
	}
	start := msg.(Start)
	if start.StreamSID != "MZ9" {
		t.Fatalf("StreamSID = %q, want %q", start.StreamSID, "MZ9")
	}
	if start.CustomParameters == nil {
		t.Fatalf("CustomParameters should be non-nil")
	}
}

func TestParseTelephonyMessageMediaAndStop(t *testing.T) {
	msg, err := ParseTelephonyMessage([]byte(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"2","timestamp":"40","payload":"AAA="}}`))
	if err != nil {
		t.Fatalf("ParseTelephonyMessage() error = %v", err)
	}
	media, ok := msg.(Media)
	if !ok {
		t.Fatalf("message type = %T, want Media", msg)
	}
	if media.Payload != "AAA=" || media.Track != "inbound" {
		t.Fatalf("unexpected media: %+v", media)
	}

	msg, err = ParseTelephonyMessage([]byte(`{"event":"stop","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA1"}}`))
	if err != nil {
		t.Fatalf("ParseTelephonyMessage() error = %v", err)
	}
	stop, ok := msg.(Stop)
	if !ok {
		t.Fatalf("message type = %T, want Stop", msg)
	}
	if stop.CallSID != "CA1" {
		t.Fatalf("CallSID = %q, want %q", stop.CallSID, "CA1")
	}
}

func TestParseTelephonyMessageUnknownEvent(t *testing.T) {
	msg, err := ParseTelephonyMessage([]byte(`{"event":"wat"}`))
	if err != nil {
		t.Fatalf("ParseTelephonyMessage() error = %v", err)
	}
	unknown, ok := msg.(UnknownTelephonyEvent)
	if !ok || unknown.Event != "wat" {
		t.Fatalf("message = %#v, want UnknownTelephonyEvent{wat}", msg)
	}
}

func TestParseTelephonyMessageRejectsInvalid(t *testing.T) {
	cases := [][]byte{
		[]byte(`not-json`),
		[]byte(`{"event":"start"}`),
		[]byte(`{"event":"start","start":{"callSid":"CA1"}}`),
		[]byte(`{"event":"media","streamSid":"MZ1"}`),
	}
	for _, raw := range cases {
		_, err := ParseTelephonyMessage(raw)
		if !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ParseTelephonyMessage(%s) error = %v, want ErrInvalidMessage", raw, err)
		}
	}
}

func TestOutboundFramesWireShape(t *testing.T) {
	cases := []struct {
		name string
		msg  any
		want string
	}{
		{"media", NewMediaFrame("SID123", "QUJD"), `{"event":"media","streamSid":"SID123","media":{"payload":"QUJD"}}`},
		{"clear", NewClearFrame("SID123"), `{"event":"clear","streamSid":"SID123"}`},
		{"mark", NewMarkFrame("SID123", "greeting"), `{"event":"mark","streamSid":"SID123","mark":{"name":"greeting"}}`},
	}
	for _, tc := range cases {
		got, err := json.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("%s: Marshal() error = %v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: wire = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func BenchmarkParseTelephonyMessageMedia(b *testing.B) {
	raw := []byte(`{"event":"media","sequenceNumber":"7","streamSid":"MZ1","media":{"track":"inbound","chunk":"6","timestamp":"120","payload":"/////////////////////w=="}}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseTelephonyMessage(raw)
		if err != nil {
			b.Fatalf("ParseTelephonyMessage() error = %v", err)
		}
		if _, ok := msg.(Media); !ok {
			b.Fatalf("message type = %T, want Media", msg)
		}
	}
}
