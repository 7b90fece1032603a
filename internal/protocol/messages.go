package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventName identifies Twilio media-stream payload variants.
type EventName string

const (
	EventConnected EventName = "connected"
	EventStart     EventName = "start"
	EventMedia     EventName = "media"
	EventMark      EventName = "mark"
	EventDTMF      EventName = "dtmf"
	EventStop      EventName = "stop"
	EventClear     EventName = "clear"
)

var ErrInvalidMessage = errors.New("invalid message")

// TelephonyEvent is the closed set of inbound media-stream messages.
type TelephonyEvent interface {
	telephonyEvent()
}

type telephonyEnvelope struct {
	Event          EventName     `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	DTMF           *dtmfPayload  `json:"dtmf,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MediaFormat describes the audio carried by media frames (mu-law 8kHz mono on PSTN legs).
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Connected struct {
	Protocol string
	Version  string
}

type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

type Media struct {
	StreamSID string
	Track     string
	Chunk     string
	Timestamp string
	Payload   string
}

type Mark struct {
	StreamSID string
	Name      string
}

type DTMF struct {
	StreamSID string
	Digit     string
}

type Stop struct {
	StreamSID string
	CallSID   string
}

// UnknownTelephonyEvent carries event names this relay does not understand.
type UnknownTelephonyEvent struct {
	Event string
}

func (Connected) telephonyEvent()             {}
func (Start) telephonyEvent()                 {}
func (Media) telephonyEvent()                 {}
func (Mark) telephonyEvent()                  {}
func (DTMF) telephonyEvent()                  {}
func (Stop) telephonyEvent()                  {}
func (UnknownTelephonyEvent) telephonyEvent() {}

// ParseTelephonyMessage decodes one media-stream text frame.
func ParseTelephonyMessage(raw []byte) (TelephonyEvent, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: telephony envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Event {
	case EventConnected:
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case EventStart:
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start without payload", ErrInvalidMessage)
		}
		streamSID := env.Start.StreamSID
		if streamSID == "" {
			streamSID = env.StreamSID
		}
		if streamSID == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrInvalidMessage)
		}
		params := make(map[string]string, len(env.Start.CustomParameters))
		for k, v := range env.Start.CustomParameters {
			params[k] = v
		}
		return Start{
			StreamSID:        streamSID,
			CallSID:          env.Start.CallSID,
			AccountSID:       env.Start.AccountSID,
			Tracks:           env.Start.Tracks,
			MediaFormat:      env.Start.MediaFormat,
			CustomParameters: params,
		}, nil
	case EventMedia:
		if env.Media == nil {
			return nil, fmt.Errorf("%w: media without payload", ErrInvalidMessage)
		}
		return Media{
			StreamSID: env.StreamSID,
			Track:     env.Media.Track,
			Chunk:     env.Media.Chunk,
			Timestamp: env.Media.Timestamp,
			Payload:   env.Media.Payload,
		}, nil
	case EventMark:
		m := Mark{StreamSID: env.StreamSID}
		if env.Mark != nil {
			m.Name = env.Mark.Name
		}
		return m, nil
	case EventDTMF:
		d := DTMF{StreamSID: env.StreamSID}
		if env.DTMF != nil {
			d.Digit = env.DTMF.Digit
		}
		return d, nil
	case EventStop:
		s := Stop{StreamSID: env.StreamSID}
		if env.Stop != nil {
			s.CallSID = env.Stop.CallSID
		}
		return s, nil
	default:
		return UnknownTelephonyEvent{Event: string(env.Event)}, nil
	}
}

// MediaFrame is an outbound audio frame for playback on the call.
type MediaFrame struct {
	Event     EventName     `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     OutboundMedia `json:"media"`
}

type OutboundMedia struct {
	Payload string `json:"payload"`
}

// ClearFrame flushes audio the provider has buffered for playback.
type ClearFrame struct {
	Event     EventName `json:"event"`
	StreamSID string    `json:"streamSid"`
}

type MarkFrame struct {
	Event     EventName    `json:"event"`
	StreamSID string       `json:"streamSid"`
	Mark      OutboundMark `json:"mark"`
}

type OutboundMark struct {
	Name string `json:"name"`
}

func NewMediaFrame(streamSID, payload string) MediaFrame {
	return MediaFrame{Event: EventMedia, StreamSID: streamSID, Media: OutboundMedia{Payload: payload}}
}

func NewClearFrame(streamSID string) ClearFrame {
	return ClearFrame{Event: EventClear, StreamSID: streamSID}
}

func NewMarkFrame(streamSID, name string) MarkFrame {
	return MarkFrame{Event: EventMark, StreamSID: streamSID, Mark: OutboundMark{Name: name}}
}
