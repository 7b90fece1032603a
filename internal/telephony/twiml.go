package telephony

import (
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

// StreamTwiML renders a Connect/Stream document pointing the provider at streamURL.
// Parameters are emitted sorted by name so the document is stable.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	inner := make([]twiml.Element, 0, len(names))
	for _, name := range names {
		inner = append(inner, twiml.VoiceParameter{Name: name, Value: params[name]})
	}

	stream := twiml.VoiceStream{
		Url:           streamURL,
		InnerElements: inner,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}
