package telephony

import (
	"fmt"
	"net/url"
	"strings"
)

// Custom parameter names carried through the call instructions into the media stream.
const (
	ParamFirstMessage = "first_message"
	ParamVoiceID      = "voiceId"
	ParamPrompt       = "prompt"
)

var knownParams = []string{ParamFirstMessage, ParamVoiceID, ParamPrompt}

// OutboundCallRequest is what a caller of POST /outbound-call supplies.
type OutboundCallRequest struct {
	To           string
	FirstMessage string
	VoiceID      string
	Prompt       string
}

// Params returns the non-empty custom parameters for the call.
func (r OutboundCallRequest) Params() map[string]string {
	out := make(map[string]string, 3)
	if r.FirstMessage != "" {
		out[ParamFirstMessage] = r.FirstMessage
	}
	if r.VoiceID != "" {
		out[ParamVoiceID] = r.VoiceID
	}
	if r.Prompt != "" {
		out[ParamPrompt] = r.Prompt
	}
	return out
}

// InstructionsURL builds the URL the provider fetches call instructions from,
// with params embedded as query values.
func InstructionsURL(base, path string, params map[string]string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", fmt.Errorf("parse instructions url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("instructions url must be http(s): %q", base)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParamsFromQuery recovers the known custom parameters, byte for byte.
func ParamsFromQuery(values url.Values) map[string]string {
	out := make(map[string]string, len(knownParams))
	for _, k := range knownParams {
		if _, ok := values[k]; !ok {
			continue
		}
		if v := values.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

// StreamURL converts an http(s) base into the ws(s) URL of a media-stream path.
func StreamURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("stream url missing host: %q", base)
	}
	return u.String(), nil
}
