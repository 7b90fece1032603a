package relay

// State is the lifecycle position of a relay session.
type State int32

const (
	StateAwaitingStart State = iota
	StateConnectingAI
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "AWAITING_START"
	case StateConnectingAI:
		return "CONNECTING_AI"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// End reasons recorded in the summary and the call log.
const (
	ReasonTelephonyStop    = "telephony_stop"
	ReasonTelephonyClosed  = "telephony_closed"
	ReasonTelephonyError   = "telephony_error"
	ReasonAIClosed         = "ai_closed"
	ReasonAIError          = "ai_error"
	ReasonUpstreamAuth     = "upstream_auth_failed"
	ReasonAIConnectFailed  = "ai_connect_failed"
	ReasonAIInitFailed     = "ai_init_failed"
	ReasonContextCancelled = "context_cancelled"
)

// Drop reasons for caller audio that is not forwarded.
const (
	DropBeforeStart = "before_start"
	DropAINotReady  = "ai_not_ready"
)
