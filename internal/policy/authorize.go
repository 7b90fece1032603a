package policy

import "strings"

// DestinationDecision says whether the agent may dial a number.
type DestinationDecision struct {
	Allowed bool
	Reason  string
}

var (
	emergencyNumbers = []string{"911", "112", "999", "000", "110", "119", "933"}
	// Premium-rate ranges the agent must never reach.
	premiumRatePrefixes = []string{"+1900", "+1976", "+44871", "+44872", "+44873", "+4490", "+4491", "+4498"}
)

// NormalizeNumber strips the spacing and punctuation people type into phone numbers.
func NormalizeNumber(number string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(number) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DecideDestination applies the outbound dialing policy. An empty allow list permits any
// prefix that is not otherwise blocked.
func DecideDestination(number string, allowedPrefixes []string) DestinationDecision {
	n := NormalizeNumber(number)
	if n == "" {
		return DestinationDecision{Reason: "destination number is required"}
	}

	bare := strings.TrimPrefix(n, "+")
	for _, e := range emergencyNumbers {
		if bare == e {
			return DestinationDecision{Reason: "emergency numbers cannot be dialed"}
		}
	}

	for _, p := range premiumRatePrefixes {
		if strings.HasPrefix(n, p) {
			return DestinationDecision{Reason: "premium-rate destinations are blocked"}
		}
	}

	if len(allowedPrefixes) > 0 {
		allowed := false
		for _, p := range allowedPrefixes {
			if strings.HasPrefix(n, NormalizeNumber(p)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return DestinationDecision{Reason: "destination is outside the allowed prefixes"}
		}
	}

	return DestinationDecision{Allowed: true}
}
