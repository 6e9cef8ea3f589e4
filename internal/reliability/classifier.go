package reliability

// IsRetryableCloseCode classifies websocket close codes from the upstream
// realtime socket. Retryable means a fresh bridge may succeed on the next
// stream open; non-retryable means the failure is terminal for this
// configuration (bad payloads, policy violations).
func IsRetryableCloseCode(code int) bool {
	switch code {
	case 1001, // going away
		1006, // abnormal closure
		1011, // internal error
		1012, // service restart
		1013: // try again later
		return true
	default:
		return false
	}
}

// IsRetryableUpstreamCode classifies relay-level upstream error codes.
func IsRetryableUpstreamCode(code string) bool {
	switch code {
	case "upstream_closed", "rate_limited", "resource_exhausted", "unavailable":
		return true
	default:
		return false
	}
}
