package reliability

import "time"

// IsRetryableHTTPStatus classifies handshake statuses worth redialing.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsSessionFatalRealtimeError reports whether an upstream error code means the
// conversation cannot continue and the session must be torn down.
func IsSessionFatalRealtimeError(code string) bool {
	switch code {
	case "connection_lost", "session_expired", "invalid_api_key", "insufficient_quota":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration:
// base for attempt <= 0, otherwise min(base*2^attempt, cap).
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// ReconnectDelay is the wait before reconnect attempt n (1-based): min(2^n s, max).
func ReconnectDelay(attempt int, max time.Duration) time.Duration {
	return ExponentialBackoff(attempt, time.Second, max)
}
