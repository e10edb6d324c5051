package realtime

import (
	"time"
)

// backoffDelay returns the delay before retry number attempt (1-based):
// min(base * 2^(attempt-1), cap).
func backoffDelay(attempt int, base, capDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := base << uint(shift)
	if d > capDelay || d <= 0 {
		return capDelay
	}
	return d
}
