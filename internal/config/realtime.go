package config

import (
	"time"
)

// Reconnection policy defaults. The attempt cap is deliberately low: an
// interactive session should fail fast and visibly against a dead endpoint
// rather than retry silently forever. The UI offers an explicit reconnect
// once attempts are exhausted.
const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultReconnectCapDelay    = 30 * time.Second
	// Extra cooldown applied before backoff when the transport drops with an
	// abnormal-closure code. Those tend to fire in rapid unrecoverable bursts.
	DefaultAbnormalCloseCooldown = 5 * time.Second
)

// GetMaxReconnectAttempts returns the bounded retry limit for the realtime connection.
func GetMaxReconnectAttempts() int {
	return GetEnvInt("PARLEY_MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts)
}

// GetReconnectBaseDelay returns the first-retry delay; subsequent retries double it.
func GetReconnectBaseDelay() time.Duration {
	return GetEnvDuration("PARLEY_RECONNECT_BASE_DELAY", DefaultReconnectBaseDelay)
}

// GetReconnectCapDelay returns the ceiling on the exponential backoff delay.
func GetReconnectCapDelay() time.Duration {
	return GetEnvDuration("PARLEY_RECONNECT_CAP_DELAY", DefaultReconnectCapDelay)
}
