package connection

import "time"

const (
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 10
	DefaultPollInterval = 5 * time.Second
)

// Delay returns the wait before reconnect number attempt, counted from 0:
// min(base * 2^attempt, ceiling).
func Delay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
