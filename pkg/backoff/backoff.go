package backoff

import "time"

// Delay returns min(max, base * 2^attempts).
func Delay(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if max > 0 && base >= max {
		return max
	}

	delay := base
	for i := 0; i < attempts; i++ {
		// stop doubling before overflow or once the cap is reached
		if delay > (1<<62)/2 {
			break
		}
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	return delay
}

// Counter tracks consecutive failed attempts for one connection owner.
type Counter struct {
	Base     time.Duration
	Max      time.Duration
	attempts int
}

// Next returns the delay for the current attempt and advances the counter.
func (c *Counter) Next() time.Duration {
	d := Delay(c.Base, c.Max, c.attempts)
	c.attempts++
	return d
}

// Attempts returns the number of delays handed out since the last Reset.
func (c *Counter) Attempts() int {
	return c.attempts
}

// Reset sets the counter back to zero after a successful open.
func (c *Counter) Reset() {
	c.attempts = 0
}
