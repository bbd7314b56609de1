package routing

import (
	"fmt"
	"time"
)

// RetryPolicy holds the tunable resilience constants.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	ProbeTimeout   time.Duration
	Cooldown       time.Duration
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 30 * time.Second,
		ProbeTimeout:   5 * time.Second,
		Cooldown:       5 * time.Minute,
	}
}

// Validate rejects zero or negative values.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts <= 0:
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrConfiguration, p.MaxAttempts)
	case p.BaseDelay <= 0:
		return fmt.Errorf("%w: base delay must be positive, got %s", ErrConfiguration, p.BaseDelay)
	case p.MaxDelay <= 0:
		return fmt.Errorf("%w: max delay must be positive, got %s", ErrConfiguration, p.MaxDelay)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: max delay %s is below base delay %s", ErrConfiguration, p.MaxDelay, p.BaseDelay)
	case p.AttemptTimeout <= 0:
		return fmt.Errorf("%w: attempt timeout must be positive, got %s", ErrConfiguration, p.AttemptTimeout)
	case p.ProbeTimeout <= 0:
		return fmt.Errorf("%w: probe timeout must be positive, got %s", ErrConfiguration, p.ProbeTimeout)
	case p.Cooldown <= 0:
		return fmt.Errorf("%w: cooldown must be positive, got %s", ErrConfiguration, p.Cooldown)
	}
	return nil
}

// Backoff returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
