package errors

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

// Backoff strategies.
const (
	BackoffExponential Strategy = "exponential"
	BackoffLinear      Strategy = "linear"
	BackoffFixed       Strategy = "fixed"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case BackoffExponential:
		return BackoffExponential, nil
	case BackoffLinear:
		return BackoffLinear, nil
	case BackoffFixed:
		return BackoffFixed, nil
	default:
		return "", fmt.Errorf("unknown backoff strategy %q", s)
	}
}

// RetryPolicy configures how a failing handler is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Backoff selects the delay curve.
	Backoff Strategy `yaml:"backoff" json:"backoff"`

	// InitialDelay is the base delay.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps exponential growth. Zero means uncapped.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultRetryPolicy is the policy used when a subscription does not set one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	Backoff:      BackoffExponential,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// NoRetry delivers once and dead-letters on the first failure.
var NoRetry = RetryPolicy{
	MaxAttempts: 1,
	Backoff:     BackoffFixed,
}

// Normalize fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = DefaultRetryPolicy.Backoff
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns how long to wait before the retry that follows the given
// zero-based attempt.
//
//	exponential: InitialDelay * 2^attempt, capped at MaxDelay
//	linear:      InitialDelay * (attempt+1)
//	fixed:       InitialDelay
func Delay(attempt int, policy RetryPolicy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var d time.Duration
	switch policy.Backoff {
	case BackoffLinear:
		d = policy.InitialDelay * time.Duration(attempt+1)
	case BackoffFixed:
		d = policy.InitialDelay
	default:
		// Saturate rather than overflow for large attempt numbers.
		f := float64(policy.InitialDelay) * math.Pow(2, float64(attempt))
		if f > float64(math.MaxInt64) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
		if policy.MaxDelay > 0 && d > policy.MaxDelay {
			d = policy.MaxDelay
		}
	}

	return applyJitter(d, policy.Jitter)
}

// applyJitter returns the delay with jitter applied.
func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}

	// base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
