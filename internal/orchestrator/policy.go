package orchestrator

import (
	"math"
	"time"
)

type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts <= 0 means unlimited.
	MaximumAttempts        int
	NonRetryableErrorTypes []string
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    100 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 2.0
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = 100 * p.InitialInterval
	}
	if p.MaximumInterval < p.InitialInterval {
		p.MaximumInterval = p.InitialInterval
	}
	return p
}

// Backoff is the delay after the given failed attempt (1-based):
// min(initial * coefficient^(attempt-1), maximum).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if math.IsInf(d, 0) || d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

// IsRetryable depends only on the error's type and flag.
func (p RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	ae := AsApplicationError(err)
	if ae.NonRetryable || ae.Type == TypeCanceled {
		return false
	}
	for _, t := range p.NonRetryableErrorTypes {
		if t == ae.Type {
			return false
		}
	}
	return true
}

// HasAttemptsLeft reports whether another attempt may follow the given one.
func (p RetryPolicy) HasAttemptsLeft(attempt int) bool {
	return p.MaximumAttempts <= 0 || attempt < p.MaximumAttempts
}

type ActivityOptions struct {
	// StartToCloseTimeout bounds one attempt; 0 means no bound.
	StartToCloseTimeout time.Duration
	RetryPolicy         RetryPolicy
}
