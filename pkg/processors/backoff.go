package processors

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dukex/flowrunner/pkg/models"
)

// NewRetryBackOff builds the delay policy of a node's retry configuration.
// The returned policy yields at most MaxAttempts-1 retries.
func NewRetryBackOff(cfg models.RetryConfig) backoff.BackOff {
	base := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxDelayMs) * time.Millisecond

	if maxDelay > 0 && base > maxDelay {
		base = maxDelay
	}

	var policy backoff.BackOff

	switch cfg.BackoffStrategy {
	case models.BackoffLinear:
		policy = &stepBackOff{base: base, step: base, max: maxDelay, jitter: cfg.Jitter}
	case models.BackoffConstant:
		policy = &stepBackOff{base: base, max: maxDelay, jitter: cfg.Jitter}
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = base
		exp.Multiplier = 2
		exp.MaxElapsedTime = 0

		if maxDelay > 0 {
			exp.MaxInterval = maxDelay
		}

		if !cfg.Jitter {
			exp.RandomizationFactor = 0
		}

		exp.Reset()
		policy = exp
	}

	retries := cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	return backoff.WithMaxRetries(policy, uint64(retries))
}

// stepBackOff grows by a fixed step per retry. A zero step is a constant delay.
type stepBackOff struct {
	base   time.Duration
	step   time.Duration
	max    time.Duration
	jitter bool
	n      int
}

func (b *stepBackOff) NextBackOff() time.Duration {
	delay := b.base + time.Duration(b.n)*b.step
	b.n++

	if b.max > 0 && delay > b.max {
		delay = b.max
	}

	if b.jitter && delay > 0 {
		// up to 25% either way
		spread := int64(delay) / 2
		delay = delay - time.Duration(spread/2) + time.Duration(rand.Int64N(spread+1))
	}

	return delay
}

func (b *stepBackOff) Reset() {
	b.n = 0
}
