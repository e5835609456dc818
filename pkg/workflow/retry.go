package workflow

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/fluxor-io/fluxor/pkg/models"
)

// BackoffStrategy shapes how the delay between retry attempts grows.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffConstant    BackoffStrategy = "constant"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
)

// RetryPolicy governs re-execution of a failed task attempt. The zero value
// never retries.
type RetryPolicy struct {
	MaxRetries int
	Strategy   BackoffStrategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryPolicyFromNode reads the retry settings off a node's config,
// filling in the defaults for anything unset.
func RetryPolicyFromNode(node *models.Node) RetryPolicy {
	policy := RetryPolicy{
		MaxRetries: node.MaxRetries(),
		Strategy:   BackoffStrategy(node.ConfigString("backoff")),
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
	}

	if policy.Strategy == "" {
		policy.Strategy = BackoffExponential
	}

	if ms, ok := node.ConfigInt("baseDelayMs"); ok && ms > 0 {
		policy.BaseDelay = time.Duration(ms) * time.Millisecond
	}

	if ms, ok := node.ConfigInt("maxDelayMs"); ok && ms > 0 {
		policy.MaxDelay = time.Duration(ms) * time.Millisecond
	}

	return policy
}

// Delay returns how long to wait before the given attempt, where attempt 1
// is the first retry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}

	var delay time.Duration

	switch p.Strategy {
	case BackoffConstant:
		delay = base
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	default:
		delay = base

		for i := 1; i < attempt; i++ {
			delay *= 2

			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				delay = p.MaxDelay

				break
			}
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay
}

// IsRetryable reports whether an attempt failure is worth retrying.
// Cancellation never is; timeouts and transient transport failures are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	message := strings.ToLower(err.Error())

	for _, hint := range []string{"timeout", "connection refused", "connection reset", "temporarily unavailable", "too many requests"} {
		if strings.Contains(message, hint) {
			return true
		}
	}

	return false
}

// WaitForBackoff sleeps for the given delay, returning early with the
// context's error when it is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
