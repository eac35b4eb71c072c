package exchangeclient

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
)

// runWithBackoff handles the 429 Retry-After wait itself (§4.7c — it never
// consumes the ordinary retry budget and its delay comes from a response
// header, not the error alone), then hands every other attempt to the
// client's failsafe-go retry+circuit-breaker pipeline for the base-1s·2^attempt
// backoff on transient exchange errors (§4.7b).
func (c *Client) runWithBackoff(ctx context.Context, fn func(attempt int) ([]byte, error)) ([]byte, error) {
	attempt := 0
	rateLimitRetries := 0

	for {
		body, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[[]byte]) ([]byte, error) {
			return fn(attempt)
		})
		if err == nil {
			return body, nil
		}

		var rl *rateLimitWait
		if errors.As(err, &rl) {
			rateLimitRetries++
			c.logger.Warn("binance 429, backing off", "wait", rl.wait, "rate_limit_retry", rateLimitRetries)
			if waitErr := sleep(ctx, rl.wait); waitErr != nil {
				return nil, waitErr
			}
			attempt++
			continue
		}

		return nil, err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
