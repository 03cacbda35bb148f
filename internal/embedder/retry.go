package embedder

import (
	"context"
	"errors"
	"time"

	"coderag/internal/apperr"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int           // Maximum number of attempts
	BaseDelay  time.Duration // Initial delay between attempts
	MaxDelay   time.Duration // Maximum delay between attempts
	Multiplier float64       // Exponential backoff multiplier
}

// DefaultRetryConfig returns the retry policy used against Ollama.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}
}

// errPermanent marks a failure that retrying cannot fix, such as a 4xx reply.
var errPermanent = errors.New("permanent failure")

// retryWithBackoff runs fn until it succeeds, fails permanently, or the
// attempts run out. Retry is skipped on context cancellation.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	var lastErr error
	var zero T
	backoff := config.BaseDelay
	attempts := max(config.MaxRetries, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, errPermanent) || errors.Is(err, apperr.ErrInvalidInput) {
			return zero, err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
				backoff = time.Duration(float64(backoff) * config.Multiplier)
				if backoff > config.MaxDelay {
					backoff = config.MaxDelay
				}
			}
		}
	}

	return zero, lastErr
}
