package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryClient wraps a Client with exponential backoff on transient failures.
// A context cancellation is never retried; it surfaces to the caller and
// feeds the pipeline's normal error bookkeeping.
type RetryClient struct {
	inner    Client
	maxTries uint
	log      *slog.Logger
}

// NewRetryClient wraps inner with up to maxTries attempts per call.
func NewRetryClient(log *slog.Logger, inner Client, maxTries uint) *RetryClient {
	if maxTries == 0 {
		maxTries = 3
	}
	return &RetryClient{inner: inner, maxTries: maxTries, log: log}
}

func (c *RetryClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	attempt := 0
	operation := func() (string, error) {
		attempt++
		out, err := c.inner.Complete(ctx, systemPrompt, userPrompt, opts...)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", backoff.Permanent(err)
			}
			c.log.Warn("completion attempt failed", "attempt", attempt, "error", err)
			return "", err
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	)
}
