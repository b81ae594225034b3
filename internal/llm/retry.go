package llm

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

// RetryPolicy bounds how long and how often one logical call may run.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CallTimeout time.Duration
}

// RetryClient gives every attempt its own timeout and retries failed attempts
// with exponential backoff. After the last attempt the error is returned as a
// *titration.LLMInvocationError.
type RetryClient struct {
	next   Client
	policy RetryPolicy
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRetryClient(next Client, policy RetryPolicy, logger *logging.Logger) *RetryClient {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryClient{next: next, policy: policy, logger: logger, sleep: sleepContext}
}

func (c *RetryClient) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	attempts := 0
	for attempts < c.policy.MaxAttempts {
		attempts++
		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		// The caller gave up; a retry cannot succeed.
		if ctx.Err() != nil {
			break
		}
		if attempts == c.policy.MaxAttempts {
			break
		}
		delay := c.policy.BaseDelay << (attempts - 1)
		c.logger.Warn("llm call failed, retrying",
			"purpose", req.Purpose,
			"attempt", attempts,
			"delay", delay.String(),
			"error", err.Error(),
		)
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}
	return Response{}, &titration.LLMInvocationError{Role: req.Purpose, Attempts: attempts, Err: lastErr}
}

func (c *RetryClient) attempt(ctx context.Context, req Request) (Response, error) {
	callCtx := ctx
	if c.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.policy.CallTimeout)
		defer cancel()
	}
	resp, err := c.next.Complete(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return Response{}, &titration.TransientError{Err: err}
	}
	return resp, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
