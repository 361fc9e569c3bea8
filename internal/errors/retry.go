package errors

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"famsync/internal/model"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Backoff        model.BackoffKind
	AttemptTimeout time.Duration
	// RetryUnknown also retries errors the classifier cannot place
	RetryUnknown bool
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Backoff:     model.BackoffExponential,
	}
}

// ForRule derives a retry configuration from a module's sync rule.
// MaxRetries counts attempts after the first one.
func (c RetryConfig) ForRule(rule model.SyncRule) RetryConfig {
	out := c
	out.MaxAttempts = rule.MaxRetries + 1
	if rule.Backoff != "" {
		out.Backoff = rule.Backoff
	}
	return out
}

// linearBackOff grows the delay by a fixed increment per attempt
type linearBackOff struct {
	step    time.Duration
	max     time.Duration
	attempt int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.step * time.Duration(b.attempt)
	if b.max > 0 && d > b.max {
		d = b.max
	}
	return d
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// NewBackOff builds the delay progression for the configured kind
func (c RetryConfig) NewBackOff() backoff.BackOff {
	switch c.Backoff {
	case model.BackoffLinear:
		return &linearBackOff{step: c.BaseDelay, max: c.MaxDelay}
	case model.BackoffFixed:
		return backoff.NewConstantBackOff(c.BaseDelay)
	default:
		multiplier := c.Multiplier
		if multiplier <= 1 {
			multiplier = 2.0
		}
		maxDelay := c.MaxDelay
		if maxDelay <= 0 {
			maxDelay = 30 * time.Second
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.BaseDelay
		b.MaxInterval = maxDelay
		b.Multiplier = multiplier
		b.RandomizationFactor = 0
		b.Reset()
		return b
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
	onRetry    func(attempt int, err error, delay time.Duration)
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// OnRetry registers a hook invoked before each delayed re-attempt
func (rh *RetryHandler) OnRetry(fn func(attempt int, err error, delay time.Duration)) *RetryHandler {
	rh.onRetry = fn
	return rh
}

// Retry executes operation until it succeeds, fails permanently, or attempts run out.
// Each attempt gets its own deadline when AttemptTimeout is set.
func (rh *RetryHandler) Retry(ctx context.Context, operation func(ctx context.Context) error) error {
	attempt := 0
	var lastErr error

	op := func() (struct{}, error) {
		attempt++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if rh.config.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, rh.config.AttemptTimeout)
		}
		defer cancel()

		err := operation(attemptCtx)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err()))
		}
		appErr := rh.classifier.ClassifyError(err)
		if !appErr.IsRecoverable() && !(rh.config.RetryUnknown && appErr.Type == ErrorTypeUnknown) {
			return struct{}{}, backoff.Permanent(appErr)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(rh.config.NewBackOff()),
		backoff.WithMaxTries(uint(rh.config.MaxAttempts)),
	}
	if rh.onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, delay time.Duration) {
			rh.onRetry(attempt, err, delay)
		}))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Type == ErrorTypeInterruption {
		return appErr
	}
	if ctx.Err() != nil {
		return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
	}
	if lastErr == nil {
		lastErr = err
	}
	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", attempt)
}

// CalculateDelay returns the delay before the given attempt (1-based) for inspection and display
func (c RetryConfig) CalculateDelay(attempt int) time.Duration {
	b := c.NewBackOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
