package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"swapguard/internal/observability"
)

// Operation is a single chain interaction.
type Operation[T any] func(ctx context.Context) (T, error)

// Middleware decorates an operation.
type Middleware[T any] func(next Operation[T]) Operation[T]

// Compose chains middleware so that the first argument is the outermost wrapper.
func Compose[T any](mws ...Middleware[T]) Middleware[T] {
	return func(next Operation[T]) Operation[T] {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				next = mws[i](next)
			}
		}
		return next
	}
}

// Trace records a span, latency, and a debug log line around the operation.
func Trace[T any](name string, obs *observability.Observer) Middleware[T] {
	if obs == nil {
		obs = observability.Nop()
	}
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			ctx, span := obs.Tracer.Start(ctx, name)
			defer span.End()

			start := time.Now()
			value, err := next(ctx)
			elapsed := time.Since(start)

			obs.Metrics.RPCCalls.WithLabelValues(name).Inc()
			obs.Metrics.RPCCallLatency.WithLabelValues(name).Observe(elapsed.Seconds())
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.String("error.kind", classify(err).String()))
				obs.Metrics.RPCCallFailures.WithLabelValues(name, classify(err).String()).Inc()
				obs.Logger.Debug("chain call failed", zap.String("op", name), zap.Duration("elapsed", elapsed), zap.Error(err))
			}
			return value, err
		}
	}
}

// RetryPolicy bounds the retry loop. MaxAttempts counts every attempt, the first included.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy is three attempts with a one second base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Backoff returns the delay slept after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Retry re-runs the operation on whitelisted transient errors with exponential backoff.
func Retry[T any](policy RetryPolicy) Middleware[T] {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			for attempt := 1; ; attempt++ {
				value, err := next(ctx)
				if err == nil {
					return value, nil
				}
				if !IsRetryable(err) || attempt >= policy.MaxAttempts {
					return value, &attemptsError{attempts: attempt, err: err}
				}

				delay := policy.Backoff(attempt)
				if policy.OnRetry != nil {
					policy.OnRetry(attempt, delay, err)
				}

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					var zero T
					return zero, &attemptsError{attempts: attempt, err: ctx.Err()}
				case <-timer.C:
				}
			}
		}
	}
}

// Validate rejects results that fail the predicate. The failure is never retried.
func Validate[T any](check func(T) error) Middleware[T] {
	return func(next Operation[T]) Operation[T] {
		if check == nil {
			return next
		}
		return func(ctx context.Context) (T, error) {
			value, err := next(ctx)
			if err != nil {
				return value, err
			}
			if err := check(value); err != nil {
				var zero T
				return zero, Invalid("result validation: %v", err)
			}
			return value, nil
		}
	}
}
