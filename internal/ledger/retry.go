package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryOptions bounds every store call.
type RetryOptions struct {
	// AttemptTimeout caps a single call to the underlying store.
	AttemptTimeout time.Duration
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts uint
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

// Retrying wraps a Store so that each call is bounded by a timeout and
// retried with exponential backoff. Exhausted retries wrap ErrLedgerUnavailable.
type Retrying struct {
	inner  Store
	opts   RetryOptions
	logger *zap.Logger
}

func NewRetrying(inner Store, opts RetryOptions, logger *zap.Logger) *Retrying {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	return &Retrying{inner: inner, opts: opts, logger: logger}
}

func (r *Retrying) EnsureHeader(ctx context.Context, columns []string) error {
	_, err := do(ctx, r, "ensure header", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.EnsureHeader(ctx, columns)
	})
	return err
}

// Append retries the whole batch; backends apply a batch atomically, so a
// failed attempt leaves nothing behind to duplicate.
func (r *Retrying) Append(ctx context.Context, records ...Record) error {
	_, err := do(ctx, r, "append", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Append(ctx, records...)
	})
	return err
}

func (r *Retrying) ReadAll(ctx context.Context) ([]Record, error) {
	return do(ctx, r, "read all", r.inner.ReadAll)
}

func (r *Retrying) CurrentSessionID(ctx context.Context) (string, error) {
	return do(ctx, r, "read session", r.inner.CurrentSessionID)
}

func (r *Retrying) SetCurrentSessionID(ctx context.Context, id string) error {
	_, err := do(ctx, r, "write session", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.SetCurrentSessionID(ctx, id)
	})
	return err
}

func do[T any](ctx context.Context, r *Retrying, op string, call func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval

	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
		defer cancel()
		v, err := call(attemptCtx)
		if err != nil && isPermanent(ctx, err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("ledger call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ErrHeaderMismatch) || errors.Is(err, ErrDuplicateRecord) {
		return v, err
	}
	return v, fmt.Errorf("%w: %s after %d attempt(s): %w", ErrLedgerUnavailable, op, attempt, err)
}

func isPermanent(ctx context.Context, err error) bool {
	if errors.Is(err, ErrHeaderMismatch) || errors.Is(err, ErrDuplicateRecord) {
		return true
	}
	// The caller gave up; the attempt deadline alone is retryable.
	return ctx.Err() != nil
}
