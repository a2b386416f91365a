package compute

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jonathan/scpipeline/internal/types"
)

// Compile-time interface check.
var _ Executor = (*Retrying)(nil)

const (
	// DefaultMaxRetries is the number of extra attempts after a transport failure.
	DefaultMaxRetries = 2
	// DefaultBackoff is the delay before the first retry; it doubles on each attempt.
	DefaultBackoff = 500 * time.Millisecond
	// maxBackoff caps the exponential delay.
	maxBackoff = 30 * time.Second
)

// Retrying retries transport failures of the wrapped executor with exponential backoff.
// Compute and invalid input failures are returned immediately.
type Retrying struct {
	next       Executor
	maxRetries int
	backoff    time.Duration
	log        logrus.FieldLogger
}

// RetryOption configures a Retrying executor.
type RetryOption func(*Retrying)

// WithMaxRetries sets how many times a transport failure is retried.
func WithMaxRetries(n int) RetryOption {
	return func(r *Retrying) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithBackoff sets the delay before the first retry.
func WithBackoff(d time.Duration) RetryOption {
	return func(r *Retrying) {
		if d >= 0 {
			r.backoff = d
		}
	}
}

// WithRetryLogger sets the logger used to report retried attempts.
func WithRetryLogger(log logrus.FieldLogger) RetryOption {
	return func(r *Retrying) {
		r.log = log
	}
}

// NewRetrying wraps next with the retry policy.
func NewRetrying(next Executor, opts ...RetryOption) *Retrying {
	r := &Retrying{
		next:       next,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the step, retrying transport failures.
func (r *Retrying) Execute(ctx context.Context, step types.StepType, params map[string]any) (*types.StepResult, error) {
	delay := r.backoff
	for attempt := 0; ; attempt++ {
		result, err := r.next.Execute(ctx, step, params)
		if err == nil {
			return result, nil
		}
		if !IsTransport(err) || attempt >= r.maxRetries {
			if attempt == 0 {
				return nil, err
			}
			return nil, errors.Wrapf(err, "step %s failed after %d attempts", step, attempt+1)
		}

		r.log.WithFields(logrus.Fields{
			"step":    step,
			"attempt": attempt + 1,
			"backoff": delay,
		}).WithError(err).Warn("compute backend unavailable, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrapf(err, "step %s retry abandoned: %v", step, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, maxBackoff)
	}
}
