package compute

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/jonathan/scpipeline/internal/types"
)

// Compile-time interface check.
var _ Executor = (*Limited)(nil)

// Limited bounds the number of concurrent calls to the wrapped executor.
type Limited struct {
	next Executor
	sem  *semaphore.Weighted
}

// NewLimited allows at most n concurrent calls. n <= 0 disables the bound.
func NewLimited(next Executor, n int64) Executor {
	if n <= 0 {
		return next
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(n)}
}

// Execute waits for a free slot, then calls the wrapped executor.
func (l *Limited) Execute(ctx context.Context, step types.StepType, params map[string]any) (*types.StepResult, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, TransportError(step, "waiting for a free compute slot", err)
	}
	defer l.sem.Release(1)
	return l.next.Execute(ctx, step, params)
}
