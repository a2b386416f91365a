package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/scpipeline/internal/compute"
	"github.com/jonathan/scpipeline/internal/db"
	"github.com/jonathan/scpipeline/internal/schemas"
	"github.com/jonathan/scpipeline/internal/types"
)

type testEnv struct {
	engine  *Engine
	store   *db.MemoryStore
	metrics *Metrics
}

// fakeClock advances one second per reading so timestamps are strictly increasing.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEnv(t *testing.T, exec compute.Executor) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := db.NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}

	engine, err := NewEngine(Options{
		Store:       store,
		Executor:    exec,
		Registry:    schemas.Default(),
		Logger:      log,
		Metrics:     metrics,
		StepTimeout: 5 * time.Second,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Wait)

	return &testEnv{engine: engine, store: store, metrics: metrics}
}

// blockingExecutor holds every call until release is closed.
type blockingExecutor struct {
	started chan types.StepType
	release chan struct{}
	err     error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan types.StepType, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingExecutor) Execute(ctx context.Context, step types.StepType, _ map[string]any) (*types.StepResult, error) {
	b.started <- step
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, compute.TransportError(step, "interrupted", ctx.Err())
	}
	if b.err != nil {
		return nil, b.err
	}
	return &types.StepResult{Message: "done " + string(step)}, nil
}

func runAsync(e *Engine, ctx context.Context, id uuid.UUID, step types.StepType) <-chan error {
	out := make(chan error, 1)
	go func() {
		_, err := e.RunStep(ctx, id, step, nil)
		out <- err
	}()
	return out
}

func TestNewEngine_RequiresStoreAndExecutor(t *testing.T) {
	_, err := NewEngine(Options{Executor: compute.NewSimulated()})
	assert.Error(t, err)

	_, err = NewEngine(Options{Store: db.NewMemoryStore()})
	assert.Error(t, err)

	e, err := NewEngine(Options{Store: db.NewMemoryStore(), Executor: compute.NewSimulated()})
	require.NoError(t, err)
	assert.Equal(t, DefaultStepTimeout, e.timeout)
	assert.NotNil(t, e.Registry())
}

func TestCreatePipeline(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "PBMC run", types.Metadata{Species: "human"})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.Equal(t, "PBMC run", p.Name)
	assert.Equal(t, "human", p.Metadata.Species)
	assert.Equal(t, 0, p.CurrentStep)
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)
	require.Len(t, p.Steps, len(types.StepOrder))

	registry := schemas.Default()
	for i, st := range p.Steps {
		assert.Equal(t, types.StepOrder[i], st.StepType)
		assert.Equal(t, types.StatusPending, st.Status)
		assert.Equal(t, registry.DefaultParams(st.StepType), st.Params)
		assert.Nil(t, st.Result)
		assert.Empty(t, st.History)
	}

	stored, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, stored)
}

func TestCreatePipeline_DefaultName(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())

	p, err := env.engine.CreatePipeline(context.Background(), "  ", types.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "Analysis 2024-03-01 09:00:01", p.Name)
}

func TestFullScenario(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "PBMC 3K", types.Metadata{})
	require.NoError(t, err)

	result, err := env.engine.RunStep(ctx, p.ID, types.StepDataLoad, map[string]any{"example_dataset": "pbmc_3k"})
	require.NoError(t, err)
	assert.Equal(t, 2700, result.Stats["n_cells"])
	assert.Equal(t, 32738, result.Stats["n_genes"])

	state, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Step(types.StepDataLoad).Status)
	assert.Equal(t, 1, state.CurrentStep)

	// skipping qc_filter is rejected
	_, err = env.engine.RunStep(ctx, p.ID, types.StepDimReduce, nil)
	var precond *PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, types.StepQCFilter, precond.Required)

	_, err = env.engine.RunStep(ctx, p.ID, types.StepQCFilter, nil)
	require.NoError(t, err)

	result, err = env.engine.RunStep(ctx, p.ID, types.StepDimReduce, map[string]any{"resolution": 0.8})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Stats["n_clusters"], 1)

	result, err = env.engine.RunStep(ctx, p.ID, types.StepAnnotation, map[string]any{"marker_genes": schemas.DefaultMarkerGenes})
	require.NoError(t, err)
	assert.Equal(t, 8, result.Stats["n_cell_types"])
	assert.Len(t, result.Tables["cell_types"].Data, result.Stats["n_cell_types"].(int))

	state, err = env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, len(types.StepOrder), state.CurrentStep)
	for _, st := range state.Steps {
		assert.Equal(t, types.StatusCompleted, st.Status, st.StepType)
		assert.NotNil(t, st.Result)
		assert.Len(t, st.History, 1)
	}

	assert.Equal(t, 4.0, testutil.ToFloat64(env.metrics.Executions.WithLabelValues("data_load", OutcomeSuccess))+
		testutil.ToFloat64(env.metrics.Executions.WithLabelValues("qc_filter", OutcomeSuccess))+
		testutil.ToFloat64(env.metrics.Executions.WithLabelValues("dim_reduce", OutcomeSuccess))+
		testutil.ToFloat64(env.metrics.Executions.WithLabelValues("annotation", OutcomeSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.InFlight))
}

func TestRunStep_RejectionsDoNotMutate(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "rejections", types.Metadata{})
	require.NoError(t, err)

	tests := []struct {
		name      string
		id        uuid.UUID
		step      types.StepType
		overrides map[string]any
		check     func(t *testing.T, err error)
	}{
		{
			name: "unknown pipeline",
			id:   uuid.New(),
			step: types.StepDataLoad,
			check: func(t *testing.T, err error) {
				var target *NotFoundError
				assert.ErrorAs(t, err, &target)
			},
		},
		{
			name: "unknown step",
			id:   p.ID,
			step: types.StepType("normalize"),
			check: func(t *testing.T, err error) {
				var target *InvalidStepError
				assert.ErrorAs(t, err, &target)
			},
		},
		{
			name: "previous step pending",
			id:   p.ID,
			step: types.StepQCFilter,
			check: func(t *testing.T, err error) {
				var target *PreconditionError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, types.StatusPending, target.RequiredStatus)
			},
		},
		{
			name:      "out of range parameter",
			id:        p.ID,
			step:      types.StepDataLoad,
			overrides: map[string]any{"example_dataset": "lung_5k"},
			check: func(t *testing.T, err error) {
				var target *InvalidParamsError
				require.ErrorAs(t, err, &target)
				require.NotEmpty(t, target.Fields())
				assert.Equal(t, "example_dataset", target.Fields()[0].Field)
			},
		},
		{
			name:      "unknown parameter",
			id:        p.ID,
			step:      types.StepDataLoad,
			overrides: map[string]any{"n_hvg": 2000},
			check: func(t *testing.T, err error) {
				var target *InvalidParamsError
				assert.ErrorAs(t, err, &target)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.RunStep(ctx, tt.id, tt.step, tt.overrides)
			require.Error(t, err)
			tt.check(t, err)
			assert.False(t, StateMutated(err))

			state, err := env.engine.GetPipeline(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, p, state, "pipeline must be untouched")
		})
	}
}

func TestRunStep_MergeSemantics(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "merge", types.Metadata{})
	require.NoError(t, err)
	_, err = env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
	require.NoError(t, err)

	require.NoError(t, env.engine.UpdateStepParams(ctx, p.ID, types.StepQCFilter, map[string]any{"min_genes": 300}))
	_, err = env.engine.RunStep(ctx, p.ID, types.StepQCFilter, map[string]any{"max_mito_pct": 10})
	require.NoError(t, err)

	state, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	want := map[string]any{"min_genes": 300, "max_genes": 5000, "max_mito_pct": 10, "min_cells": 3}
	st := state.Step(types.StepQCFilter)
	assert.Equal(t, want, st.Params)
	require.Len(t, st.History, 1)
	assert.Equal(t, want, st.History[0].Params)
}

func TestUpdateStepParams(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "params", types.Metadata{})
	require.NoError(t, err)

	// staging parameters does not require the previous step
	require.NoError(t, env.engine.UpdateStepParams(ctx, p.ID, types.StepDimReduce, map[string]any{"resolution": 1.2}))

	state, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	st := state.Step(types.StepDimReduce)
	assert.Equal(t, 1.2, st.Params["resolution"])
	assert.Equal(t, 50, st.Params["n_pcs"])
	assert.Equal(t, types.StatusPending, st.Status)
	assert.Empty(t, st.History)

	err = env.engine.UpdateStepParams(ctx, p.ID, types.StepDimReduce, map[string]any{"resolution": 9.0})
	var invalid *InvalidParamsError
	assert.ErrorAs(t, err, &invalid)

	err = env.engine.UpdateStepParams(ctx, uuid.New(), types.StepDimReduce, nil)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)

	err = env.engine.UpdateStepParams(ctx, p.ID, types.StepType("bogus"), nil)
	var invalidStep *InvalidStepError
	assert.ErrorAs(t, err, &invalidStep)
}

func TestRunStep_RerunAppendsHistoryWithoutCascade(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "rerun", types.Metadata{})
	require.NoError(t, err)
	for _, step := range []types.StepType{types.StepDataLoad, types.StepQCFilter, types.StepDimReduce} {
		_, err := env.engine.RunStep(ctx, p.ID, step, nil)
		require.NoError(t, err)
	}

	_, err = env.engine.RunStep(ctx, p.ID, types.StepQCFilter, map[string]any{"min_genes": 500})
	require.NoError(t, err)

	state, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	qc := state.Step(types.StepQCFilter)
	require.Len(t, qc.History, 2)
	assert.Equal(t, 200, qc.History[0].Params["min_genes"])
	assert.Equal(t, 500, qc.History[1].Params["min_genes"])
	assert.True(t, qc.History[0].ExecutedAt.Before(qc.History[1].ExecutedAt))
	assert.Same(t, qc.History[1].Result, qc.Result)

	// the cursor never moves back and downstream steps keep their results
	assert.Equal(t, 3, state.CurrentStep)
	assert.Equal(t, types.StatusCompleted, state.Step(types.StepDimReduce).Status)
	assert.NotNil(t, state.Step(types.StepDimReduce).Result)

	history, err := env.engine.GetStepHistory(ctx, p.ID, types.StepQCFilter)
	require.NoError(t, err)
	assert.Equal(t, qc.History, history)
}

func TestRunStep_FailureSemantics(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "failure", types.Metadata{})
	require.NoError(t, err)
	_, err = env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
	require.NoError(t, err)

	// valid per schema but rejected by the backend
	_, err = env.engine.RunStep(ctx, p.ID, types.StepQCFilter, map[string]any{"min_genes": 1000, "max_genes": 1000})
	require.Error(t, err)
	assert.True(t, compute.IsInvalidInput(err))
	assert.True(t, StateMutated(err))

	state, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	qc := state.Step(types.StepQCFilter)
	assert.Equal(t, types.StatusError, qc.Status)
	assert.Contains(t, qc.Error, "min_genes")
	assert.Empty(t, qc.History)
	assert.Nil(t, qc.Result)
	assert.Equal(t, 1, state.CurrentStep)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Executions.WithLabelValues("qc_filter", string(compute.KindInvalidInput))))

	// the next step stays blocked until the failed step succeeds
	_, err = env.engine.RunStep(ctx, p.ID, types.StepDimReduce, nil)
	var precond *PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, types.StatusError, precond.RequiredStatus)

	_, err = env.engine.RunStep(ctx, p.ID, types.StepQCFilter, map[string]any{"min_genes": 200, "max_genes": 5000})
	require.NoError(t, err)

	state, err = env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	qc = state.Step(types.StepQCFilter)
	assert.Equal(t, types.StatusCompleted, qc.Status)
	assert.Empty(t, qc.Error)
	assert.Len(t, qc.History, 1)
	assert.Equal(t, 2, state.CurrentStep)
}

func TestRunStep_UntypedExecutorErrorIsClassified(t *testing.T) {
	env := newTestEnv(t, compute.ExecutorFunc(func(context.Context, types.StepType, map[string]any) (*types.StepResult, error) {
		return nil, errors.New("segfault")
	}))
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "untyped", types.Metadata{})
	require.NoError(t, err)

	_, err = env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
	require.Error(t, err)
	assert.True(t, compute.IsCompute(err))
	assert.Contains(t, err.Error(), "segfault")
	assert.True(t, StateMutated(err))
}

func TestRunStep_ConflictWhileRunning(t *testing.T) {
	exec := newBlockingExecutor()
	env := newTestEnv(t, exec)
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "conflict", types.Metadata{})
	require.NoError(t, err)

	first := runAsync(env.engine, ctx, p.ID, types.StepDataLoad)
	<-exec.started

	state, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, state.Step(types.StepDataLoad).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.InFlight))

	_, err = env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.False(t, StateMutated(err))

	// other pipelines are not blocked by the running execution
	other, err := env.engine.CreatePipeline(ctx, "other", types.Metadata{})
	require.NoError(t, err)
	require.NoError(t, env.engine.UpdatePipelineMetadata(ctx, other.ID, "renamed", types.Metadata{}))

	close(exec.release)
	require.NoError(t, <-first)

	state, err = env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Step(types.StepDataLoad).Status)
	assert.Len(t, state.Step(types.StepDataLoad).History, 1)

	// the step can run again once the first execution finished
	_, err = env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
	require.NoError(t, err)
}

func TestRunStep_ConcurrentRequestsSingleWinner(t *testing.T) {
	exec := newBlockingExecutor()
	env := newTestEnv(t, exec)
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "race", types.Metadata{})
	require.NoError(t, err)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
			errs <- err
		}()
	}

	<-exec.started
	// give the losers time to observe the in-flight execution
	time.Sleep(20 * time.Millisecond)
	close(exec.release)
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		var conflict *ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// late callers may start a second execution after the first one finished
	assert.GreaterOrEqual(t, ok, 1)
	assert.Equal(t, callers, ok+conflicts)

	history, err := env.engine.GetStepHistory(ctx, p.ID, types.StepDataLoad)
	require.NoError(t, err)
	assert.Len(t, history, ok)
}

func TestRunStep_AbandonedCallerOutcomeStillApplied(t *testing.T) {
	exec := newBlockingExecutor()
	env := newTestEnv(t, exec)

	p, err := env.engine.CreatePipeline(context.Background(), "abandon", types.Metadata{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(env.engine, ctx, p.ID, types.StepDataLoad)
	<-exec.started
	cancel()

	err = <-done
	var abandoned *AbandonedError
	require.ErrorAs(t, err, &abandoned)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, StateMutated(err))

	close(exec.release)
	env.engine.Wait()

	state, err := env.engine.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	st := state.Step(types.StepDataLoad)
	assert.Equal(t, types.StatusCompleted, st.Status)
	assert.Len(t, st.History, 1)
	assert.Equal(t, 1, state.CurrentStep)
}

func TestRunStep_StaleOutcomeDiscarded(t *testing.T) {
	exec := newBlockingExecutor()
	env := newTestEnv(t, exec)
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "stale", types.Metadata{})
	require.NoError(t, err)

	done := runAsync(env.engine, ctx, p.ID, types.StepDataLoad)
	<-exec.started

	// another engine sharing the store started a newer execution
	stored, err := env.store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	stored.Step(types.StepDataLoad).Generation++
	require.NoError(t, env.store.SavePipeline(ctx, stored))

	close(exec.release)
	err = <-done
	var stale *StaleExecutionError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(1), stale.Generation)
	assert.Equal(t, uint64(2), stale.Current)
	assert.False(t, StateMutated(err))

	state, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, state.Step(types.StepDataLoad).History)
	assert.Equal(t, 0, state.CurrentStep)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Executions.WithLabelValues("data_load", OutcomeStale)))
}

func TestRunStep_PipelineDeletedDuringExecution(t *testing.T) {
	exec := newBlockingExecutor()
	env := newTestEnv(t, exec)
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "deleted", types.Metadata{})
	require.NoError(t, err)

	done := runAsync(env.engine, ctx, p.ID, types.StepDataLoad)
	<-exec.started
	require.NoError(t, env.engine.DeletePipeline(ctx, p.ID))
	close(exec.release)

	err = <-done
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = env.engine.GetPipeline(ctx, p.ID)
	assert.True(t, IsNotFound(err))
}

// partialStore returns pipelines without their steps once partial is set, as a repository
// does when a delete commits between its row and step queries.
type partialStore struct {
	*db.MemoryStore
	partial atomic.Bool
}

func (s *partialStore) GetPipeline(ctx context.Context, id uuid.UUID) (*types.PipelineState, error) {
	p, err := s.MemoryStore.GetPipeline(ctx, id)
	if p != nil && s.partial.Load() {
		p.Steps = nil
	}
	return p, err
}

func TestEngine_PipelineWithoutSteps(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := &partialStore{MemoryStore: db.NewMemoryStore()}
	exec := newBlockingExecutor()
	engine, err := NewEngine(Options{Store: store, Executor: exec, Logger: log, StepTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(engine.Wait)
	ctx := context.Background()

	p, err := engine.CreatePipeline(ctx, "partial", types.Metadata{})
	require.NoError(t, err)

	// an execution that finishes after the steps disappear is discarded
	done := runAsync(engine, ctx, p.ID, types.StepDataLoad)
	<-exec.started
	store.partial.Store(true)
	close(exec.release)
	err = <-done
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	tests := []struct {
		name string
		call func() error
	}{
		{name: "get pipeline", call: func() error {
			_, err := engine.GetPipeline(ctx, p.ID)
			return err
		}},
		{name: "step history", call: func() error {
			_, err := engine.GetStepHistory(ctx, p.ID, types.StepQCFilter)
			return err
		}},
		{name: "run first step", call: func() error {
			_, err := engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
			return err
		}},
		{name: "run step with predecessor", call: func() error {
			_, err := engine.RunStep(ctx, p.ID, types.StepQCFilter, nil)
			return err
		}},
		{name: "update params", call: func() error {
			return engine.UpdateStepParams(ctx, p.ID, types.StepQCFilter, map[string]any{"min_genes": 300})
		}},
		{name: "replay", call: func() error {
			_, err := engine.ReplayExecution(ctx, p.ID, types.StepDataLoad, uuid.New())
			return err
		}},
		{name: "update metadata", call: func() error {
			return engine.UpdatePipelineMetadata(ctx, p.ID, "renamed", types.Metadata{})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { err = tt.call() })
			assert.True(t, IsNotFound(err), "got %v", err)
		})
	}

	store.partial.Store(false)
	got, err := engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Step(types.StepDataLoad).Status, "discarded outcome leaves the stored state untouched")
}

func TestDeletePipeline(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "to delete", types.Metadata{})
	require.NoError(t, err)
	require.NoError(t, env.engine.DeletePipeline(ctx, p.ID))

	_, err = env.engine.GetPipeline(ctx, p.ID)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, p.ID, notFound.PipelineID)

	assert.True(t, IsNotFound(env.engine.DeletePipeline(ctx, p.ID)))
	_, err = env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
	assert.True(t, IsNotFound(err))
	_, err = env.engine.GetStepHistory(ctx, p.ID, types.StepDataLoad)
	assert.True(t, IsNotFound(err))
}

func TestListPipelines_MostRecentFirst(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	first, err := env.engine.CreatePipeline(ctx, "first", types.Metadata{})
	require.NoError(t, err)
	second, err := env.engine.CreatePipeline(ctx, "second", types.Metadata{})
	require.NoError(t, err)

	list, err := env.engine.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	// touching the first pipeline moves it to the top
	_, err = env.engine.RunStep(ctx, first.ID, types.StepDataLoad, nil)
	require.NoError(t, err)

	list, err = env.engine.ListPipelines(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, list[0].ID)
}

func TestUpdatePipelineMetadata(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "original", types.Metadata{Species: "human"})
	require.NoError(t, err)

	require.NoError(t, env.engine.UpdatePipelineMetadata(ctx, p.ID, "", types.Metadata{Species: "mouse", Description: "brain"}))
	state, err := env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", state.Name)
	assert.Equal(t, "mouse", state.Metadata.Species)
	assert.True(t, state.UpdatedAt.After(p.UpdatedAt))

	require.NoError(t, env.engine.UpdatePipelineMetadata(ctx, p.ID, "renamed", state.Metadata))
	state, err = env.engine.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", state.Name)

	assert.True(t, IsNotFound(env.engine.UpdatePipelineMetadata(ctx, uuid.New(), "x", types.Metadata{})))
}

func TestGetStepHistory(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "history", types.Metadata{})
	require.NoError(t, err)

	history, err := env.engine.GetStepHistory(ctx, p.ID, types.StepAnnotation)
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)

	_, err = env.engine.GetStepHistory(ctx, p.ID, types.StepType("bogus"))
	var invalid *InvalidStepError
	assert.ErrorAs(t, err, &invalid)
}

func TestReplayExecution(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "replay", types.Metadata{})
	require.NoError(t, err)
	_, err = env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
	require.NoError(t, err)
	_, err = env.engine.RunStep(ctx, p.ID, types.StepQCFilter, map[string]any{"min_genes": 400})
	require.NoError(t, err)
	_, err = env.engine.RunStep(ctx, p.ID, types.StepQCFilter, map[string]any{"min_genes": 600})
	require.NoError(t, err)

	history, err := env.engine.GetStepHistory(ctx, p.ID, types.StepQCFilter)
	require.NoError(t, err)
	require.Len(t, history, 2)

	replayed, err := env.engine.ReplayExecution(ctx, p.ID, types.StepQCFilter, history[0].ID)
	require.NoError(t, err)
	assert.Equal(t, history[0].Result.Stats, replayed.Stats, "deterministic backend reproduces the result")

	history, err = env.engine.GetStepHistory(ctx, p.ID, types.StepQCFilter)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 400, history[2].Params["min_genes"])
	assert.NotEqual(t, history[0].ID, history[2].ID)

	_, err = env.engine.ReplayExecution(ctx, p.ID, types.StepQCFilter, uuid.New())
	var missing *ExecutionNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.True(t, IsNotFound(err))
}

func TestRunStep_ExecutionIDsAreTimeOrdered(t *testing.T) {
	env := newTestEnv(t, compute.NewSimulated())
	ctx := context.Background()

	p, err := env.engine.CreatePipeline(ctx, "ids", types.Metadata{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := env.engine.RunStep(ctx, p.ID, types.StepDataLoad, nil)
		require.NoError(t, err)
	}

	history, err := env.engine.GetStepHistory(ctx, p.ID, types.StepDataLoad)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, ex := range history {
		assert.Equal(t, uuid.Version(7), ex.ID.Version())
	}
	assert.Less(t, history[0].ID.String(), history[2].ID.String())
}
