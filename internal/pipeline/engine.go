// Package pipeline provides the state machine that drives an analysis through the fixed
// step sequence: ordering checks, parameter merging and validation, execution bookkeeping,
// and history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jonathan/scpipeline/internal/compute"
	"github.com/jonathan/scpipeline/internal/schemas"
	"github.com/jonathan/scpipeline/internal/types"
)

// DefaultStepTimeout bounds one executor call, including calls whose caller stopped waiting.
const DefaultStepTimeout = 30 * time.Minute

// Options configures an Engine. Store and Executor are required.
type Options struct {
	Store       Store
	Executor    compute.Executor
	Registry    *schemas.Registry
	Logger      logrus.FieldLogger
	Metrics     *Metrics
	StepTimeout time.Duration
	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// Engine runs steps of stored pipelines. It is safe for concurrent use.
type Engine struct {
	store    Store
	executor compute.Executor
	registry *schemas.Registry
	log      logrus.FieldLogger
	metrics  *Metrics
	timeout  time.Duration
	now      func() time.Time

	locks *lockArena

	mu       sync.Mutex
	inflight map[stepKey]struct{}
	pending  sync.WaitGroup
}

type stepKey struct {
	pipelineID uuid.UUID
	step       types.StepType
}

// execution is a started run of one step, carried from the start phase to the outcome phase.
type execution struct {
	id         uuid.UUID
	pipelineID uuid.UUID
	step       types.StepType
	params     map[string]any
	generation uint64
}

func (x *execution) key() stepKey {
	return stepKey{pipelineID: x.pipelineID, step: x.step}
}

func (x *execution) fields() logrus.Fields {
	return logrus.Fields{
		"pipeline_id":  x.pipelineID,
		"step":         x.step,
		"execution_id": x.id,
		"generation":   x.generation,
	}
}

// NewEngine creates an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	e := &Engine{
		store:    opts.Store,
		executor: opts.Executor,
		registry: opts.Registry,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		timeout:  opts.StepTimeout,
		now:      opts.Now,
		locks:    newLockArena(),
		inflight: make(map[stepKey]struct{}),
	}
	if e.registry == nil {
		e.registry = schemas.Default()
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.timeout <= 0 {
		e.timeout = DefaultStepTimeout
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// Registry returns the schema registry used for defaults and validation.
func (e *Engine) Registry() *schemas.Registry {
	return e.registry
}

// CreatePipeline stores a new pipeline with every step pending and seeded with default
// parameters. An empty name is replaced by a timestamped default.
func (e *Engine) CreatePipeline(ctx context.Context, name string, metadata types.Metadata) (*types.PipelineState, error) {
	now := e.now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Analysis " + now.Format("2006-01-02 15:04:05")
	}

	p := &types.PipelineState{
		ID:        uuid.New(),
		Name:      name,
		Metadata:  metadata,
		Steps:     make([]types.StepState, len(types.StepOrder)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, st := range types.StepOrder {
		p.Steps[i] = types.StepState{
			StepType: st,
			Status:   types.StatusPending,
			Params:   e.registry.DefaultParams(st),
			History:  []types.StepExecution{},
		}
	}

	if err := e.store.CreatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	e.log.WithFields(logrus.Fields{"pipeline_id": p.ID, "name": p.Name}).Info("pipeline created")
	return p, nil
}

// GetPipeline returns the current state of a pipeline.
func (e *Engine) GetPipeline(ctx context.Context, id uuid.UUID) (*types.PipelineState, error) {
	return e.load(ctx, id)
}

// ListPipelines returns every pipeline, most recently updated first.
func (e *Engine) ListPipelines(ctx context.Context) ([]*types.PipelineState, error) {
	pipelines, err := e.store.ListPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return pipelines, nil
}

// RunStep executes one step with the current parameters merged with overrides.
//
// The step is marked running before the executor is called, and the executor is called
// without holding the pipeline lock. If ctx ends first, RunStep returns an *AbandonedError
// while the execution continues on a detached context bounded by the step timeout; its
// outcome is recorded as if the caller had waited.
func (e *Engine) RunStep(ctx context.Context, id uuid.UUID, step types.StepType, overrides map[string]any) (*types.StepResult, error) {
	run, err := e.begin(ctx, id, step, overrides)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result *types.StepResult
		err    error
	}
	done := make(chan outcome, 1)

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		result, err := e.execute(ctx, run)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		e.log.WithFields(run.fields()).Warn("caller stopped waiting, execution continues")
		return nil, &AbandonedError{PipelineID: id, Step: step, Err: ctx.Err()}
	}
}

// ReplayExecution runs a step again with the parameters recorded by a past execution.
// The replay is an ordinary run and appends a new history entry.
func (e *Engine) ReplayExecution(ctx context.Context, id uuid.UUID, step types.StepType, executionID uuid.UUID) (*types.StepResult, error) {
	history, err := e.GetStepHistory(ctx, id, step)
	if err != nil {
		return nil, err
	}
	for _, ex := range history {
		if ex.ID == executionID {
			return e.RunStep(ctx, id, step, ex.Params)
		}
	}
	return nil, &ExecutionNotFoundError{PipelineID: id, Step: step, ExecutionID: executionID}
}

// UpdateStepParams merges overrides into a step's parameters without running it.
func (e *Engine) UpdateStepParams(ctx context.Context, id uuid.UUID, step types.StepType, overrides map[string]any) error {
	unlock := e.locks.lock(id)
	defer unlock()

	p, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if !step.Valid() {
		return &InvalidStepError{Step: string(step)}
	}

	st := p.Step(step)
	merged := MergeParams(st.Params, overrides)
	if err := e.registry.ValidateParams(step, merged); err != nil {
		return &InvalidParamsError{Step: step, Err: err}
	}

	st.Params = merged
	p.UpdatedAt = e.now()
	return e.save(ctx, p)
}

// GetStepHistory returns the successful executions of a step in chronological order.
func (e *Engine) GetStepHistory(ctx context.Context, id uuid.UUID, step types.StepType) ([]types.StepExecution, error) {
	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !step.Valid() {
		return nil, &InvalidStepError{Step: string(step)}
	}

	history := p.Step(step).History
	if history == nil {
		history = []types.StepExecution{}
	}
	return history, nil
}

// UpdatePipelineMetadata replaces a pipeline's metadata. An empty name keeps the current one.
func (e *Engine) UpdatePipelineMetadata(ctx context.Context, id uuid.UUID, name string, metadata types.Metadata) error {
	unlock := e.locks.lock(id)
	defer unlock()

	p, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if name = strings.TrimSpace(name); name != "" {
		p.Name = name
	}
	p.Metadata = metadata
	p.UpdatedAt = e.now()
	return e.save(ctx, p)
}

// DeletePipeline removes a pipeline and its history. Executions still in flight for it
// finish, and their outcomes are discarded.
func (e *Engine) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	unlock := e.locks.lock(id)
	defer unlock()

	if err := e.store.DeletePipeline(ctx, id); err != nil {
		if errors.Is(err, types.ErrPipelineNotFound) {
			return &NotFoundError{PipelineID: id}
		}
		return fmt.Errorf("failed to delete pipeline %s: %w", id, err)
	}
	e.log.WithField("pipeline_id", id).Info("pipeline deleted")
	return nil
}

// Wait blocks until every started execution has recorded its outcome, including those
// whose callers stopped waiting.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// begin validates a run request and marks the step running. Nothing is persisted when it
// returns an error.
func (e *Engine) begin(ctx context.Context, id uuid.UUID, step types.StepType, overrides map[string]any) (*execution, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !step.Valid() {
		return nil, &InvalidStepError{Step: string(step)}
	}
	if prev, ok := step.Previous(); ok {
		if ps := p.Step(prev); ps.Status != types.StatusCompleted {
			return nil, &PreconditionError{Step: step, Required: prev, RequiredStatus: ps.Status}
		}
	}

	key := stepKey{pipelineID: id, step: step}
	if e.isInflight(key) {
		return nil, &ConflictError{PipelineID: id, Step: step}
	}

	st := p.Step(step)
	merged := MergeParams(st.Params, overrides)
	if err := e.registry.ValidateParams(step, merged); err != nil {
		return nil, &InvalidParamsError{Step: step, Err: err}
	}

	// claims for this key are only taken under the pipeline lock, so the check above holds
	e.claim(key)

	st.Params = merged
	st.Status = types.StatusRunning
	st.Generation++
	p.UpdatedAt = e.now()
	if err := e.save(ctx, p); err != nil {
		e.release(key)
		return nil, err
	}

	return &execution{
		id:         uuid.Must(uuid.NewV7()),
		pipelineID: id,
		step:       step,
		params:     types.CloneParams(merged),
		generation: st.Generation,
	}, nil
}

// execute calls the executor and records the outcome.
func (e *Engine) execute(parent context.Context, run *execution) (*types.StepResult, error) {
	ctx := context.WithoutCancel(parent)
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.log.WithFields(run.fields()).Info("step execution started")
	e.metrics.started()

	start := time.Now()
	result, execErr := e.executor.Execute(execCtx, run.step, types.CloneParams(run.params))
	elapsed := time.Since(start)
	execErr = classify(run.step, result, execErr)

	result, err := e.finish(ctx, run, result, execErr, elapsed)

	outcome := outcomeOf(execErr)
	var stale *StaleExecutionError
	if errors.As(err, &stale) {
		outcome = OutcomeStale
	}
	e.metrics.finished(run.step, elapsed, outcome)
	return result, err
}

// finish applies an execution outcome unless the step was deleted or restarted meanwhile.
func (e *Engine) finish(ctx context.Context, run *execution, result *types.StepResult, execErr error, elapsed time.Duration) (*types.StepResult, error) {
	unlock := e.locks.lock(run.pipelineID)
	defer unlock()
	defer e.release(run.key())

	log := e.log.WithFields(run.fields()).WithField("duration_ms", elapsed.Milliseconds())

	p, err := e.load(ctx, run.pipelineID)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			log.Warn("pipeline deleted during execution, outcome discarded")
		}
		return nil, err
	}

	st := p.Step(run.step)
	if st.Generation != run.generation {
		log.WithField("current_generation", st.Generation).Warn("stale execution, outcome discarded")
		return nil, &StaleExecutionError{
			PipelineID: run.pipelineID,
			Step:       run.step,
			Generation: run.generation,
			Current:    st.Generation,
		}
	}

	now := e.now()
	p.UpdatedAt = now

	if execErr != nil {
		st.Status = types.StatusError
		st.Error = execErr.Error()
		if err := e.save(ctx, p); err != nil {
			log.WithError(err).Error("failed to record step failure")
			return nil, fmt.Errorf("%w (recording the failure also failed: %v)", execErr, err)
		}
		log.WithError(execErr).Error("step execution failed")
		return nil, execErr
	}

	st.Status = types.StatusCompleted
	st.Result = result
	st.Error = ""
	st.History = append(st.History, types.StepExecution{
		ID:         run.id,
		Params:     types.CloneParams(run.params),
		Result:     result,
		ExecutedAt: now,
	})
	if idx := run.step.Index(); idx >= p.CurrentStep {
		p.CurrentStep = idx + 1
	}

	if err := e.save(ctx, p); err != nil {
		log.WithError(err).Error("failed to record step result")
		return nil, fmt.Errorf("failed to record result of step %s: %w", run.step, err)
	}
	log.Info("step execution completed")
	return result, nil
}

// classify makes every executor failure carry a compute.Kind.
func classify(step types.StepType, result *types.StepResult, err error) error {
	if err == nil {
		if result == nil {
			return compute.ComputeError(step, "backend returned no result", nil)
		}
		return nil
	}
	if compute.KindOf(err) != "" {
		return err
	}
	if isContextErr(err) {
		return compute.TransportError(step, "backend call did not finish in time", err)
	}
	return compute.ComputeError(step, "backend failure", err)
}

func (e *Engine) load(ctx context.Context, id uuid.UUID) (*types.PipelineState, error) {
	p, err := e.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", id, err)
	}
	if p == nil {
		return nil, &NotFoundError{PipelineID: id}
	}
	if !p.HasAllSteps() {
		e.log.WithFields(logrus.Fields{"pipeline_id": id, "steps": len(p.Steps)}).
			Warn("store returned a pipeline without its steps, treating it as deleted")
		return nil, &NotFoundError{PipelineID: id}
	}
	return p, nil
}

func (e *Engine) save(ctx context.Context, p *types.PipelineState) error {
	if err := e.store.SavePipeline(ctx, p); err != nil {
		if errors.Is(err, types.ErrPipelineNotFound) {
			return &NotFoundError{PipelineID: p.ID}
		}
		return fmt.Errorf("failed to save pipeline %s: %w", p.ID, err)
	}
	return nil
}

func (e *Engine) isInflight(key stepKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[key]
	return ok
}

func (e *Engine) claim(key stepKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[key] = struct{}{}
}

func (e *Engine) release(key stepKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}
