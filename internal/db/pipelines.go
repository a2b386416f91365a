package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/scpipeline/internal/types"
)

const uniqueViolation = "23505"

const pipelineColumns = `id, name, data_path, species, description, current_step, created_at, updated_at`

// -----------------------------------------------------------------------------
// Pipeline Methods
// -----------------------------------------------------------------------------

// CreatePipeline inserts a pipeline with its step rows and any history it carries.
func (db *DB) CreatePipeline(ctx context.Context, p *types.PipelineState) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO pipelines (`+pipelineColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.Metadata.DataPath, p.Metadata.Species, p.Metadata.Description,
		p.CurrentStep, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}

	if err := writeSteps(ctx, tx, p, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SavePipeline replaces the stored state of an existing pipeline. Step rows are
// overwritten and history entries not yet stored are appended. History is append-only,
// so only the entries past the stored count are written.
func (db *DB) SavePipeline(ctx context.Context, p *types.PipelineState) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE pipelines
		 SET name = $2, data_path = $3, species = $4, description = $5,
		     current_step = $6, updated_at = $7
		 WHERE id = $1`,
		p.ID, p.Name, p.Metadata.DataPath, p.Metadata.Species, p.Metadata.Description,
		p.CurrentStep, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	stored, err := storedExecutionCounts(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	if err := writeSteps(ctx, tx, p, stored); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetPipeline retrieves a pipeline with its steps and history. Returns nil, nil when the
// pipeline does not exist, including when it is deleted while its rows are being read.
func (db *DB) GetPipeline(ctx context.Context, id uuid.UUID) (*types.PipelineState, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	var steps map[uuid.UUID][]types.StepState
	var history map[historyKey][]types.StepExecution

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		steps, err = db.loadSteps(gCtx, `WHERE pipeline_id = $1`, id)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = db.loadHistory(gCtx, `WHERE pipeline_id = $1`, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	assemble(p, steps[p.ID], history)
	// the queries run on separate connections; a delete can commit in between
	if !p.HasAllSteps() {
		return nil, nil
	}
	return p, nil
}

// ListPipelines returns all pipelines, most recently updated first.
func (db *DB) ListPipelines(ctx context.Context) ([]*types.PipelineState, error) {
	var pipelines []*types.PipelineState
	var steps map[uuid.UUID][]types.StepState
	var history map[historyKey][]types.StepExecution

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := db.pool.Query(gCtx,
			`SELECT `+pipelineColumns+` FROM pipelines ORDER BY updated_at DESC, id`)
		if err != nil {
			return fmt.Errorf("failed to list pipelines: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPipeline(rows)
			if err != nil {
				return fmt.Errorf("failed to scan pipeline: %w", err)
			}
			pipelines = append(pipelines, p)
		}
		return rows.Err()
	})
	g.Go(func() error {
		var err error
		steps, err = db.loadSteps(gCtx, "")
		return err
	})
	g.Go(func() error {
		var err error
		history, err = db.loadHistory(gCtx, "")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*types.PipelineState, 0, len(pipelines))
	for _, p := range pipelines {
		// the queries run on separate connections; skip pipelines created or deleted in between
		assemble(p, steps[p.ID], history)
		if !p.HasAllSteps() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePipeline removes a pipeline; step rows and history cascade.
func (db *DB) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

type historyKey struct {
	pipelineID uuid.UUID
	step       types.StepType
}

// storedExecutionCounts returns how many history entries each step already has.
func storedExecutionCounts(ctx context.Context, tx pgx.Tx, id uuid.UUID) (map[types.StepType]int, error) {
	rows, err := tx.Query(ctx,
		`SELECT step_type, count(*) FROM step_executions WHERE pipeline_id = $1 GROUP BY step_type`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.StepType]int)
	for rows.Next() {
		var (
			stepType string
			n        int64
		)
		if err := rows.Scan(&stepType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan execution count: %w", err)
		}
		counts[types.StepType(stepType)] = int(n)
	}
	return counts, rows.Err()
}

// unsavedExecutions returns the entries of history past the first stored ones.
func unsavedExecutions(history []types.StepExecution, stored int) []types.StepExecution {
	if stored >= len(history) {
		return nil
	}
	return history[max(stored, 0):]
}

func writeSteps(ctx context.Context, tx pgx.Tx, p *types.PipelineState, stored map[types.StepType]int) error {
	for pos, st := range p.Steps {
		paramsJSON, err := marshalParams(st.Params)
		if err != nil {
			return err
		}
		resultJSON, err := marshalResult(st.Result)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO pipeline_steps (pipeline_id, position, step_type, status, params, result, error, generation)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (pipeline_id, position) DO UPDATE
			 SET status = EXCLUDED.status, params = EXCLUDED.params, result = EXCLUDED.result,
			     error = EXCLUDED.error, generation = EXCLUDED.generation`,
			p.ID, pos, string(st.StepType), string(st.Status), paramsJSON, resultJSON, st.Error, int64(st.Generation),
		)
		if err != nil {
			return fmt.Errorf("failed to write step %s: %w", st.StepType, err)
		}

		for _, ex := range unsavedExecutions(st.History, stored[st.StepType]) {
			paramsJSON, err := marshalParams(ex.Params)
			if err != nil {
				return err
			}
			resultJSON, err := marshalResult(ex.Result)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO step_executions (id, pipeline_id, step_type, params, result, executed_at)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO NOTHING`,
				ex.ID, p.ID, string(st.StepType), paramsJSON, resultJSON, ex.ExecutedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to write execution %s: %w", ex.ID, err)
			}
		}
	}
	return nil
}

func (db *DB) loadSteps(ctx context.Context, where string, args ...any) (map[uuid.UUID][]types.StepState, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT pipeline_id, step_type, status, params, result, error, generation
		 FROM pipeline_steps `+where+`
		 ORDER BY pipeline_id, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]types.StepState)
	for rows.Next() {
		var (
			pipelineID uuid.UUID
			st         types.StepState
			stepType   string
			status     string
			paramsJSON []byte
			resultJSON []byte
			generation int64
		)
		if err := rows.Scan(&pipelineID, &stepType, &status, &paramsJSON, &resultJSON, &st.Error, &generation); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.StepType = types.StepType(stepType)
		st.Status = types.StepStatus(status)
		st.Generation = uint64(generation)
		if err := unmarshalJSON(paramsJSON, &st.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of step %s: %w", stepType, err)
		}
		if resultJSON != nil {
			st.Result = &types.StepResult{}
			if err := json.Unmarshal(resultJSON, st.Result); err != nil {
				return nil, fmt.Errorf("failed to decode result of step %s: %w", stepType, err)
			}
		}
		out[pipelineID] = append(out[pipelineID], st)
	}
	return out, rows.Err()
}

func (db *DB) loadHistory(ctx context.Context, where string, args ...any) (map[historyKey][]types.StepExecution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, pipeline_id, step_type, params, result, executed_at
		 FROM step_executions `+where+`
		 ORDER BY executed_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	out := make(map[historyKey][]types.StepExecution)
	for rows.Next() {
		var (
			ex         types.StepExecution
			key        historyKey
			stepType   string
			paramsJSON []byte
			resultJSON []byte
		)
		if err := rows.Scan(&ex.ID, &key.pipelineID, &stepType, &paramsJSON, &resultJSON, &ex.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		key.step = types.StepType(stepType)
		if err := unmarshalJSON(paramsJSON, &ex.Params); err != nil {
			return nil, fmt.Errorf("failed to decode execution params: %w", err)
		}
		if resultJSON != nil {
			ex.Result = &types.StepResult{}
			if err := json.Unmarshal(resultJSON, ex.Result); err != nil {
				return nil, fmt.Errorf("failed to decode execution result: %w", err)
			}
		}
		ex.ExecutedAt = ex.ExecutedAt.UTC()
		out[key] = append(out[key], ex)
	}
	return out, rows.Err()
}

func scanPipeline(row pgx.Row) (*types.PipelineState, error) {
	var p types.PipelineState
	err := row.Scan(&p.ID, &p.Name, &p.Metadata.DataPath, &p.Metadata.Species, &p.Metadata.Description,
		&p.CurrentStep, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func assemble(p *types.PipelineState, steps []types.StepState, history map[historyKey][]types.StepExecution) {
	p.Steps = steps
	for i := range p.Steps {
		h := history[historyKey{pipelineID: p.ID, step: p.Steps[i].StepType}]
		if h == nil {
			h = []types.StepExecution{}
		}
		p.Steps[i].History = h
	}
}

func marshalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return b, nil
}

// marshalResult returns nil for a nil result so the column is stored as NULL.
func marshalResult(result *types.StepResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return b, nil
}

func unmarshalJSON(data []byte, v any) error {
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}
