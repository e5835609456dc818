package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fluxor-io/fluxor/pkg/models"
)

// StepResultRepository handles per-attempt node outcome database
// operations. The (execution_id, node_id, retry_count) primary key makes
// Save an upsert, which is what keeps recording idempotent under event
// redelivery.
type StepResultRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepResultRepository creates a new step result repository.
func NewStepResultRepository(db *sql.DB, logger *slog.Logger) *StepResultRepository {
	return &StepResultRepository{db: db, logger: logger}
}

const stepResultColumns = `
	execution_id
  , node_id
  , retry_count
  , iteration
  , status
  , output
  , error
  , started_at
  , completed_at
`

// Save persists one attempt, overwriting any previous row with the same
// key.
func (r *StepResultRepository) Save(ctx context.Context, result *models.WorkflowStepResult) error {
	var outputJSON, errorJSON []byte

	var err error

	if result.Output != nil {
		outputJSON, err = json.Marshal(result.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
	}

	if result.Error != nil {
		errorJSON, err = json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal error: %w", err)
		}
	}

	query := `
		INSERT INTO step_results (execution_id, node_id, retry_count, iteration, status, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id, node_id, retry_count) DO UPDATE SET
			iteration = EXCLUDED.iteration,
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		result.ExecutionID,
		result.NodeID,
		result.RetryCount,
		result.Iteration,
		result.Status,
		outputJSON,
		errorJSON,
		result.StartedAt,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}

	return nil
}

// Get returns the result for one attempt, or (nil, nil) when absent.
func (r *StepResultRepository) Get(ctx context.Context, executionID, nodeID string, retryCount int) (*models.WorkflowStepResult, error) {
	query := `SELECT ` + stepResultColumns + `
		FROM step_results
		WHERE execution_id = $1 AND node_id = $2 AND retry_count = $3`

	row := r.db.QueryRowContext(ctx, query, executionID, nodeID, retryCount)

	result, err := r.scanStepResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan step result: %w", err)
	}

	return result, nil
}

// ListByExecution returns every attempt of an execution in attempt order.
func (r *StepResultRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.WorkflowStepResult, error) {
	query := `SELECT ` + stepResultColumns + `
		FROM step_results
		WHERE execution_id = $1
		ORDER BY started_at, node_id, retry_count`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step results: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	results := make([]*models.WorkflowStepResult, 0)

	for rows.Next() {
		result, err := r.scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}

		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}

	return results, nil
}

func (r *StepResultRepository) scanStepResult(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowStepResult, error) {
	var (
		result                models.WorkflowStepResult
		outputJSON, errorJSON []byte
	)

	err := scanner.Scan(
		&result.ExecutionID,
		&result.NodeID,
		&result.RetryCount,
		&result.Iteration,
		&result.Status,
		&outputJSON,
		&errorJSON,
		&result.StartedAt,
		&result.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalColumn(outputJSON, &result.Output, "output"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(errorJSON, &result.Error, "error"); err != nil {
		return nil, err
	}

	return &result, nil
}
