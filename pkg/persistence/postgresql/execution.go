package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
)

// ExecutionRepository handles execution state database operations. Update
// carries the optimistic guard in its WHERE clause, so the database
// arbitrates concurrent writers without any locking in the application.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , workflow_id
  , owner_id
  , status
  , frames
  , variables
  , error
  , auto_approve
  , initiator
  , suspend_reason
  , suspended_node_id
  , wait_until
  , pending_approval_id
  , callback_token
  , node_overrides
  , parent_execution_id
  , parent_node_id
  , started_at
  , completed_at
  , updated_at
`

// Create persists a fresh execution. Creating an id twice is an error.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	framesJSON, variablesJSON, errorJSON, overridesJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (id, workflow_id, owner_id, status, frames, variables, error,
			auto_approve, initiator, suspend_reason, suspended_node_id, wait_until,
			pending_approval_id, callback_token, node_overrides, parent_execution_id,
			parent_node_id, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.OwnerID,
		execution.Status,
		framesJSON,
		variablesJSON,
		errorJSON,
		execution.AutoApprove,
		execution.Initiator,
		execution.SuspendReason,
		execution.SuspendedNodeID,
		execution.WaitUntil,
		execution.PendingApprovalID,
		execution.CallbackToken,
		overridesJSON,
		execution.ParentExecutionID,
		execution.ParentNodeID,
		execution.StartedAt,
		execution.CompletedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	return nil
}

// GetByID retrieves an execution by its ID, (nil, nil) when absent.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	execution, err := r.scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// Update persists the execution when the stored row still matches the
// expected status and updated-at, bumping UpdatedAt past the expected value
// so the write is observable.
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution, expectedStatus models.ExecutionStatus, expectedUpdatedAt int64) error {
	framesJSON, variablesJSON, errorJSON, overridesJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	execution.UpdatedAt = bumpUpdatedAt(expectedUpdatedAt)

	query := `
		UPDATE executions SET
			status = $1,
			frames = $2,
			variables = $3,
			error = $4,
			suspend_reason = $5,
			suspended_node_id = $6,
			wait_until = $7,
			pending_approval_id = $8,
			callback_token = $9,
			node_overrides = $10,
			completed_at = $11,
			updated_at = $12
		WHERE id = $13 AND status = $14 AND updated_at = $15
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.Status,
		framesJSON,
		variablesJSON,
		errorJSON,
		execution.SuspendReason,
		execution.SuspendedNodeID,
		execution.WaitUntil,
		execution.PendingApprovalID,
		execution.CallbackToken,
		overridesJSON,
		execution.CompletedAt,
		execution.UpdatedAt,
		execution.ID,
		expectedStatus,
		expectedUpdatedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, execution.ID).Scan(&exists)
		if err != nil {
			return persistence.NewExecutionError("Update", execution.ID, err)
		}

		if !exists {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrConcurrentUpdate)
	}

	return nil
}

// List returns paginated executions filtered by workflow, owner, and
// status, newest first.
func (r *ExecutionRepository) List(ctx context.Context, opts persistence.ListExecutionsOptions) (*persistence.ExecutionListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	where := ""
	args := []any{}

	appendClause := func(condition string, value any) {
		args = append(args, value)
		clause := fmt.Sprintf("%s $%d", condition, len(args))

		if where == "" {
			where = "WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}

	if opts.WorkflowID != "" {
		appendClause("workflow_id =", opts.WorkflowID)
	}

	if opts.OwnerID != "" {
		appendClause("owner_id =", opts.OwnerID)
	}

	if opts.Status != nil {
		appendClause("status =", *opts.Status)
	}

	var totalCount int64

	countQuery := `SELECT COUNT(*) FROM executions ` + where

	err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM executions %s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		executionColumns, where, len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	executions, err := r.queryExecutions(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return &persistence.ExecutionListResult{
		Executions:  executions,
		TotalCount:  totalCount,
		HasNextPage: int64(opts.Offset+len(executions)) < totalCount,
	}, nil
}

// ListSuspended returns non-terminal executions suspended for the given
// reason, optionally only those due before the given time.
func (r *ExecutionRepository) ListSuspended(ctx context.Context, reason models.SuspendReason, dueBefore int64) ([]*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE suspend_reason = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')`
	args := []any{reason}

	if dueBefore > 0 {
		query += ` AND wait_until > 0 AND wait_until <= $2`
		args = append(args, dueBefore)
	}

	query += ` ORDER BY started_at`

	return r.queryExecutions(ctx, query, args...)
}

// GetByCallbackToken resolves the execution waiting on the given webhook
// callback token.
func (r *ExecutionRepository) GetByCallbackToken(ctx context.Context, token string) (*models.WorkflowExecution, error) {
	if token == "" {
		return nil, nil
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE callback_token = $1`

	row := r.db.QueryRowContext(ctx, query, token)

	execution, err := r.scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := r.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (r *ExecutionRepository) scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowExecution, error) {
	var (
		execution                                           models.WorkflowExecution
		framesJSON, variablesJSON, errorJSON, overridesJSON []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.OwnerID,
		&execution.Status,
		&framesJSON,
		&variablesJSON,
		&errorJSON,
		&execution.AutoApprove,
		&execution.Initiator,
		&execution.SuspendReason,
		&execution.SuspendedNodeID,
		&execution.WaitUntil,
		&execution.PendingApprovalID,
		&execution.CallbackToken,
		&overridesJSON,
		&execution.ParentExecutionID,
		&execution.ParentNodeID,
		&execution.StartedAt,
		&execution.CompletedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalColumn(framesJSON, &execution.Frames, "frames"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(variablesJSON, &execution.Variables, "variables"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(errorJSON, &execution.Error, "error"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(overridesJSON, &execution.NodeOverrides, "node_overrides"); err != nil {
		return nil, err
	}

	if execution.Variables == nil {
		execution.Variables = models.NewWorkflowVariables(nil)
	} else {
		execution.Variables.EnsureMaps()
	}

	return &execution, nil
}

func marshalExecutionFields(execution *models.WorkflowExecution) (frames, variables, errorJSON, overrides []byte, err error) {
	frames, err = json.Marshal(execution.Frames)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal frames: %w", err)
	}

	variables, err = json.Marshal(execution.Variables)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal variables: %w", err)
	}

	if execution.Error != nil {
		errorJSON, err = json.Marshal(execution.Error)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal error: %w", err)
		}
	}

	if execution.NodeOverrides != nil {
		overrides, err = json.Marshal(execution.NodeOverrides)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal node overrides: %w", err)
		}
	}

	return frames, variables, errorJSON, overrides, nil
}

// bumpUpdatedAt returns a timestamp strictly greater than the previous one,
// even when the wall clock has not moved a millisecond yet.
func bumpUpdatedAt(previous int64) int64 {
	now := models.NowMillis()
	if now <= previous {
		return previous + 1
	}

	return now
}
