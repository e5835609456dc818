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

// ApprovalRepository handles approval request database operations. Update's
// status guard lives in the WHERE clause so exactly one response resolves a
// request even across processes.
type ApprovalRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(db *sql.DB, logger *slog.Logger) *ApprovalRepository {
	return &ApprovalRepository{db: db, logger: logger}
}

const approvalColumns = `
	id
  , execution_id
  , step_id
  , type
  , message
  , data
  , status
  , response
  , expires_at
  , created_at
  , responded_at
`

// Create persists a fresh approval request.
func (r *ApprovalRepository) Create(ctx context.Context, approval *models.ApprovalRequest) error {
	dataJSON, responseJSON, err := marshalApprovalFields(approval)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approvals (id, execution_id, step_id, type, message, data, status, response, expires_at, created_at, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		approval.ID,
		approval.ExecutionID,
		approval.StepID,
		approval.Type,
		approval.Message,
		dataJSON,
		approval.Status,
		responseJSON,
		approval.ExpiresAt,
		approval.CreatedAt,
		approval.RespondedAt,
	)
	if err != nil {
		return persistence.NewApprovalError("Create", approval.ID, err)
	}

	return nil
}

// GetByID retrieves an approval by its ID, (nil, nil) when absent.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	approval, err := r.scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	return approval, nil
}

// Update persists the approval when the stored row still has the expected
// status, otherwise ErrConcurrentUpdate.
func (r *ApprovalRepository) Update(ctx context.Context, approval *models.ApprovalRequest, expectedStatus models.ApprovalStatus) error {
	dataJSON, responseJSON, err := marshalApprovalFields(approval)
	if err != nil {
		return err
	}

	query := `
		UPDATE approvals SET
			message = $1,
			data = $2,
			status = $3,
			response = $4,
			expires_at = $5,
			responded_at = $6
		WHERE id = $7 AND status = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		approval.Message,
		dataJSON,
		approval.Status,
		responseJSON,
		approval.ExpiresAt,
		approval.RespondedAt,
		approval.ID,
		expectedStatus,
	)
	if err != nil {
		return persistence.NewApprovalError("Update", approval.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM approvals WHERE id = $1)`, approval.ID).Scan(&exists)
		if err != nil {
			return persistence.NewApprovalError("Update", approval.ID, err)
		}

		if !exists {
			return persistence.NewApprovalError("Update", approval.ID, persistence.ErrApprovalNotFound)
		}

		return persistence.NewApprovalError("Update", approval.ID, persistence.ErrConcurrentUpdate)
	}

	return nil
}

// ListByExecution returns every approval of an execution, oldest first.
func (r *ApprovalRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM approvals
		WHERE execution_id = $1
		ORDER BY created_at`

	return r.queryApprovals(ctx, query, executionID)
}

// ListExpired returns pending approvals whose expiry has passed.
func (r *ApprovalRepository) ListExpired(ctx context.Context, asOf int64) ([]*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM approvals
		WHERE status = 'pending' AND expires_at > 0 AND expires_at <= $1
		ORDER BY created_at`

	return r.queryApprovals(ctx, query, asOf)
}

func (r *ApprovalRepository) queryApprovals(ctx context.Context, query string, args ...any) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	approvals := make([]*models.ApprovalRequest, 0)

	for rows.Next() {
		approval, err := r.scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}

		approvals = append(approvals, approval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return approvals, nil
}

func (r *ApprovalRepository) scanApproval(scanner interface {
	Scan(dest ...any) error
}) (*models.ApprovalRequest, error) {
	var (
		approval               models.ApprovalRequest
		dataJSON, responseJSON []byte
	)

	err := scanner.Scan(
		&approval.ID,
		&approval.ExecutionID,
		&approval.StepID,
		&approval.Type,
		&approval.Message,
		&dataJSON,
		&approval.Status,
		&responseJSON,
		&approval.ExpiresAt,
		&approval.CreatedAt,
		&approval.RespondedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalColumn(dataJSON, &approval.Data, "data"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(responseJSON, &approval.Response, "response"); err != nil {
		return nil, err
	}

	return &approval, nil
}

func marshalApprovalFields(approval *models.ApprovalRequest) (data, response []byte, err error) {
	if approval.Data != nil {
		data, err = json.Marshal(approval.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	if approval.Response != nil {
		response, err = json.Marshal(approval.Response)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal response: %w", err)
		}
	}

	return data, response, nil
}
