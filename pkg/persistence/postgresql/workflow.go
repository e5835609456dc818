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

// WorkflowRepository handles workflow definition database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const workflowColumns = `
	id
  , name
  , description
  , owner_id
  , nodes
  , edges
  , variables
  , triggers
  , joins
  , timeout_ms
  , created_at
  , updated_at
`

// Save persists a definition, overwriting any previous version with the
// same id.
func (r *WorkflowRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	now := models.NowMillis()
	if def.CreatedAt == 0 {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	variablesJSON, err := json.Marshal(def.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	triggersJSON, err := json.Marshal(def.Triggers)
	if err != nil {
		return fmt.Errorf("failed to marshal triggers: %w", err)
	}

	joinsJSON, err := json.Marshal(def.Joins)
	if err != nil {
		return fmt.Errorf("failed to marshal joins: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, description, owner_id, nodes, edges, variables, triggers, joins, timeout_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			owner_id = EXCLUDED.owner_id,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			variables = EXCLUDED.variables,
			triggers = EXCLUDED.triggers,
			joins = EXCLUDED.joins,
			timeout_ms = EXCLUDED.timeout_ms,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		def.ID,
		def.Name,
		def.Description,
		def.OwnerID,
		nodesJSON,
		edgesJSON,
		variablesJSON,
		triggersJSON,
		joinsJSON,
		def.TimeoutMs,
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

// GetByID returns the definition, or (nil, nil) when it does not exist.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	def, err := r.scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return def, nil
}

// List returns paginated definitions filtered by owner.
func (r *WorkflowRepository) List(ctx context.Context, opts persistence.ListWorkflowsOptions) (*persistence.WorkflowListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.SortBy == "" {
		opts.SortBy = "created_at"
	}

	if opts.SortOrder == "" {
		opts.SortOrder = "desc"
	}

	allowedSorts := map[string]bool{
		"created_at": true,
		"updated_at": true,
		"name":       true,
	}
	if !allowedSorts[opts.SortBy] {
		return nil, fmt.Errorf("invalid sort field: %s", opts.SortBy)
	}

	order := "ASC"
	if opts.SortOrder == "desc" {
		order = "DESC"
	}

	where := ""
	args := []any{}

	if opts.OwnerID != "" {
		where = "WHERE owner_id = $1"
		args = append(args, opts.OwnerID)
	}

	var totalCount int64

	countQuery := `SELECT COUNT(*) FROM workflows ` + where

	err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM workflows %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		workflowColumns, where, opts.SortBy, order, len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	workflows := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		def, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return &persistence.WorkflowListResult{
		Workflows:   workflows,
		TotalCount:  totalCount,
		HasNextPage: int64(opts.Offset+len(workflows)) < totalCount,
	}, nil
}

// Delete removes a definition. Deleting a missing definition is not an
// error.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return nil
}

func (r *WorkflowRepository) scanWorkflow(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowDefinition, error) {
	var (
		def                                                          models.WorkflowDefinition
		nodesJSON, edgesJSON, variablesJSON, triggersJSON, joinsJSON []byte
	)

	err := scanner.Scan(
		&def.ID,
		&def.Name,
		&def.Description,
		&def.OwnerID,
		&nodesJSON,
		&edgesJSON,
		&variablesJSON,
		&triggersJSON,
		&joinsJSON,
		&def.TimeoutMs,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalColumn(nodesJSON, &def.Nodes, "nodes"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(edgesJSON, &def.Edges, "edges"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(variablesJSON, &def.Variables, "variables"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(triggersJSON, &def.Triggers, "triggers"); err != nil {
		return nil, err
	}

	if err := unmarshalColumn(joinsJSON, &def.Joins, "joins"); err != nil {
		return nil, err
	}

	return &def, nil
}

// unmarshalColumn decodes a nullable JSONB column into its field, leaving
// the field zero-valued on NULL.
func unmarshalColumn(data []byte, target any, column string) error {
	if data == nil {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", column, err)
	}

	return nil
}
