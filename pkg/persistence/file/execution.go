package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
)

// ExecutionRepository handles execution state file operations. The mutex
// serializes the read-compare-write of Update, which gives the optimistic
// guard within a single process.
type ExecutionRepository struct {
	root string
	mu   sync.Mutex
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

// Create persists a fresh execution. Creating an id twice is an error.
func (er *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	existing, err := er.read(execution.ID)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	if existing != nil {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	return er.write(execution)
}

// GetByID retrieves an execution by its ID, (nil, nil) when absent.
func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	return er.read(id)
}

// Update persists the execution when the stored copy still matches the
// expected status and updated-at, bumping UpdatedAt past the expected value
// so the write is observable.
func (er *ExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution, expectedStatus models.ExecutionStatus, expectedUpdatedAt int64) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	current, err := er.read(execution.ID)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	if current == nil {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	if current.Status != expectedStatus || current.UpdatedAt != expectedUpdatedAt {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrConcurrentUpdate)
	}

	execution.UpdatedAt = bumpUpdatedAt(expectedUpdatedAt)

	return er.write(execution)
}

// List returns paginated executions filtered by workflow, owner, and
// status, newest first.
func (er *ExecutionRepository) List(ctx context.Context, opts persistence.ListExecutionsOptions) (*persistence.ExecutionListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	all, err := er.scan(func(execution *models.WorkflowExecution) bool {
		if opts.WorkflowID != "" && execution.WorkflowID != opts.WorkflowID {
			return false
		}

		if opts.OwnerID != "" && execution.OwnerID != opts.OwnerID {
			return false
		}

		if opts.Status != nil && execution.Status != *opts.Status {
			return false
		}

		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt > all[j].StartedAt
	})

	totalCount := int64(len(all))

	startIdx := opts.Offset
	if startIdx >= len(all) {
		return &persistence.ExecutionListResult{
			Executions:  make([]*models.WorkflowExecution, 0),
			TotalCount:  totalCount,
			HasNextPage: false,
		}, nil
	}

	endIdx := opts.Offset + opts.Limit
	if endIdx > len(all) {
		endIdx = len(all)
	}

	return &persistence.ExecutionListResult{
		Executions:  all[startIdx:endIdx],
		TotalCount:  totalCount,
		HasNextPage: endIdx < len(all),
	}, nil
}

// ListSuspended returns non-terminal executions suspended for the given
// reason, optionally only those due before the given time.
func (er *ExecutionRepository) ListSuspended(ctx context.Context, reason models.SuspendReason, dueBefore int64) ([]*models.WorkflowExecution, error) {
	return er.scan(func(execution *models.WorkflowExecution) bool {
		if execution.Status.IsTerminal() {
			return false
		}

		if execution.SuspendReason != reason {
			return false
		}

		if dueBefore > 0 && (execution.WaitUntil == 0 || execution.WaitUntil > dueBefore) {
			return false
		}

		return true
	})
}

// GetByCallbackToken resolves the execution waiting on the given webhook
// callback token.
func (er *ExecutionRepository) GetByCallbackToken(ctx context.Context, token string) (*models.WorkflowExecution, error) {
	if token == "" {
		return nil, nil
	}

	matches, err := er.scan(func(execution *models.WorkflowExecution) bool {
		return execution.CallbackToken == token
	})
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return nil, nil
	}

	return matches[0], nil
}

func (er *ExecutionRepository) scan(keep func(*models.WorkflowExecution) bool) ([]*models.WorkflowExecution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	root := os.DirFS(er.root + "/executions")

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	matches := make([]*models.WorkflowExecution, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		execution, err := er.read(file[:len(file)-5])
		if err != nil {
			return nil, err
		}

		if execution != nil && keep(execution) {
			matches = append(matches, execution)
		}
	}

	return matches, nil
}

func (er *ExecutionRepository) read(id string) (*models.WorkflowExecution, error) {
	filePath := filepath.Clean(path.Join(er.root, "executions", id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch execution %s: %w", id, err)
	}

	var execution models.WorkflowExecution

	err = json.Unmarshal(body, &execution)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", id, err)
	}

	if execution.Variables == nil {
		execution.Variables = models.NewWorkflowVariables(nil)
	} else {
		execution.Variables.EnsureMaps()
	}

	return &execution, nil
}

func (er *ExecutionRepository) write(execution *models.WorkflowExecution) error {
	err := os.MkdirAll(er.root+"/executions", 0750)
	if err != nil {
		return fmt.Errorf("failed to create executions directory: %w", err)
	}

	data, err := json.MarshalIndent(execution, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", execution.ID, err)
	}

	filePath := path.Join(er.root+"/executions", execution.ID+".json")

	return os.WriteFile(filePath, data, 0600)
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
