// Package file provides file-based persistence for workflows, executions,
// step results, and approvals. It is meant for local development and tests;
// the optimistic-concurrency guards are process-local.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/fluxor-io/fluxor/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the
// file system.
type Persistence struct {
	root           string
	workflowRepo   *WorkflowRepository
	executionRepo  *ExecutionRepository
	stepResultRepo *StepResultRepository
	approvalRepo   *ApprovalRepository
}

// NewPersistence creates a new instance of Persistence rooted at the given
// directory.
func NewPersistence(root string) persistence.Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		workflowRepo:   NewWorkflowRepository(cleanRoot),
		executionRepo:  NewExecutionRepository(cleanRoot),
		stepResultRepo: NewStepResultRepository(cleanRoot),
		approvalRepo:   NewApprovalRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there
// is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) StepResultRepository() persistence.StepResultRepository {
	return fp.stepResultRepo
}

func (fp *Persistence) ApprovalRepository() persistence.ApprovalRepository {
	return fp.approvalRepo
}
