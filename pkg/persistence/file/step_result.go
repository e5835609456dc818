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

	"github.com/fluxor-io/fluxor/pkg/models"
)

// StepResultRepository handles per-attempt node outcome files. A result
// file is keyed by node id and retry count, so re-saving the same attempt
// overwrites in place.
type StepResultRepository struct {
	root string
}

// NewStepResultRepository creates a new step result repository.
func NewStepResultRepository(root string) *StepResultRepository {
	return &StepResultRepository{root: root}
}

// Save persists a step result, overwriting a previous record of the same
// attempt.
func (sr *StepResultRepository) Save(_ context.Context, result *models.WorkflowStepResult) error {
	dir := path.Join(sr.root, "step_results", result.ExecutionID)

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create step results directory: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal step result %s/%s: %w", result.ExecutionID, result.NodeID, err)
	}

	return os.WriteFile(path.Join(dir, resultFileName(result.NodeID, result.RetryCount)), data, 0600)
}

// Get returns the result for one attempt, (nil, nil) when absent.
func (sr *StepResultRepository) Get(_ context.Context, executionID, nodeID string, retryCount int) (*models.WorkflowStepResult, error) {
	filePath := filepath.Clean(path.Join(sr.root, "step_results", executionID, resultFileName(nodeID, retryCount)))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch step result %s/%s: %w", executionID, nodeID, err)
	}

	var result models.WorkflowStepResult

	err = json.Unmarshal(body, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step result %s/%s: %w", executionID, nodeID, err)
	}

	return &result, nil
}

// ListByExecution returns every recorded attempt of an execution, ordered
// by start time.
func (sr *StepResultRepository) ListByExecution(_ context.Context, executionID string) ([]*models.WorkflowStepResult, error) {
	dir := path.Join(sr.root, "step_results", executionID)

	jsonFiles, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list step result files: %w", err)
	}

	results := make([]*models.WorkflowStepResult, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		body, err := os.ReadFile(filepath.Clean(path.Join(dir, file)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("failed to read step result file %s: %w", file, err)
		}

		var result models.WorkflowStepResult

		err = json.Unmarshal(body, &result)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal step result file %s: %w", file, err)
		}

		results = append(results, &result)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].StartedAt != results[j].StartedAt {
			return results[i].StartedAt < results[j].StartedAt
		}

		if results[i].NodeID != results[j].NodeID {
			return results[i].NodeID < results[j].NodeID
		}

		return results[i].RetryCount < results[j].RetryCount
	})

	return results, nil
}

func resultFileName(nodeID string, retryCount int) string {
	return fmt.Sprintf("%s_r%d.json", nodeID, retryCount)
}
