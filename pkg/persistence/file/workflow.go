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
	"github.com/fluxor-io/fluxor/pkg/persistence"
)

// WorkflowRepository handles workflow definition file operations.
type WorkflowRepository struct {
	root string
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{root: root}
}

// List returns paginated and filtered definitions with in-memory
// operations.
func (wr *WorkflowRepository) List(ctx context.Context, opts persistence.ListWorkflowsOptions) (*persistence.WorkflowListResult, error) {
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

	root := os.DirFS(wr.root + "/workflows")

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	all := make([]*models.WorkflowDefinition, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		workflowID := file[:len(file)-5]

		def, err := wr.GetByID(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
		}

		if def == nil {
			continue
		}

		if opts.OwnerID != "" && def.OwnerID != opts.OwnerID {
			continue
		}

		all = append(all, def)
	}

	wr.sortWorkflows(all, opts.SortBy, opts.SortOrder)

	totalCount := int64(len(all))

	startIdx := opts.Offset
	if startIdx >= len(all) {
		return &persistence.WorkflowListResult{
			Workflows:   make([]*models.WorkflowDefinition, 0),
			TotalCount:  totalCount,
			HasNextPage: false,
		}, nil
	}

	endIdx := opts.Offset + opts.Limit
	if endIdx > len(all) {
		endIdx = len(all)
	}

	return &persistence.WorkflowListResult{
		Workflows:   all[startIdx:endIdx],
		TotalCount:  totalCount,
		HasNextPage: endIdx < len(all),
	}, nil
}

func (wr *WorkflowRepository) sortWorkflows(defs []*models.WorkflowDefinition, sortBy, sortOrder string) {
	sort.Slice(defs, func(i, j int) bool {
		var less bool

		switch sortBy {
		case "updated_at":
			less = defs[i].UpdatedAt < defs[j].UpdatedAt
		case "name":
			less = defs[i].Name < defs[j].Name
		default:
			less = defs[i].CreatedAt < defs[j].CreatedAt
		}

		if sortOrder == "desc" {
			return !less
		}

		return less
	})
}

// GetByID retrieves a definition by its ID from the file system.
func (wr *WorkflowRepository) GetByID(_ context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	filePath := filepath.Clean(path.Join(wr.root, "workflows", workflowID+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch workflow %s: %w", workflowID, err)
	}

	var def models.WorkflowDefinition

	err = json.Unmarshal(body, &def)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", workflowID, err)
	}

	return &def, nil
}

// Save persists a definition to the file system, overwriting any previous
// file with the same id.
func (wr *WorkflowRepository) Save(_ context.Context, def *models.WorkflowDefinition) error {
	err := os.MkdirAll(wr.root+"/workflows", 0750)
	if err != nil {
		return fmt.Errorf("failed to create workflows directory: %w", err)
	}

	now := models.NowMillis()
	if def.CreatedAt == 0 {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", def.ID, err)
	}

	filePath := path.Join(wr.root+"/workflows", def.ID+".json")

	return os.WriteFile(filePath, data, 0600)
}

// Delete removes a definition by its ID. Deleting a missing definition is
// not an error.
func (wr *WorkflowRepository) Delete(_ context.Context, id string) error {
	filePath := path.Join(wr.root+"/workflows", id+".json")

	err := os.Remove(filePath)

	if err != nil && os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	return nil
}
