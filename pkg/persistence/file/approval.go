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

// ApprovalRepository handles approval request file operations. The mutex
// serializes Update's read-compare-write so exactly one response resolves a
// request within a process.
type ApprovalRepository struct {
	root string
	mu   sync.Mutex
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(root string) *ApprovalRepository {
	return &ApprovalRepository{root: root}
}

// Create persists a fresh approval request.
func (ar *ApprovalRepository) Create(_ context.Context, approval *models.ApprovalRequest) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	return ar.write(approval)
}

// GetByID retrieves an approval by its ID, (nil, nil) when absent.
func (ar *ApprovalRepository) GetByID(_ context.Context, id string) (*models.ApprovalRequest, error) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	return ar.read(id)
}

// Update persists the approval when the stored copy still has the expected
// status, otherwise ErrConcurrentUpdate.
func (ar *ApprovalRepository) Update(_ context.Context, approval *models.ApprovalRequest, expectedStatus models.ApprovalStatus) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	current, err := ar.read(approval.ID)
	if err != nil {
		return persistence.NewApprovalError("Update", approval.ID, err)
	}

	if current == nil {
		return persistence.NewApprovalError("Update", approval.ID, persistence.ErrApprovalNotFound)
	}

	if current.Status != expectedStatus {
		return persistence.NewApprovalError("Update", approval.ID, persistence.ErrConcurrentUpdate)
	}

	return ar.write(approval)
}

// ListByExecution returns every approval of an execution, oldest first.
func (ar *ApprovalRepository) ListByExecution(_ context.Context, executionID string) ([]*models.ApprovalRequest, error) {
	return ar.scan(func(approval *models.ApprovalRequest) bool {
		return approval.ExecutionID == executionID
	})
}

// ListExpired returns pending approvals whose expiry has passed.
func (ar *ApprovalRepository) ListExpired(_ context.Context, asOf int64) ([]*models.ApprovalRequest, error) {
	return ar.scan(func(approval *models.ApprovalRequest) bool {
		return approval.Status == models.ApprovalStatusPending && approval.Expired(asOf)
	})
}

func (ar *ApprovalRepository) scan(keep func(*models.ApprovalRequest) bool) ([]*models.ApprovalRequest, error) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	jsonFiles, err := fs.Glob(os.DirFS(ar.root+"/approvals"), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list approval files: %w", err)
	}

	matches := make([]*models.ApprovalRequest, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		approval, err := ar.read(file[:len(file)-5])
		if err != nil {
			return nil, err
		}

		if approval != nil && keep(approval) {
			matches = append(matches, approval)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt < matches[j].CreatedAt
	})

	return matches, nil
}

func (ar *ApprovalRepository) read(id string) (*models.ApprovalRequest, error) {
	filePath := filepath.Clean(path.Join(ar.root, "approvals", id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch approval %s: %w", id, err)
	}

	var approval models.ApprovalRequest

	err = json.Unmarshal(body, &approval)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval %s: %w", id, err)
	}

	return &approval, nil
}

func (ar *ApprovalRepository) write(approval *models.ApprovalRequest) error {
	err := os.MkdirAll(ar.root+"/approvals", 0750)
	if err != nil {
		return fmt.Errorf("failed to create approvals directory: %w", err)
	}

	data, err := json.MarshalIndent(approval, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal approval %s: %w", approval.ID, err)
	}

	return os.WriteFile(path.Join(ar.root+"/approvals", approval.ID+".json"), data, 0600)
}
