// Package schedule fires executions for cron-style schedule triggers
// declared on workflow definitions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
)

const scanPageSize = 100

// Launcher starts one execution on behalf of a firing trigger.
type Launcher func(ctx context.Context, workflowID string, trigger *models.Trigger, payload map[string]any) error

// Scheduler keeps one cron entry per schedule trigger in the store. The
// trigger's condition field holds the cron expression, validated at
// definition creation time.
type Scheduler struct {
	persistence persistence.Persistence
	launch      Launcher
	logger      *slog.Logger
	cron        *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(persist persistence.Persistence, launch Launcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		persistence: persist,
		launch:      launch,
		logger:      logger.With("module", "schedule"),
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers the schedule triggers currently in the store and begins
// firing them.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}

	s.cron.Start()

	return nil
}

// Stop halts the cron runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Refresh reconciles cron entries with the triggers declared on stored
// definitions: new triggers are registered, triggers of deleted workflows
// dropped. Definitions are immutable after creation, so a registered entry
// never changes its expression.
func (s *Scheduler) Refresh(ctx context.Context) error {
	live := make(map[string]bool)
	offset := 0

	for {
		page, err := s.persistence.WorkflowRepository().List(ctx, persistence.ListWorkflowsOptions{
			Limit:  scanPageSize,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("failed to list workflows: %w", err)
		}

		for _, def := range page.Workflows {
			for _, trigger := range def.Triggers {
				if trigger == nil || trigger.Type != models.TriggerTypeSchedule {
					continue
				}

				live[trigger.ID] = true

				if err := s.register(def.ID, trigger); err != nil {
					s.logger.ErrorContext(ctx, "Failed to register schedule trigger",
						"workflow_id", def.ID, "trigger_id", trigger.ID, "error", err)
				}
			}
		}

		if !page.HasNextPage || len(page.Workflows) == 0 {
			break
		}

		offset += len(page.Workflows)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entryID := range s.entries {
		if !live[id] {
			s.cron.Remove(entryID)
			delete(s.entries, id)
			s.logger.InfoContext(ctx, "Dropped schedule trigger", "trigger_id", id)
		}
	}

	return nil
}

// TriggerCount reports the number of registered cron entries.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

func (s *Scheduler) register(workflowID string, trigger *models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[trigger.ID]; exists {
		return nil
	}

	bound := *trigger

	entryID, err := s.cron.AddFunc(trigger.Condition, func() {
		s.fire(workflowID, &bound)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron entry for %q: %w", trigger.Condition, err)
	}

	s.entries[trigger.ID] = entryID
	s.logger.Info("Registered schedule trigger",
		"workflow_id", workflowID, "trigger_id", trigger.ID, "cron", trigger.Condition)

	return nil
}

func (s *Scheduler) fire(workflowID string, trigger *models.Trigger) {
	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := s.launch(context.Background(), workflowID, trigger, payload); err != nil {
		s.logger.Error("Failed to launch scheduled execution",
			"workflow_id", workflowID, "trigger_id", trigger.ID, "error", err)
	}
}
