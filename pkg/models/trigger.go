package models

// TriggerType classifies how an execution of a definition gets initiated.
// Triggers are declared on a definition and evaluated by collaborators (the
// scheduler for schedule triggers, the API for webhook triggers, the worker
// for completion triggers); the engine itself never fires them.
type TriggerType string

const (
	TriggerTypeManual     TriggerType = "manual"
	TriggerTypeSchedule   TriggerType = "schedule"
	TriggerTypeWebhook    TriggerType = "webhook"
	TriggerTypeCompletion TriggerType = "completion"
	TriggerTypeCondition  TriggerType = "condition"
)

// Valid reports whether the trigger type is supported.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTypeManual, TriggerTypeSchedule, TriggerTypeWebhook,
		TriggerTypeCompletion, TriggerTypeCondition:
		return true
	}

	return false
}

// Trigger declares one way a definition's executions start. Condition holds
// a cron expression for schedule triggers, a workflow id for completion
// triggers, and a boolean expression for condition triggers. Parameters are
// merged into the execution inputs when the trigger fires.
type Trigger struct {
	ID         string         `json:"id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Type       TriggerType    `json:"type"`
	Condition  string         `json:"condition,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}
