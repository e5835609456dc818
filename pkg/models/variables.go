package models

// WorkflowVariables is the layered key/value store every execution carries.
// Inputs are set once at execution start; outputs accumulate as nodes
// complete, namespaced by node id or by an explicit output variable name;
// context and state are long-lived scratch space visible to every node;
// temp is cleared at loop-iteration and subworkflow boundaries.
type WorkflowVariables struct {
	Inputs  map[string]any `json:"inputs"`
	Outputs map[string]any `json:"outputs"`
	Context map[string]any `json:"context"`
	State   map[string]any `json:"state"`
	Temp    map[string]any `json:"temp"`
}

// NewWorkflowVariables builds the variable set for a fresh execution. The
// inputs map is deep-copied so later caller mutation cannot leak in.
func NewWorkflowVariables(inputs map[string]any) *WorkflowVariables {
	vars := &WorkflowVariables{
		Inputs:  deepCopyMap(inputs),
		Outputs: make(map[string]any),
		Context: make(map[string]any),
		State:   make(map[string]any),
		Temp:    make(map[string]any),
	}
	if vars.Inputs == nil {
		vars.Inputs = make(map[string]any)
	}

	return vars
}

// EnsureMaps initializes any nil layer. Required after JSON unmarshaling,
// which leaves absent maps nil.
func (v *WorkflowVariables) EnsureMaps() {
	if v.Inputs == nil {
		v.Inputs = make(map[string]any)
	}

	if v.Outputs == nil {
		v.Outputs = make(map[string]any)
	}

	if v.Context == nil {
		v.Context = make(map[string]any)
	}

	if v.State == nil {
		v.State = make(map[string]any)
	}

	if v.Temp == nil {
		v.Temp = make(map[string]any)
	}
}

// Clone returns a deep copy, used to snapshot the context for per-branch
// isolation and for determinism checks.
func (v *WorkflowVariables) Clone() *WorkflowVariables {
	if v == nil {
		return NewWorkflowVariables(nil)
	}

	return &WorkflowVariables{
		Inputs:  deepCopyMap(v.Inputs),
		Outputs: deepCopyMap(v.Outputs),
		Context: deepCopyMap(v.Context),
		State:   deepCopyMap(v.State),
		Temp:    deepCopyMap(v.Temp),
	}
}

// Flatten projects the five layers into the single environment that
// expressions and parameter templates are evaluated against.
func (v *WorkflowVariables) Flatten() map[string]any {
	return map[string]any{
		"inputs":  v.Inputs,
		"outputs": v.Outputs,
		"context": v.Context,
		"state":   v.State,
		"temp":    v.Temp,
	}
}

// SetOutput records a node's result under its output key.
func (v *WorkflowVariables) SetOutput(key string, value any) {
	if v.Outputs == nil {
		v.Outputs = make(map[string]any)
	}

	v.Outputs[key] = value
}

// ResetTemp discards the temp layer. Called on every loop iteration entry
// and when a subworkflow hands control back to its parent.
func (v *WorkflowVariables) ResetTemp() {
	v.Temp = make(map[string]any)
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = deepCopyValue(value)
	}

	return dst
}

func deepCopyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		copied := make([]any, len(typed))
		for i, item := range typed {
			copied[i] = deepCopyValue(item)
		}

		return copied
	default:
		return typed
	}
}
