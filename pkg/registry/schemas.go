package registry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/fluxor-io/fluxor/pkg/models"
)

// nodeConfigSchemas holds one JSON schema per node type. The documented
// required keys per type live here; everything the schema does not name is
// allowed through, since agents are free to define their own parameters.
var nodeConfigSchemas = map[models.NodeType]map[string]any{
	models.NodeTypeTask: {
		"type":     "object",
		"required": []any{"agentId"},
		"properties": map[string]any{
			"agentId":        map[string]any{"type": "string", "minLength": 1},
			"parameters":     map[string]any{"type": "object"},
			"outputVariable": map[string]any{"type": "string"},
			"maxRetries":     map[string]any{"type": "integer", "minimum": 0},
			"backoff": map[string]any{
				"type": "string",
				"enum": []any{"exponential", "linear", "constant"},
			},
		},
	},
	models.NodeTypeCondition: {
		"type":     "object",
		"required": []any{"condition"},
		"properties": map[string]any{
			"condition": map[string]any{"type": "string", "minLength": 1},
		},
	},
	models.NodeTypeLoop: {
		"type": "object",
		"properties": map[string]any{
			"maxIterations": map[string]any{"type": "integer", "minimum": 1},
			"condition":     map[string]any{"type": "string", "minLength": 1},
		},
	},
	models.NodeTypeSubworkflow: {
		"type":     "object",
		"required": []any{"workflowId"},
		"properties": map[string]any{
			"workflowId": map[string]any{"type": "string", "minLength": 1},
			"inputs":     map[string]any{"type": "object"},
			"maxRetries": map[string]any{"type": "integer", "minimum": 0},
		},
	},
	models.NodeTypeHumanApproval: {
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
			"data":    map[string]any{"type": "object"},
			"ttlMs":   map[string]any{"type": "integer", "minimum": 1},
		},
	},
	models.NodeTypeDelay: {
		"type":     "object",
		"required": []any{"durationMs"},
		"properties": map[string]any{
			"durationMs": map[string]any{"type": "integer", "minimum": 1},
		},
	},
	models.NodeTypeWebhook: {
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url":             map[string]any{"type": "string", "minLength": 1},
			"method":          map[string]any{"type": "string"},
			"headers":         map[string]any{"type": "object"},
			"parameters":      map[string]any{"type": "object"},
			"waitForCallback": map[string]any{"type": "boolean"},
			"timeoutMs":       map[string]any{"type": "integer", "minimum": 1},
			"maxRetries":      map[string]any{"type": "integer", "minimum": 0},
		},
	},
}

// ValidateNodeConfig checks a node's config map against the schema for its
// type. Types without a schema (start, end, parallel, sequential) accept
// any config.
func (r *Registry) ValidateNodeConfig(node *models.Node) []models.ValidationError {
	schema, ok := nodeConfigSchemas[node.Type.Normalize()]
	if !ok {
		return nil
	}

	config := node.Config
	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return []models.ValidationError{{
			Code:    models.ErrCodeInvalidConfig,
			NodeID:  node.ID,
			Message: fmt.Sprintf("failed to validate config: %v", err),
		}}
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		details = append(details, resultErr.String())
	}

	return []models.ValidationError{{
		Code:    models.ErrCodeInvalidConfig,
		NodeID:  node.ID,
		Message: strings.Join(details, "; "),
	}}
}
