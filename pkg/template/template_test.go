package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_TypedResults(t *testing.T) {
	env := map[string]any{
		"inputs": map[string]any{
			"a":    2,
			"b":    3,
			"name": "fluxor",
		},
	}

	testCases := []struct {
		name     string
		template string
		want     any
	}{
		{"string passthrough", "{{.inputs.name}}", "fluxor"},
		{"number", "{{.inputs.a}}", float64(2)},
		{"json object", `{"left": {{.inputs.a}}, "right": {{.inputs.b}}}`, map[string]any{"left": float64(2), "right": float64(3)}},
		{"boolean", "true", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Render(tc.template, env)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRender_ParseError(t *testing.T) {
	_, err := Render("{{.inputs.a", nil)
	assert.Error(t, err)
}

func TestRenderParameters_DeepWalk(t *testing.T) {
	env := map[string]any{
		"inputs":  map[string]any{"text": "hello"},
		"outputs": map[string]any{"summarize": map[string]any{"summary": "short"}},
	}

	params := map[string]any{
		"prompt": "{{.inputs.text}}",
		"static": "unchanged",
		"count":  3,
		"nested": map[string]any{
			"previous": "{{.outputs.summarize.summary}}",
		},
		"list": []any{"{{.inputs.text}}", 7},
	}

	rendered, err := RenderParameters(params, env)
	require.NoError(t, err)

	assert.Equal(t, "hello", rendered["prompt"])
	assert.Equal(t, "unchanged", rendered["static"])
	assert.Equal(t, 3, rendered["count"])
	assert.Equal(t, "short", rendered["nested"].(map[string]any)["previous"])
	assert.Equal(t, "hello", rendered["list"].([]any)[0])
	assert.Equal(t, 7, rendered["list"].([]any)[1])
}

func TestRenderParameters_NilParams(t *testing.T) {
	rendered, err := RenderParameters(nil, map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, rendered)
}

func TestNeedsTemplating(t *testing.T) {
	assert.True(t, NeedsTemplating("{{.inputs.a}}"))
	assert.False(t, NeedsTemplating("plain text"))
}
