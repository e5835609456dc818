package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_EvaluateBool(t *testing.T) {
	engine := NewEngine()

	testCases := []struct {
		name string
		code string
		env  map[string]any
		want bool
	}{
		{
			name: "simple comparison",
			code: "inputs.score >= 0.5",
			env:  map[string]any{"inputs": map[string]any{"score": 0.7}},
			want: true,
		},
		{
			name: "comparison false",
			code: "inputs.score >= 0.5",
			env:  map[string]any{"inputs": map[string]any{"score": 0.2}},
			want: false,
		},
		{
			name: "boolean literal",
			code: "true",
			env:  map[string]any{},
			want: true,
		},
		{
			name: "iteration counter",
			code: "iteration >= 3",
			env:  map[string]any{"iteration": 3},
			want: true,
		},
		{
			name: "undefined variable compares as nil",
			code: "missing == nil",
			env:  map[string]any{},
			want: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.EvaluateBool(tc.code, tc.env)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEngine_EvaluateBool_NotBoolean(t *testing.T) {
	engine := NewEngine()

	_, err := engine.EvaluateBool("1 + 1", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotBoolean)
}

func TestEngine_Compile_Invalid(t *testing.T) {
	engine := NewEngine()

	err := engine.Compile("inputs.score >==")
	assert.Error(t, err)
}

func TestEngine_Evaluate_CachesPrograms(t *testing.T) {
	engine := NewEngine()

	first, err := engine.Evaluate("inputs.a + inputs.b", map[string]any{
		"inputs": map[string]any{"a": 2, "b": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, first)

	// Same source, different environment: the cached program must not pin
	// the first environment.
	second, err := engine.Evaluate("inputs.a + inputs.b", map[string]any{
		"inputs": map[string]any{"a": 10, "b": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 11, second)

	engine.mu.RLock()
	defer engine.mu.RUnlock()
	assert.Len(t, engine.programs, 1)
}
