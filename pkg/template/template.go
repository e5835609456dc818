// Package template renders node parameters against an execution's variable
// context before they are handed to an agent or webhook call.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// NeedsTemplating reports whether a string contains template syntax. Plain
// strings skip the template machinery entirely.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// Render executes one template string against the environment and re-types
// the result: output that parses as JSON, a number, or a boolean is
// returned as that type, everything else stays a string. Rendered
// parameters keep their shape this way even though text/template only
// produces text.
func Render(templateStr string, env map[string]any) (any, error) {
	tmpl, err := template.
		New("parameters").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}

				num := make([]byte, 1)
				if _, err := rand.Read(num); err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %q: %w", templateStr, err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, env); err != nil {
		return nil, fmt.Errorf("failed to execute template %q: %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any
		if err := json.Unmarshal([]byte(result), &jsonResult); err == nil {
			return jsonResult, nil
		}
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderParameters deep-renders a parameter map: every string value that
// carries template syntax is rendered, nested maps and slices are walked,
// everything else passes through untouched.
func RenderParameters(params map[string]any, env map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}

	rendered := make(map[string]any, len(params))

	for key, value := range params {
		result, err := renderValue(value, env)
		if err != nil {
			return nil, fmt.Errorf("failed to render parameter %q: %w", key, err)
		}

		rendered[key] = result
	}

	return rendered, nil
}

func renderValue(value any, env map[string]any) (any, error) {
	switch typed := value.(type) {
	case string:
		if !NeedsTemplating(typed) {
			return typed, nil
		}

		return Render(typed, env)
	case map[string]any:
		return RenderParameters(typed, env)
	case []any:
		rendered := make([]any, len(typed))
		for i, item := range typed {
			result, err := renderValue(item, env)
			if err != nil {
				return nil, err
			}

			rendered[i] = result
		}

		return rendered, nil
	default:
		return value, nil
	}
}

// EnvVars exposes the process environment for templates under the env key.
func EnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
