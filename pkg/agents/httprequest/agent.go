// Package httprequest provides the built-in http agent for task nodes.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fluxor-io/fluxor/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrMissingURL is returned when the url parameter is absent or empty.
	ErrMissingURL = errors.New("http agent requires a url parameter")
	// ErrServerError is returned for 5xx responses so the node's retry
	// policy can re-attempt the call.
	ErrServerError = errors.New("server error during http request")
)

// Agent performs one HTTP call per task attempt. Parameters arrive already
// rendered against the execution's variable context, and retries are the
// engine's concern, so a single attempt is all that happens here.
type Agent struct{}

func NewAgent() *Agent {
	return &Agent{}
}

type call struct {
	url     string
	method  string
	headers map[string]string
	body    string
	timeout time.Duration
}

func parseParameters(params map[string]any) (*call, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, ErrMissingURL
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	body, err := bodyString(params["body"])
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)

	if raw, ok := params["headers"].(map[string]any); ok {
		for key, value := range raw {
			if str, ok := value.(string); ok {
				headers[key] = str
			}
		}
	}

	timeout := defaultTimeout
	if ms, ok := intParam(params["timeoutMs"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	return &call{
		url:     url,
		method:  strings.ToUpper(method),
		headers: headers,
		body:    body,
		timeout: timeout,
	}, nil
}

// bodyString accepts both shapes a rendered body parameter takes: a string,
// or structured data that re-typed during template rendering.
func bodyString(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal body: %w", err)
		}

		return string(raw), nil
	}
}

func intParam(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}

	return 0, false
}

func (a *Agent) Run(ctx context.Context, req protocol.AgentRequest, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("agent", "http")

	call, err := parseParameters(req.Parameters)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, call.method, call.url, strings.NewReader(call.body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for key, value := range call.headers {
		httpReq.Header.Set(key, value)
	}

	client := &http.Client{Timeout: call.timeout}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}

	var body any

	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		body = string(bodyBytes)
	}

	logger.InfoContext(ctx, "HTTP call completed",
		"method", call.method,
		"url", call.url,
		"status_code", resp.StatusCode)

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     resp.Header,
	}, nil
}
