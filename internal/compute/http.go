package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonathan/scpipeline/internal/types"
)

// Compile-time interface check.
var _ Executor = (*HTTPExecutor)(nil)

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 10 * time.Minute

// maxErrorBody limits how much of a failed response is read into the error message.
const maxErrorBody = 4096

// HTTPExecutor calls a compute backend over HTTP/JSON.
//
// Request:  POST {baseURL}/v1/steps/{step_type}  {"step_type": "...", "params": {...}}
// Response: 2xx with a StepResult body, or an error body {"error": "..."}.
type HTTPExecutor struct {
	baseURL string
	http    *http.Client
}

// HTTPOption configures an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPExecutor) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the underlying *http.Client entirely.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPExecutor) {
		c.http = hc
	}
}

// NewHTTPExecutor creates an executor for the backend at baseURL.
func NewHTTPExecutor(baseURL string, opts ...HTTPOption) *HTTPExecutor {
	c := &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type executeRequest struct {
	StepType types.StepType `json:"step_type"`
	Params   map[string]any `json:"params"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Execute sends the step to the backend and classifies any failure.
func (c *HTTPExecutor) Execute(ctx context.Context, step types.StepType, params map[string]any) (*types.StepResult, error) {
	body, err := json.Marshal(executeRequest{StepType: step, Params: params})
	if err != nil {
		return nil, InvalidInputError(step, fmt.Sprintf("parameters are not serializable: %v", err))
	}

	url := fmt.Sprintf("%s/v1/steps/%s", c.baseURL, step)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, TransportError(step, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, TransportError(step, "backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result types.StepResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, TransportError(step, "reading response", err)
			}
			return nil, ComputeError(step, "backend returned a malformed result", err)
		}
		return &result, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		message = eb.Error
	}
	if message == "" {
		message = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, InvalidInputError(step, message)
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, TransportError(step, message, nil)
	default:
		return nil, ComputeError(step, message, nil)
	}
}
