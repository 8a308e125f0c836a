package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/changed/api"
)

type toolErrorEnvelope struct {
	ErrorCode         string               `json:"error_code"`
	Detail            string               `json:"detail,omitempty"`
	Hint              string               `json:"hint,omitempty"`
	Retryable         bool                 `json:"retryable"`
	HTTPStatus        int                  `json:"http_status,omitempty"`
	RetryAfterSeconds int64                `json:"retry_after_seconds,omitempty"`
	Fields            []api.FieldViolation `json:"fields,omitempty"`
}

func withStructuredToolErrors[In, Out any](h mcpsdk.ToolHandlerFor[In, Out]) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, Out, error) {
		res, out, err := h(ctx, req, input)
		if err == nil {
			return res, out, nil
		}
		var zero Out
		return nil, zero, toolError{Envelope: classifyToolError(err)}
	}
}

// toolError serializes the envelope into the error string so MCP clients
// receive machine-readable JSON instead of prose.
type toolError struct {
	Envelope toolErrorEnvelope
}

func (e toolError) Error() string {
	envelope := map[string]any{"error": e.Envelope}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return `{"error":{"error_code":"tool_error","detail":"failed to encode error envelope"}}`
	}
	return string(encoded)
}

func classifyToolError(err error) toolErrorEnvelope {
	env := toolErrorEnvelope{ErrorCode: "tool_error", Detail: strings.TrimSpace(err.Error())}
	var failure api.Failure
	if errors.As(err, &failure) {
		env.ErrorCode = failure.Code
		env.Detail = strings.TrimSpace(failure.Detail)
		if env.Detail == "" {
			env.Detail = strings.TrimSpace(err.Error())
		}
		env.Hint = strings.TrimSpace(failure.Hint)
		env.HTTPStatus = failure.HTTPStatus
		env.Fields = failure.Fields
		if failure.RetryAfter > 0 {
			env.RetryAfterSeconds = failure.RetryAfter
			env.Retryable = true
		}
		switch {
		case failure.HTTPStatus == http.StatusTooManyRequests, failure.HTTPStatus >= 500:
			env.Retryable = true
		}
		switch failure.Code {
		case api.CodeLockHeld, api.CodeStreamBudget:
			env.Retryable = true
		}
		return env
	}
	lower := strings.ToLower(env.Detail)
	switch {
	case strings.Contains(lower, "required"),
		strings.Contains(lower, "must be"),
		strings.Contains(lower, "invalid"),
		strings.Contains(lower, "exceed"),
		strings.Contains(lower, "decode "):
		env.ErrorCode = "invalid_argument"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		env.ErrorCode = "timeout"
		env.Retryable = true
	case strings.Contains(lower, "temporar"), strings.Contains(lower, "try again"):
		env.ErrorCode = "unavailable"
		env.Retryable = true
	}
	return env
}
