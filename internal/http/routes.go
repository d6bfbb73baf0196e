package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/store"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

type toolsResponse struct {
	Tools []tools.Descriptor `json:"tools"`
}

type callToolBody struct {
	Arguments map[string]any `json:"arguments,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type startSessionBody struct {
	Repo   string `json:"repo,omitempty" doc:"owner/name; the active repository when omitted"`
	Number int    `json:"number,omitempty" doc:"pull request number; the first failing pull request when omitted"`
}

type anyBody struct {
	Body any `json:"body"`
}

var toolErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusBadGateway,
	http.StatusGatewayTimeout,
}

// call runs a tool and maps failures onto the error envelope.
func (s *Server) call(ctx context.Context, name, requestID string, args map[string]any) (*anyBody, error) {
	res := s.catalog.Call(ctx, tools.Call{Name: name, Arguments: args, RequestID: requestID})
	if !res.OK() {
		return nil, failure(res)
	}
	return &anyBody{Body: res.Payload()}, nil
}

func (s *Server) registerTools(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "List tools",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body toolsResponse `json:"body"`
	}, error) {
		return &struct {
			Body toolsResponse `json:"body"`
		}{Body: toolsResponse{Tools: s.catalog.List()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "call-tool",
		Method:      http.MethodPost,
		Path:        "/tools/{name}",
		Summary:     "Invoke a tool",
		Errors:      toolErrors,
	}, func(ctx context.Context, input *struct {
		Name      string       `path:"name"`
		RequestID string       `header:"X-Request-ID"`
		Body      callToolBody `json:"body"`
	}) (*anyBody, error) {
		requestID := input.Body.RequestID
		if requestID == "" {
			requestID = input.RequestID
		}
		return s.call(ctx, input.Name, requestID, input.Body.Arguments)
	})
}

func (s *Server) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List healing sessions, newest first",
		Errors:      toolErrors,
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1"`
	}) (*anyBody, error) {
		return s.call(ctx, "healing.list_sessions", "", map[string]any{"limit": input.Limit})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start healing a pull request",
		DefaultStatus: http.StatusCreated,
		Errors:        toolErrors,
	}, func(ctx context.Context, input *struct {
		Body startSessionBody `json:"body"`
	}) (*anyBody, error) {
		args := map[string]any{}
		if input.Body.Repo != "" {
			args["repo"] = input.Body.Repo
		}
		if input.Body.Number != 0 {
			args["number"] = input.Body.Number
		}
		return s.call(ctx, "healing.start_session", "", args)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a healing session",
		Errors:      toolErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*anyBody, error) {
		return s.call(ctx, "healing.get_session", "", map[string]any{"id": input.ID})
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Abort an active healing session",
		Errors:      toolErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Reason string `query:"reason"`
	}) (*anyBody, error) {
		args := map[string]any{"id": input.ID}
		if input.Reason != "" {
			args["reason"] = input.Reason
		}
		return s.call(ctx, "healing.abort_session", "", args)
	})
}

type toolCallsResponse struct {
	ToolCalls []*store.ToolCall `json:"tool_calls"`
}

func (s *Server) registerToolCalls(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tool-calls",
		Method:      http.MethodGet,
		Path:        "/tool-calls",
		Summary:     "List audited tool calls, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct {
		Status        string `query:"status" doc:"ok or error"`
		ToolName      string `query:"tool_name"`
		CreatedAfter  string `query:"created_after" doc:"RFC3339"`
		CreatedBefore string `query:"created_before" doc:"RFC3339"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body toolCallsResponse `json:"body"`
	}, error) {
		if s.audit == nil {
			return nil, newAPIError(http.StatusNotFound, core.KindNotFound, "tool-call audit is not configured")
		}
		r, _ := ctx.Value(requestKey{}).(*http.Request)
		if r == nil {
			return nil, newAPIError(http.StatusInternalServerError, core.KindInternal, "request unavailable")
		}
		filters, err := parseToolCallListFilters(r)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, core.KindValidation, err.Error())
		}
		calls, err := s.audit.ListToolCalls(ctx, filters)
		if err != nil {
			info := core.MapError(err)
			return nil, newAPIError(info.HTTPStatus, info.Kind, info.Message)
		}
		return &struct {
			Body toolCallsResponse `json:"body"`
		}{Body: toolCallsResponse{ToolCalls: calls}}, nil
	})
}

func parseToolCallListFilters(r *http.Request) (store.ToolCallFilter, error) {
	q := r.URL.Query()
	f := store.ToolCallFilter{
		ToolName: q.Get("tool_name"),
		Status:   q.Get("status"),
	}
	if f.Status != "" && f.Status != "ok" && f.Status != "error" {
		return f, fmt.Errorf("status must be ok or error")
	}
	if v := q.Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("created_after must be RFC3339: %w", err)
		}
		f.CreatedAfter = &t
	}
	if v := q.Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("created_before must be RFC3339: %w", err)
		}
		f.CreatedBefore = &t
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedAfter.After(*f.CreatedBefore) {
		return f, fmt.Errorf("created_after must not be after created_before")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}
