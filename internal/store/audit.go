package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

// maxAuditJSON caps the request and response text kept per row. The evidence hash
// always covers the full payloads.
const maxAuditJSON = 64 << 10

var _ tools.Observer = (*Store)(nil)

// ToolCall is one audited tool invocation.
type ToolCall struct {
	ToolCallID   string          `json:"tool_call_id"`
	RequestID    string          `json:"request_id"`
	ToolName     string          `json:"tool_name"`
	Status       string          `json:"status"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	EvidenceHash string          `json:"evidence_hash"`
	DurationMS   int64           `json:"duration_ms"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ObserveCall records rec. Failures are logged; auditing never fails a call.
func (s *Store) ObserveCall(ctx context.Context, rec tools.CallRecord) {
	if _, err := s.RecordToolCall(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("audit tool call failed", "request_id", rec.RequestID, "tool_name", rec.Tool, "err", err)
	}
}

func (s *Store) RecordToolCall(ctx context.Context, rec tools.CallRecord) (*ToolCall, error) {
	reqJSON, err := json.Marshal(rec.Arguments)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	respJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	evidence := sha256.Sum256(append(append([]byte(rec.Tool), reqJSON...), respJSON...))

	status := "ok"
	if !rec.Result.OK() {
		status = "error"
	}
	created := rec.StartedAt
	if created.IsZero() {
		created = s.now()
	}
	tc := &ToolCall{
		ToolCallID:   uuid.NewString(),
		RequestID:    rec.RequestID,
		ToolName:     rec.Tool,
		Status:       status,
		ErrorKind:    string(rec.Result.Kind()),
		Request:      reqJSON,
		Response:     respJSON,
		EvidenceHash: hex.EncodeToString(evidence[:]),
		DurationMS:   rec.Duration.Milliseconds(),
		CreatedAt:    created.UTC(),
	}
	_, err = s.conn.ExecContext(ctx, s.q(`
INSERT INTO tool_calls (tool_call_id, request_id, tool_name, status, error_kind, request_json, response_json, evidence_hash, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		tc.ToolCallID, tc.RequestID, tc.ToolName, tc.Status, tc.ErrorKind,
		clip(reqJSON), clip(respJSON), tc.EvidenceHash, tc.DurationMS, ts(tc.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert tool_call: %w", err)
	}
	return tc, nil
}

func clip(b []byte) string {
	if len(b) <= maxAuditJSON {
		return string(b)
	}
	return string(b[:maxAuditJSON])
}

// ToolCallFilter narrows ListToolCalls. Zero fields match everything.
type ToolCallFilter struct {
	ToolName      string
	Status        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// ListToolCalls returns audited calls, newest first. Limit defaults to 100.
func (s *Store) ListToolCalls(ctx context.Context, f ToolCallFilter) ([]*ToolCall, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ToolName != "" {
		add("tool_name = $%d", f.ToolName)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.CreatedAfter != nil {
		add("created_at >= $%d", ts(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		add("created_at <= $%d", ts(*f.CreatedBefore))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT tool_call_id, request_id, tool_name, status, error_kind, request_json, response_json, evidence_hash, duration_ms, created_at FROM tool_calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, tool_call_id DESC LIMIT $%d", len(args))

	rows, err := s.conn.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tool_calls: %w", err)
	}
	defer rows.Close()

	out := make([]*ToolCall, 0)
	for rows.Next() {
		tc := &ToolCall{}
		var req, resp, created string
		if err := rows.Scan(&tc.ToolCallID, &tc.RequestID, &tc.ToolName, &tc.Status, &tc.ErrorKind, &req, &resp, &tc.EvidenceHash, &tc.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan tool_call: %w", err)
		}
		if json.Valid([]byte(req)) {
			tc.Request = json.RawMessage(req)
		}
		if json.Valid([]byte(resp)) {
			tc.Response = json.RawMessage(resp)
		}
		if tc.CreatedAt, err = parseTS(created); err != nil {
			return nil, fmt.Errorf("parse tool_call time: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
