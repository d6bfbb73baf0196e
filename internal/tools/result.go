package tools

import (
	"encoding/json"
	"errors"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

// Result is either a success payload or a failure kind and message, never both. Build
// one with Success or Failure.
type Result struct {
	ok      bool
	payload any
	kind    core.Kind
	message string
	err     error
}

func Success(payload any) Result { return Result{ok: true, payload: payload} }

func Failure(kind core.Kind, message string) Result {
	if kind == "" {
		kind = core.KindInternal
	}
	return Result{kind: kind, message: message, err: &core.Error{Kind: kind, Message: message}}
}

// FailureFromError keeps err reachable through Err so in-process callers can inspect
// typed errors.
func FailureFromError(err error) Result {
	if err == nil {
		return Failure(core.KindInternal, "unknown failure")
	}
	info := core.MapError(err)
	return Result{kind: info.Kind, message: info.Message, err: err}
}

func (r Result) OK() bool        { return r.ok }
func (r Result) Payload() any    { return r.payload }
func (r Result) Kind() core.Kind { return r.kind }
func (r Result) Message() string { return r.message }

// Err returns nil on success and an error carrying the failure kind otherwise.
func (r Result) Err() error {
	if r.ok {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return &core.Error{Kind: r.kind, Message: r.message}
}

// ErrorInfo is the wire form of a failure.
func (r Result) ErrorInfo() *core.ToolError {
	if r.ok {
		return nil
	}
	return &core.ToolError{Kind: r.kind, Message: r.message}
}

type resultJSON struct {
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  *core.ToolError `json:"error,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{OK: r.ok, Result: r.payload, Error: r.ErrorInfo()})
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var raw struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  *core.ToolError `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.OK {
		var payload any
		if len(raw.Result) > 0 {
			if err := json.Unmarshal(raw.Result, &payload); err != nil {
				return err
			}
		}
		*r = Success(payload)
		return nil
	}
	if raw.Error == nil {
		return errors.New("tool result: failure without error")
	}
	*r = Failure(raw.Error.Kind, raw.Error.Message)
	return nil
}
