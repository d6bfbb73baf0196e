package tools

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

type countingHandler struct {
	invoked atomic.Int32
	result  any
	err     error
}

func (h *countingHandler) Validate(Args) error { return nil }

func (h *countingHandler) Invoke(ctx context.Context, args Args) (any, error) {
	h.invoked.Add(1)
	if h.err != nil {
		return nil, h.err
	}
	if h.result != nil {
		return h.result, nil
	}
	return map[string]any(args), nil
}

func prDescriptor(h Handler) Descriptor {
	return Descriptor{
		Name:        "github.get_pr",
		Description: "Get a pull request",
		Schema: []Param{
			{Name: "repo", Type: TypeString},
			{Name: "number", Type: TypeInteger, Required: true},
			{Name: "method", Type: TypeString, Enum: []string{"merge", "squash"}},
			{Name: "files", Type: TypeArray},
		},
		Handler: h,
	}
}

func TestMissingRequiredArgumentDoesNotInvoke(t *testing.T) {
	h := &countingHandler{}
	r := NewRegistry()
	r.MustRegister(prDescriptor(h))

	res := r.Call(context.Background(), Call{Name: "github.get_pr", Arguments: map[string]any{"repo": "octo/app"}})
	require.False(t, res.OK())
	assert.Equal(t, core.KindValidation, res.Kind())
	assert.Contains(t, res.Message(), "number")
	assert.Equal(t, int32(0), h.invoked.Load())
}

func TestArgumentValidation(t *testing.T) {
	h := &countingHandler{}
	r := NewRegistry()
	r.MustRegister(prDescriptor(h))

	cases := map[string]map[string]any{
		"unknown argument": {"number": 1.0, "bogus": true},
		"type mismatch":    {"number": "one"},
		"fractional int":   {"number": 1.5},
		"int above 2^53":   {"number": 1e19},
		"int below -2^53":  {"number": -9007199254740993.0 * 2},
		"infinite int":     {"number": math.Inf(1)},
		"uint overflow":    {"number": uint64(math.MaxUint64)},
		"enum":             {"number": 1.0, "method": "octopus"},
		"array":            {"number": 1.0, "files": "a.txt"},
	}
	for name, args := range cases {
		res := r.Call(context.Background(), Call{Name: "github.get_pr", Arguments: args})
		assert.Equal(t, core.KindValidation, res.Kind(), name)
	}
	assert.Equal(t, int32(0), h.invoked.Load())
}

func TestArgumentsAreNormalized(t *testing.T) {
	h := &countingHandler{}
	r := NewRegistry()
	r.MustRegister(prDescriptor(h))

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"number": 12, "files": ["a", "b"], "repo": null}`), &raw))
	res := r.Call(context.Background(), Call{Name: "github.get_pr", Arguments: raw})
	require.True(t, res.OK(), res.Message())

	args := res.Payload().(map[string]any)
	assert.Equal(t, int64(12), args["number"])

	res = r.Call(context.Background(), Call{Name: "github.get_pr", Arguments: map[string]any{"number": float64(1 << 53)}})
	require.True(t, res.OK(), res.Message())
	assert.Equal(t, int64(1<<53), res.Payload().(map[string]any)["number"])

	res = r.Call(context.Background(), Call{Name: "github.get_pr", Arguments: map[string]any{"number": int64(1<<62 + 1)}})
	require.True(t, res.OK(), res.Message())
	assert.Equal(t, int64(1<<62+1), res.Payload().(map[string]any)["number"])
	assert.Equal(t, []any{"a", "b"}, args["files"])
	_, hasRepo := args["repo"]
	assert.False(t, hasRepo)
}

func TestUnknownToolIsValidationError(t *testing.T) {
	r := NewRegistry()
	res := r.Call(context.Background(), Call{Name: "github.nope"})
	assert.Equal(t, core.KindValidation, res.Kind())
}

func TestPolicyDeniesTool(t *testing.T) {
	h := &countingHandler{}
	r := NewRegistry(WithPolicy(core.NewPolicy("", "github.list_open_prs")))
	r.MustRegister(prDescriptor(h))

	res := r.Call(context.Background(), Call{Name: "github.get_pr", Arguments: map[string]any{"number": 1}})
	assert.Equal(t, core.KindForbidden, res.Kind())
	assert.Equal(t, int32(0), h.invoked.Load())
}

func TestHandlerErrorKindIsPreserved(t *testing.T) {
	h := &countingHandler{err: core.Errorf(core.KindTransientHost, "upstream timeout")}
	r := NewRegistry()
	r.MustRegister(prDescriptor(h))

	res := r.Call(context.Background(), Call{Name: "github.get_pr", Arguments: map[string]any{"number": 1}})
	assert.False(t, res.OK())
	assert.Nil(t, res.Payload())
	assert.Equal(t, core.KindTransientHost, res.Kind())
	assert.Equal(t, core.KindTransientHost, core.KindOf(res.Err()))
}

func TestHandlerValidateRejects(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Descriptor{
		Name:   "ci.analyze_failure",
		Schema: []Param{{Name: "logs", Type: TypeString}},
		Handler: Validated{
			Check: func(a Args) error { return errors.New("logs or run_id is required") },
			Run:   func(ctx context.Context, a Args) (any, error) { t.Fatal("must not run"); return nil, nil },
		},
	})
	res := r.Call(context.Background(), Call{Name: "ci.analyze_failure"})
	assert.Equal(t, core.KindValidation, res.Kind())
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Descriptor{Name: "x.panic", Handler: HandlerFunc(func(ctx context.Context, a Args) (any, error) {
		panic("kaboom")
	})})
	res := r.Call(context.Background(), Call{Name: "x.panic"})
	assert.Equal(t, core.KindInternal, res.Kind())
	assert.Contains(t, res.Message(), "kaboom")
}

func TestRegistrationRules(t *testing.T) {
	h := &countingHandler{}
	r := NewRegistry()
	require.NoError(t, r.Register(prDescriptor(h)))
	assert.ErrorIs(t, r.Register(prDescriptor(h)), ErrDuplicateTool)
	assert.ErrorIs(t, r.Register(Descriptor{Handler: h}), ErrToolNameEmpty)
	assert.ErrorIs(t, r.Register(Descriptor{Name: "a.b"}), ErrNilHandler)
	assert.ErrorIs(t, r.Register(Descriptor{Name: "Bad Name", Handler: h}), ErrInvalidSchema)
	assert.ErrorIs(t, r.Register(Descriptor{Name: "a.c", Handler: h, Schema: []Param{{Name: "x", Type: "date"}}}), ErrInvalidSchema)
	assert.ErrorIs(t, r.Register(Descriptor{Name: "a.d", Handler: h, Schema: []Param{{Name: "x", Type: TypeInteger, Enum: []string{"1"}}}}), ErrInvalidSchema)

	r.Freeze()
	assert.ErrorIs(t, r.Register(Descriptor{Name: "late.tool", Handler: h}), ErrFrozen)
	require.Len(t, r.List(), 1)
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	h := &countingHandler{}
	r := NewRegistry()
	for _, name := range []string{"z.last", "a.first", "m.middle"} {
		r.MustRegister(Descriptor{Name: name, Handler: h})
	}
	names := []string{}
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"z.last", "a.first", "m.middle"}, names)
}

func TestObserversSeeEveryCall(t *testing.T) {
	var records []CallRecord
	h := &countingHandler{}
	r := NewRegistry(WithObserver(ObserverFunc(func(ctx context.Context, rec CallRecord) {
		records = append(records, rec)
	})))
	r.MustRegister(prDescriptor(h))

	r.Call(context.Background(), Call{Name: "github.get_pr", Arguments: map[string]any{"number": 1}, RequestID: "req-1"})
	r.Call(context.Background(), Call{Name: "github.get_pr"})

	require.Len(t, records, 2)
	assert.Equal(t, "req-1", records[0].RequestID)
	assert.True(t, records[0].Result.OK())
	assert.NotEmpty(t, records[1].RequestID)
	assert.False(t, records[1].Result.OK())
}

func TestRequestIDReachesHandler(t *testing.T) {
	var seen string
	r := NewRegistry()
	r.MustRegister(Descriptor{Name: "x.id", Handler: HandlerFunc(func(ctx context.Context, a Args) (any, error) {
		seen = RequestID(ctx)
		return nil, nil
	})})
	r.Call(context.Background(), Call{Name: "x.id", RequestID: "abc"})
	assert.Equal(t, "abc", seen)
}

func TestInputSchema(t *testing.T) {
	schema := InputSchema(prDescriptor(&countingHandler{}))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"number"}, schema["required"])
	props := schema["properties"].(map[string]any)
	assert.Equal(t, "integer", props["number"].(map[string]any)["type"])
	assert.Equal(t, []string{"merge", "squash"}, props["method"].(map[string]any)["enum"])
}

func TestResultJSON(t *testing.T) {
	b, err := json.Marshal(Failure(core.KindConflict, "busy"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"error":{"kind":"conflict","message":"busy"}}`, string(b))

	var back Result
	require.NoError(t, json.Unmarshal([]byte(`{"ok":true,"result":{"n":1}}`), &back))
	assert.True(t, back.OK())
	assert.Equal(t, map[string]any{"n": 1.0}, back.Payload())
}

type sample struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}

func TestAsConvertsPayloads(t *testing.T) {
	direct, err := As[sample](sample{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, direct.Number)

	ptr, err := As[sample](&sample{Number: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, ptr.Number)

	viaJSON, err := As[sample](map[string]any{"number": 3.0, "title": "t"})
	require.NoError(t, err)
	assert.Equal(t, sample{Number: 3, Title: "t"}, viaJSON)
}
