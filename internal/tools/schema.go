package tools

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Param describes one named argument of a tool.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// Handler is the capability behind a tool. Validate runs after schema checks and before
// Invoke; it must not perform I/O.
type Handler interface {
	Validate(args Args) error
	Invoke(ctx context.Context, args Args) (any, error)
}

// HandlerFunc adapts a function into a Handler without extra validation.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

func (f HandlerFunc) Validate(Args) error { return nil }

func (f HandlerFunc) Invoke(ctx context.Context, args Args) (any, error) { return f(ctx, args) }

// Validated pairs a validation function with an invocation function.
type Validated struct {
	Check func(args Args) error
	Run   func(ctx context.Context, args Args) (any, error)
}

func (v Validated) Validate(args Args) error {
	if v.Check == nil {
		return nil
	}
	return v.Check(args)
}

func (v Validated) Invoke(ctx context.Context, args Args) (any, error) { return v.Run(ctx, args) }

// Descriptor is one registered tool.
type Descriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Schema      []Param `json:"schema"`
	Handler     Handler `json:"-"`
}

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

func validateDescriptor(d Descriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrToolNameEmpty
	}
	if !toolNamePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: tool name %q must be lower-case dotted words", ErrInvalidSchema, d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, d.Name)
	}
	seen := make(map[string]bool, len(d.Schema))
	for _, p := range d.Schema {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: %s has a parameter without a name", ErrInvalidSchema, d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s declares parameter %q twice", ErrInvalidSchema, d.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.valid() {
			return fmt.Errorf("%w: %s.%s has unknown type %q", ErrInvalidSchema, d.Name, p.Name, p.Type)
		}
		if len(p.Enum) > 0 && p.Type != TypeString {
			return fmt.Errorf("%w: %s.%s enum requires type string", ErrInvalidSchema, d.Name, p.Name)
		}
	}
	return nil
}

// normalizeArgs checks raw against schema and returns a copy with numbers coerced
// (integers to int64, numbers to float64). Null values count as absent.
func normalizeArgs(schema []Param, raw map[string]any) (Args, error) {
	byName := make(map[string]Param, len(schema))
	for _, p := range schema {
		byName[p.Name] = p
	}

	unknown := make([]string, 0)
	for name := range raw {
		if _, ok := byName[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, core.ValidationErrorf("unknown argument(s): %s", strings.Join(unknown, ", "))
	}

	out := make(Args, len(raw))
	for _, p := range schema {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, core.ValidationErrorf("missing required argument %q", p.Name)
			}
			continue
		}
		nv, err := coerce(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = nv
	}
	return out, nil
}

func coerce(p Param, v any) (any, error) {
	mismatch := func() error {
		return core.ValidationErrorf("argument %q must be %s, got %T", p.Name, p.Type, v)
	}
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		if len(p.Enum) > 0 && !contains(p.Enum, s) {
			return nil, core.ValidationErrorf("argument %q must be one of %s", p.Name, strings.Join(p.Enum, ", "))
		}
		return s, nil
	case TypeInteger:
		n, ok, inRange := toInt(v)
		if !ok {
			return nil, mismatch()
		}
		if !inRange {
			return nil, core.ValidationErrorf("argument %q is outside the exact integer range ±2^53", p.Name)
		}
		return n, nil
	case TypeNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, mismatch()
		}
		return f, nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	case TypeObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, mismatch()
		}
		return m, nil
	case TypeArray:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return nil, mismatch()
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	}
	return nil, mismatch()
}

// maxExactInt is the largest magnitude a float64 holds without losing integer
// precision.
const maxExactInt = 1 << 53

// toInt converts whole numbers. ok is false for non-numbers and fractions; inRange is
// false for values a JSON number cannot carry exactly.
func toInt(v any) (n int64, ok, inRange bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true, true
	case int32:
		return int64(x), true, true
	case int64:
		return x, true, true
	case uint:
		return int64(x), true, uint64(x) <= math.MaxInt64
	case uint64:
		return int64(x), true, x <= math.MaxInt64
	case interface{ Int64() (int64, error) }:
		if i, err := x.Int64(); err == nil {
			return i, true, true
		}
	}
	f, isNum := toFloat(v)
	if !isNum || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, false, false
	}
	if math.Abs(f) > maxExactInt {
		return 0, true, false
	}
	return int64(f), true, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// InputSchema renders the descriptor's parameters as a JSON schema object.
func InputSchema(d Descriptor) map[string]any {
	props := make(map[string]any, len(d.Schema))
	required := make([]string, 0)
	for _, p := range d.Schema {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}
