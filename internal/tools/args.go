package tools

import (
	"encoding/json"
	"fmt"
)

// Args are schema-checked arguments. Integers are int64, numbers float64, arrays []any.
type Args map[string]any

func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

func (a Args) Int(name string) (int64, bool) {
	switch n := a[name].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func (a Args) IntOr(name string, def int64) int64 {
	if n, ok := a.Int(name); ok {
		return n
	}
	return def
}

func (a Args) Float(name string) (float64, bool) {
	f, ok := a[name].(float64)
	return f, ok
}

func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

func (a Args) Map(name string) map[string]any {
	m, _ := a[name].(map[string]any)
	return m
}

// Strings returns the string items of an array argument, skipping non-strings.
func (a Args) Strings(name string) []string {
	items, _ := a[name].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Decode round-trips the named argument through JSON into out.
func (a Args) Decode(name string, out any) error {
	b, err := json.Marshal(a[name])
	if err != nil {
		return fmt.Errorf("encode argument %s: %w", name, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode argument %s: %w", name, err)
	}
	return nil
}

// As converts a result payload into T. Payloads produced in-process are returned as-is;
// anything else (for example values decoded from JSON) is converted through JSON.
func As[T any](payload any) (T, error) {
	var out T
	if v, ok := payload.(T); ok {
		return v, nil
	}
	if p, ok := payload.(*T); ok && p != nil {
		return *p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode payload as %T: %w", out, err)
	}
	return out, nil
}
