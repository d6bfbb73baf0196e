package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/mcp"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
	"github.com/vaishcodescape/OpenX-MCP/internal/toolset"
)

func main() {
	reg, err := catalog()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	render(os.Stdout, mcp.ToolDefinitions(reg.List()))
}

// catalog registers every tool with empty dependencies. Handlers are never invoked.
func catalog() (*tools.Registry, error) {
	reg := tools.NewRegistry()
	if err := toolset.Register(reg, toolset.Deps{}, nil); err != nil {
		return nil, err
	}
	if err := toolset.RegisterHealing(reg, toolset.Deps{}, nil); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}

func render(w io.Writer, defs []map[string]any) {
	fmt.Fprintln(w, "# MCP Tools (Generated)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "This file is generated by `go run ./cmd/mcpdocgen` from the registered toolset.")
	fmt.Fprintln(w)

	for _, d := range defs {
		name, _ := d["name"].(string)
		desc, _ := d["description"].(string)
		fmt.Fprintf(w, "- `%s`\n", name)
		if desc != "" {
			fmt.Fprintf(w, "  - Description: %s\n", desc)
		}

		schema, _ := d["inputSchema"].(map[string]any)
		props, _ := schema["properties"].(map[string]any)
		requiredRaw, _ := schema["required"].([]string)
		requiredSet := make(map[string]bool, len(requiredRaw))
		for _, r := range requiredRaw {
			requiredSet[r] = true
		}

		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		if len(keys) > 0 {
			fmt.Fprintln(w, "  - Input:")
			for _, k := range keys {
				req := "optional"
				if requiredSet[k] {
					req = "required"
				}
				prop, _ := props[k].(map[string]any)
				typ, _ := prop["type"].(string)
				line := fmt.Sprintf("    - `%s` (%s, %s)", k, typ, req)
				if enum, ok := prop["enum"].([]string); ok && len(enum) > 0 {
					line += ": one of " + strings.Join(enum, ", ")
				} else if pd, _ := prop["description"].(string); pd != "" {
					line += ": " + pd
				}
				fmt.Fprintln(w, line)
			}
		}
		fmt.Fprintln(w)
	}
}
