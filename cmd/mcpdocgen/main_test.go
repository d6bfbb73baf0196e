package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaishcodescape/OpenX-MCP/internal/mcp"
)

func TestRenderCatalog(t *testing.T) {
	reg, err := catalog()
	require.NoError(t, err)

	var buf bytes.Buffer
	render(&buf, mcp.ToolDefinitions(reg.List()))
	out := buf.String()

	assert.Contains(t, out, "# MCP Tools (Generated)")
	assert.Contains(t, out, "- `github.get_pr`")
	assert.Contains(t, out, "- `healing.start_session`")
	assert.Contains(t, out, "- `github.create_issue`")
	assert.Contains(t, out, "- `workspace.publish`")
	assert.Contains(t, out, "`mode` (string, optional): one of partial, strict")
	assert.Contains(t, out, "`id` (string, required)")
	assert.Contains(t, out, "`repo` (string, optional)")
}
