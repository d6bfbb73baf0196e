package toolset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/ghcli"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
	"github.com/vaishcodescape/OpenX-MCP/internal/workspace"
)

// quietGit answers every git command with empty output and records it.
type quietGit struct{ calls []string }

func (g *quietGit) Run(ctx context.Context, in ghcli.Invocation) (ghcli.Report, error) {
	g.calls = append(g.calls, strings.Join(in.Args[2:], " "))
	return ghcli.Report{Command: in.String()}, nil
}

func workspaceRegistry(t *testing.T, policy *core.Policy, w *workspace.Workspace) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(tools.WithPolicy(policy))
	require.NoError(t, Register(reg, Deps{Host: newMemHost(""), Policy: policy, Workspace: w}, nil))
	reg.Freeze()
	return reg
}

func TestWorkspaceTools(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	git := &quietGit{}
	w, err := workspace.Open(workspace.Config{Root: root}, git, nil)
	require.NoError(t, err)
	policy := core.NewPolicy("", "")
	policy.SetForbiddenPrefixes(".github/workflows/")
	reg := workspaceRegistry(t, policy, w)
	call := func(name string, args map[string]any) tools.Result {
		return reg.Call(context.Background(), tools.Call{Name: name, Arguments: args})
	}

	res := call("workspace.write_file", map[string]any{"content": "# hi\n"})
	require.True(t, res.OK(), res.Message())
	res = call("workspace.read_file", nil)
	require.True(t, res.OK(), res.Message())
	f, err := tools.As[workspace.File](res.Payload())
	require.NoError(t, err)
	assert.Equal(t, "# hi\n", f.Content)

	res = call("workspace.write_file", map[string]any{"path": ".github/workflows/ci.yml", "content": "x"})
	require.False(t, res.OK())
	assert.Equal(t, core.KindForbidden, res.Kind())

	res = call("workspace.list_dir", nil)
	require.True(t, res.OK(), res.Message())
	entries, err := tools.As[[]workspace.Entry](res.Payload())
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	res = call("workspace.git_status", nil)
	require.True(t, res.OK(), res.Message())
	st, err := tools.As[workspace.Status](res.Payload())
	require.NoError(t, err)
	assert.Equal(t, "Clean working tree.", st.Summary)

	res = call("workspace.publish", map[string]any{
		"base": "main", "head": "docs/readme", "message": "docs",
		"files":   []any{map[string]any{"path": "README.md", "content": "# new\n"}},
		"dry_run": true,
	})
	require.True(t, res.OK(), res.Message())
	plan, err := tools.As[workspace.PublishResult](res.Payload())
	require.NoError(t, err)
	assert.Len(t, plan.PlannedCommands, 6)
	assert.Equal(t, []string{"status --short", "diff --stat"}, git.calls)

	res = call("workspace.publish", map[string]any{
		"base": "main", "head": "x", "message": "m",
		"files": []any{map[string]any{"path": ".github/workflows/ci.yml", "content": "x"}},
	})
	require.False(t, res.OK())
	assert.Equal(t, core.KindForbidden, res.Kind())
}

func TestWorkspaceToolsWithoutCheckout(t *testing.T) {
	reg := workspaceRegistry(t, nil, nil)
	res := reg.Call(context.Background(), tools.Call{Name: "workspace.git_status"})
	require.False(t, res.OK())
	assert.Equal(t, core.KindPermanentHost, res.Kind())
	assert.Contains(t, res.Message(), "no workspace is configured")
}
