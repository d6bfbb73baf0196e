package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/ghcli"
	"github.com/vaishcodescape/OpenX-MCP/internal/pool"
)

// gitRunner answers git commands by the first argument after "-C root".
type gitRunner struct {
	mu      sync.Mutex
	replies map[string]string
	fail    map[string]bool
	calls   [][]string
}

func newGitRunner() *gitRunner {
	return &gitRunner{replies: map[string]string{}, fail: map[string]bool{}}
}

func (g *gitRunner) Run(ctx context.Context, in ghcli.Invocation) (ghcli.Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	args := in.Args[2:]
	g.calls = append(g.calls, args)
	key := strings.Join(args, " ")
	for prefix := range g.fail {
		if strings.HasPrefix(key, prefix) {
			return ghcli.Report{ExitCode: 1}, &ghcli.CommandError{Command: in.String(), ExitCode: 1, Stderr: "fatal"}
		}
	}
	return ghcli.Report{Command: in.String(), Stdout: g.replies[args[0]]}, nil
}

func (g *gitRunner) commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	for i, c := range g.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func newWorkspace(t *testing.T) (*Workspace, *gitRunner) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	runner := newGitRunner()
	p := pool.New(2, 4)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	w, err := Open(Config{Root: root}, runner, p)
	require.NoError(t, err)
	return w, runner
}

func TestOpenRequiresGitCheckout(t *testing.T) {
	_, err := Open(Config{Root: t.TempDir()}, newGitRunner(), nil)
	assert.ErrorIs(t, err, ErrNotRepository)

	_, err = Open(Config{}, newGitRunner(), nil)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestReadWriteStayInsideRoot(t *testing.T) {
	w, _ := newWorkspace(t)

	f, err := w.WriteFile("docs/guide.md", "hello\n")
	require.NoError(t, err)
	assert.Equal(t, "docs/guide.md", f.Path)

	got, err := w.ReadFile("./docs/guide.md")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", got.Content)

	_, err = w.WriteFile("", "# readme\n")
	require.NoError(t, err)
	got, err = w.ReadFile("")
	require.NoError(t, err)
	assert.Equal(t, "README.md", got.Path)

	_, err = w.ReadFile("../outside")
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	_, err = w.WriteFile(".git/config", "x")
	assert.Equal(t, core.KindForbidden, core.KindOf(err))
	_, err = w.ReadFile("missing.txt")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
	_, err = w.ReadFile("docs")
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSymlinkOutOfRootIsForbidden(t *testing.T) {
	w, _ := newWorkspace(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(w.Root(), "escape")))

	_, err := w.WriteFile("escape/x.txt", "x")
	assert.Equal(t, core.KindForbidden, core.KindOf(err))
	_, err = os.Stat(filepath.Join(outside, "x.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestReadFileSizeLimit(t *testing.T) {
	w, _ := newWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(w.Root(), "big.bin"), make([]byte, MaxReadBytes+1), 0o644))
	_, err := w.ReadFile("big.bin")
	assert.ErrorContains(t, err, "read limit")
}

func TestListDirHidesDotfilesExceptGit(t *testing.T) {
	w, _ := newWorkspace(t)
	for _, p := range []string{".env", "main.go", "pkg/a.go"} {
		_, err := w.WriteFile(p, "x")
		require.NoError(t, err)
	}

	entries, err := w.ListDir("")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{".git", "pkg", "main.go"}, names)

	entries, err = w.ListDir("pkg")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pkg/a.go", entries[0].Path)

	_, err = w.ListDir("nope")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestStatus(t *testing.T) {
	w, runner := newWorkspace(t)
	s, err := w.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Clean)
	assert.Equal(t, "Clean working tree.", s.Summary)

	runner.replies["status"] = " M main.go\n"
	runner.replies["diff"] = " main.go | 2 +-\n"
	s, err = w.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Clean)
	assert.Contains(t, s.Summary, "M main.go")
	assert.Contains(t, s.Summary, "2 +-")
	assert.Equal(t, []string{"status --short", "diff --stat", "status --short", "diff --stat"}, runner.commands())
}

func TestAddCommitPush(t *testing.T) {
	w, runner := newWorkspace(t)
	ctx := context.Background()
	runner.replies["rev-parse"] = "abc123\n"

	staged, err := w.Add(ctx, []string{"./main.go"})
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, staged)
	_, err = w.Add(ctx, nil)
	require.NoError(t, err)

	c, err := w.Commit(ctx, "fix: thing")
	require.NoError(t, err)
	assert.Equal(t, "abc123", c.SHA)
	_, err = w.Commit(ctx, " ")
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	p, err := w.Push(ctx, "", "fix/thing")
	require.NoError(t, err)
	assert.Equal(t, "origin", p.Remote)
	_, err = w.Push(ctx, "--force", "main")
	assert.Error(t, err)
	_, err = w.Push(ctx, "origin", "bad branch")
	assert.Error(t, err)

	assert.Equal(t, []string{
		"add -- main.go", "add -- .",
		"commit -m fix: thing", "rev-parse HEAD",
		"push origin fix/thing",
	}, runner.commands())
}

func TestGitFailureSurfacesCommandError(t *testing.T) {
	w, runner := newWorkspace(t)
	runner.fail["commit"] = true
	_, err := w.Commit(context.Background(), "msg")
	assert.Equal(t, core.KindPermanentHost, core.KindOf(err))
}

func TestPublishDryRunPlansWithoutWriting(t *testing.T) {
	w, runner := newWorkspace(t)
	res, err := w.Publish(context.Background(), PublishRequest{
		Base: "main", Head: "fix/ci", Message: "fix ci",
		Files: []FileChange{{Path: "src/app.go", Content: "package app\n"}},
		DryRun: true,
	})
	require.NoError(t, err)
	require.Len(t, res.PlannedCommands, 6)
	assert.Contains(t, res.PlannedCommands[0], `checkout "main"`)
	assert.Equal(t, `write "src/app.go"`, res.PlannedCommands[2])
	assert.Contains(t, res.PlannedCommands[5], `push -u "origin" "fix/ci"`)
	assert.Empty(t, res.CommitSHA)
	assert.Empty(t, runner.commands())
	_, err = os.Stat(filepath.Join(w.Root(), "src", "app.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestPublishRunsGitSequence(t *testing.T) {
	w, runner := newWorkspace(t)
	runner.replies["rev-parse"] = "def456\n"
	res, err := w.Publish(context.Background(), PublishRequest{
		Base: "main", Head: "fix/ci", Message: "fix ci",
		Files: []FileChange{{Path: "src/app.go", Content: "package app\n"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "def456", res.CommitSHA)
	assert.Equal(t, []string{
		"checkout main", "checkout -b fix/ci", "add -- src/app.go",
		"commit -m fix ci", "push -u origin fix/ci", "rev-parse HEAD",
	}, runner.commands())

	data, err := os.ReadFile(filepath.Join(w.Root(), "src", "app.go"))
	require.NoError(t, err)
	assert.Equal(t, "package app\n", string(data))
}

func TestPublishValidation(t *testing.T) {
	w, _ := newWorkspace(t)
	ctx := context.Background()
	file := []FileChange{{Path: "a", Content: "b"}}
	for name, req := range map[string]PublishRequest{
		"same branch": {Base: "main", Head: "main", Message: "m", Files: file},
		"no message":  {Base: "main", Head: "x", Files: file},
		"no files":    {Base: "main", Head: "x", Message: "m"},
		"bad head":    {Base: "main", Head: "-x", Message: "m", Files: file},
		"escape":      {Base: "main", Head: "x", Message: "m", Files: []FileChange{{Path: "../a"}}},
		"git dir":     {Base: "main", Head: "x", Message: "m", Files: []FileChange{{Path: ".git/HEAD"}}},
	} {
		_, err := w.Publish(ctx, req)
		assert.Error(t, err, name)
	}
}
