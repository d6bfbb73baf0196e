package ghcli

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/pool"
)

// fakeRunner answers invocations by the longest matching argument prefix.
type fakeRunner struct {
	mu      sync.Mutex
	replies map[string]fakeReply
	calls   []Invocation
}

type fakeReply struct {
	stdout string
	err    error
}

func newFakeRunner() *fakeRunner { return &fakeRunner{replies: map[string]fakeReply{}} }

func (f *fakeRunner) on(prefix, stdout string, err error) {
	f.replies[prefix] = fakeReply{stdout: stdout, err: err}
}

func (f *fakeRunner) Run(ctx context.Context, in Invocation) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	joined := strings.Join(in.Args, " ")
	best := ""
	for prefix := range f.replies {
		if strings.HasPrefix(joined, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Report{Command: in.String(), ExitCode: 1}, &CommandError{Command: in.String(), ExitCode: 1, Stderr: "unexpected"}
	}
	r := f.replies[best]
	return Report{Command: in.String(), Stdout: r.stdout}, r.err
}

var repo = github.RepoRef{Owner: "octo", Name: "app"}

func TestListPullRequestsSummarizesRollup(t *testing.T) {
	runner := newFakeRunner()
	runner.on("pr list", `[
	  {"number": 3, "title": "t", "state": "OPEN", "author": {"login": "dev"}, "headRefName": "fix", "headRefOid": "abc",
	   "statusCheckRollup": [
	     {"__typename": "CheckRun", "name": "test", "status": "COMPLETED", "conclusion": "FAILURE", "detailsUrl": "https://github.com/octo/app/actions/runs/55/job/1"},
	     {"__typename": "StatusContext", "context": "lint", "state": "SUCCESS"}
	   ]},
	  {"number": 4, "title": "u", "state": "OPEN", "statusCheckRollup": [{"__typename": "CheckRun", "name": "test", "status": "IN_PROGRESS"}]}
	]`, nil)
	p := pool.New(2, 4)
	defer p.Close(context.Background())
	c := New(Config{Token: "t0k"}, runner, p)

	prs, err := c.ListPullRequests(context.Background(), repo)
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.Equal(t, "open", prs[0].State)
	assert.Equal(t, github.CIStatusFailure, prs[0].CIStatus)
	assert.Equal(t, github.CIStatusPending, prs[1].CIStatus)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "gh", runner.calls[0].Binary)
	assert.Contains(t, runner.calls[0].Env, "GH_TOKEN=t0k")
	assert.Contains(t, runner.calls[0].Env, "GH_PROMPT_DISABLED=1")
}

func TestDecodeFailureIsError(t *testing.T) {
	runner := newFakeRunner()
	runner.on("repo view", "not json", nil)
	c := New(Config{}, runner, nil)

	_, err := c.GetRepository(context.Background(), repo)
	require.Error(t, err)
	assert.Equal(t, core.KindPermanentHost, core.KindOf(err))
}

func TestUnsupportedOperations(t *testing.T) {
	c := New(Config{}, newFakeRunner(), nil)

	_, err := c.CreateCommit(context.Background(), repo, github.CommitInput{})
	assert.ErrorIs(t, err, github.ErrUnsupported)
	_, err = c.ListFailingPullRequests(context.Background(), repo)
	assert.ErrorIs(t, err, github.ErrUnsupported)
}

func TestListWorkflowRunsPassesFilters(t *testing.T) {
	runner := newFakeRunner()
	runner.on("run list", `[{"databaseId": 9, "status": "completed", "conclusion": "failure", "headSha": "abc", "createdAt": "2026-01-02T03:04:05Z"}]`, nil)
	c := New(Config{}, runner, nil)

	runs, err := c.ListWorkflowRuns(context.Background(), repo, github.RunFilter{Workflow: "ci.yml", HeadSHA: "abc", Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, github.RunFailed, runs[0].Status)
	assert.Equal(t, int64(9), runs[0].ID)

	args := strings.Join(runner.calls[0].Args, " ")
	assert.Contains(t, args, "--workflow ci.yml")
	assert.Contains(t, args, "--commit abc")
	assert.Contains(t, args, "--limit 5")
}

func TestTriggerWorkflowSortsInputs(t *testing.T) {
	runner := newFakeRunner()
	runner.on("workflow run", "", nil)
	c := New(Config{}, runner, nil)

	err := c.TriggerWorkflow(context.Background(), repo, github.TriggerWorkflowInput{
		Workflow: "ci.yml", Ref: "fix", Inputs: map[string]string{"b": "2", "a": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "workflow run ci.yml --repo octo/app --ref fix -f a=1 -f b=2", strings.Join(runner.calls[0].Args, " "))
}

func TestCommentParsesURL(t *testing.T) {
	runner := newFakeRunner()
	runner.on("pr comment", "https://github.com/octo/app/pull/3#issuecomment-1\n", nil)
	c := New(Config{}, runner, nil)

	comment, err := c.CommentPullRequest(context.Background(), repo, 3, "hello")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/octo/app/pull/3#issuecomment-1", comment.URL)
}

func TestRunRawAllowlist(t *testing.T) {
	runner := newFakeRunner()
	runner.on("pr status", "ok", nil)
	c := New(Config{}, runner, nil)

	report, err := c.RunRaw(context.Background(), []string{"pr", "status"})
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Stdout)

	_, err = c.RunRaw(context.Background(), []string{"auth", "token"})
	assert.Equal(t, core.KindForbidden, core.KindOf(err))

	_, err = c.RunRaw(context.Background(), []string{"pr", "view", "--web"})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = c.RunRaw(context.Background(), nil)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

type blockingRunner struct{ release chan struct{} }

func (b *blockingRunner) Run(ctx context.Context, in Invocation) (Report, error) {
	<-b.release
	return Report{Stdout: "[]"}, nil
}

func TestSaturatedPoolReturnsCapacityError(t *testing.T) {
	br := &blockingRunner{release: make(chan struct{})}
	p := pool.New(1, 1)
	defer p.Close(context.Background())
	defer close(br.release)
	c := New(Config{}, br, p)

	block := func(ctx context.Context) (any, error) { return br.Run(ctx, Invocation{}) }
	// occupy the worker, then the single queue slot
	_, err := p.Submit(context.Background(), block)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Running == 1 }, time.Second, 5*time.Millisecond)
	_, err = p.Submit(context.Background(), block)
	require.NoError(t, err)

	_, err = c.ListPullRequests(context.Background(), repo)
	var capErr *pool.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, core.KindCapacity, core.KindOf(err))
}

func TestHostFromBaseURL(t *testing.T) {
	assert.Equal(t, "", HostFromBaseURL("https://api.github.com"))
	assert.Equal(t, "", HostFromBaseURL(""))
	assert.Equal(t, "ghe.example.com", HostFromBaseURL("https://ghe.example.com/api/v3"))
}

func TestExecRunnerTimeout(t *testing.T) {
	r := NewExecRunner(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := r.Run(ctx, Invocation{Binary: "sleep", Args: []string{"2"}})
	require.Error(t, err)
	assert.Equal(t, -1, report.ExitCode)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, core.KindTransientHost, core.KindOf(err))
}

func TestExecRunnerFailureExitCode(t *testing.T) {
	r := NewExecRunner(0)
	report, err := r.Run(context.Background(), Invocation{Binary: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	require.Error(t, err)
	assert.Equal(t, 3, report.ExitCode)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecRunnerOutputTruncation(t *testing.T) {
	r := NewExecRunner(8)
	report, err := r.Run(context.Background(), Invocation{Binary: "sh", Args: []string{"-c", "printf 0123456789abcdef"}})
	require.NoError(t, err)
	assert.True(t, report.StdoutTruncated)
	assert.True(t, strings.HasPrefix(report.Stdout, "01234567"))
	assert.Contains(t, report.Stdout, "truncated")
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(0)
	_, err := r.Run(context.Background(), Invocation{Binary: "openx-no-such-binary"})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestExecRunnerStdin(t *testing.T) {
	r := NewExecRunner(0)
	report, err := r.Run(context.Background(), Invocation{Binary: "cat", Stdin: []byte(`{"ok":true}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, report.Stdout)
}
