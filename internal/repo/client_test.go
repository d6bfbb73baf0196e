package repo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaishcodescape/OpenX-MCP/internal/cache"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/ghcli"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/pool"
)

// fakeHost implements the operations under test; anything else panics through the
// embedded nil interface.
type fakeHost struct {
	github.Host
	path string

	mu      sync.Mutex
	calls   map[string]int
	errs    map[string]error
	prs     []github.PullRequest
	files   map[string]string
	issues  []github.Issue
	commits atomic.Int32
}

func newFakeHost(path string) *fakeHost {
	return &fakeHost{path: path, calls: map[string]int{}, errs: map[string]error{}, files: map[string]string{}}
}

func (f *fakeHost) Path() string { return f.path }

func (f *fakeHost) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.errs[op]
}

func (f *fakeHost) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeHost) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *fakeHost) ListPullRequests(ctx context.Context, repo github.RepoRef) ([]github.PullRequest, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	return f.prs, nil
}

func (f *fakeHost) GetFileContent(ctx context.Context, repo github.RepoRef, path, ref string) (*github.FileContent, error) {
	if err := f.record("file"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &github.FileContent{Path: path, Ref: ref, Content: f.files[path]}, nil
}

func (f *fakeHost) CreateCommit(ctx context.Context, repo github.RepoRef, in github.CommitInput) (*github.Commit, error) {
	if err := f.record("commit"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	for _, file := range in.Files {
		f.files[file.Path] = file.Content
	}
	f.mu.Unlock()
	f.commits.Add(1)
	return &github.Commit{SHA: "new", Branch: in.Branch}, nil
}

func (f *fakeHost) ListIssues(ctx context.Context, repo github.RepoRef, state string) ([]github.Issue, error) {
	if err := f.record("issues"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.Issue(nil), f.issues...), nil
}

func (f *fakeHost) CreateIssue(ctx context.Context, repo github.RepoRef, in github.IssueInput) (*github.Issue, error) {
	if err := f.record("create_issue"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := github.Issue{Number: len(f.issues) + 1, Title: in.Title, State: "open"}
	f.issues = append(f.issues, issue)
	return &issue, nil
}

func (f *fakeHost) ListRepositories(ctx context.Context, owner string) ([]github.Repository, error) {
	if err := f.record("repos"); err != nil {
		return nil, err
	}
	return []github.Repository{{Owner: owner, Name: "app"}}, nil
}

var testRepo = github.RepoRef{Owner: "octo", Name: "app"}

func timeoutErr() error {
	return &ghcli.CommandError{Command: "gh pr list", ExitCode: -1, TimedOut: true, Timeout: 30 * time.Second}
}

func newClient(t *testing.T, primary, fallback github.Host, now func() time.Time) *Client {
	t.Helper()
	opts := []cache.Option{}
	if now != nil {
		opts = append(opts, cache.WithClock(now))
	}
	c, err := cache.New(opts...)
	require.NoError(t, err)
	client, err := New(primary, fallback, c, DefaultTTLs(), nil)
	require.NoError(t, err)
	return client
}

func TestPrimaryFailureFallsBackExactlyOnce(t *testing.T) {
	cli := newFakeHost("cli")
	api := newFakeHost("api")
	cli.fail("list", timeoutErr())
	api.prs = []github.PullRequest{{Number: 7, State: "open"}}
	client := newClient(t, cli, api, nil)

	prs, err := client.ListPullRequests(context.Background(), testRepo)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 1, cli.count("list"))
	assert.Equal(t, 1, api.count("list"))
}

func TestBothPathsFailReturnsAPIError(t *testing.T) {
	cli := newFakeHost("cli")
	api := newFakeHost("api")
	cli.fail("list", timeoutErr())
	apiErr := &github.APIError{Operation: "list pull requests", StatusCode: 502}
	api.fail("list", apiErr)
	client := newClient(t, cli, api, nil)

	_, err := client.ListPullRequests(context.Background(), testRepo)
	require.ErrorIs(t, err, apiErr)
	assert.Equal(t, core.KindTransientHost, core.KindOf(err))
	assert.Equal(t, 1, cli.count("list"))
	assert.Equal(t, 1, api.count("list"))
}

func TestFailuresAreNotCachedAndPrimaryIsRetried(t *testing.T) {
	cli := newFakeHost("cli")
	api := newFakeHost("api")
	cli.fail("list", timeoutErr())
	api.fail("list", &github.APIError{StatusCode: 500})
	client := newClient(t, cli, api, nil)

	_, err := client.ListPullRequests(context.Background(), testRepo)
	require.Error(t, err)

	cli.fail("list", nil)
	cli.prs = []github.PullRequest{{Number: 1}}
	prs, err := client.ListPullRequests(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Len(t, prs, 1)
	assert.Equal(t, 2, cli.count("list"))
	assert.Equal(t, 1, api.count("list"))
}

func TestListOpenPRsTimeoutFallsBackAndCaches(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	cli := newFakeHost("cli")
	api := newFakeHost("api")
	cli.fail("list", timeoutErr())
	api.prs = []github.PullRequest{{Number: 3, State: "open"}, {Number: 4, State: "open"}}
	client := newClient(t, cli, api, clock)

	first, err := client.ListPullRequests(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	advance(30 * time.Second)
	second, err := client.ListPullRequests(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cli.count("list"))
	assert.Equal(t, 1, api.count("list"))

	advance(31 * time.Second)
	_, err = client.ListPullRequests(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, 2, cli.count("list"))
	assert.Equal(t, 2, api.count("list"))
}

func TestCapacityErrorSkipsFallback(t *testing.T) {
	cli := newFakeHost("cli")
	api := newFakeHost("api")
	cli.fail("list", &pool.CapacityError{Workers: 1, QueueDepth: 1})
	client := newClient(t, cli, api, nil)

	_, err := client.ListPullRequests(context.Background(), testRepo)
	assert.Equal(t, core.KindCapacity, core.KindOf(err))
	assert.Equal(t, 0, api.count("list"))
}

func TestUnsupportedPrimaryFallsBack(t *testing.T) {
	cli := newFakeHost("cli")
	api := newFakeHost("api")
	cli.fail("commit", github.ErrUnsupported)
	client := newClient(t, cli, api, nil)

	commit, err := client.CreateCommit(context.Background(), testRepo, github.CommitInput{
		Branch: "fix", Message: "m", Files: []github.CommitFile{{Path: "a", Content: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "new", commit.SHA)
	assert.Equal(t, int32(1), api.commits.Load())
}

func TestCommitInvalidatesCachedFileReads(t *testing.T) {
	api := newFakeHost("api")
	api.files["requirements.txt"] = "requests\n"
	client := newClient(t, nil, api, nil)
	ctx := context.Background()

	fc, err := client.GetFileContent(ctx, testRepo, "requirements.txt", "fix")
	require.NoError(t, err)
	assert.Equal(t, "requests\n", fc.Content)
	_, err = client.GetFileContent(ctx, testRepo, "requirements.txt", "fix")
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("file"))

	_, err = client.CreateCommit(ctx, testRepo, github.CommitInput{
		Branch: "fix", Message: "add foo", Files: []github.CommitFile{{Path: "requirements.txt", Content: "requests\nfoo\n"}},
	})
	require.NoError(t, err)

	fc, err = client.GetFileContent(ctx, testRepo, "requirements.txt", "fix")
	require.NoError(t, err)
	assert.Equal(t, "requests\nfoo\n", fc.Content)
	assert.Equal(t, 2, api.count("file"))
}

func TestSinglePathConfigurations(t *testing.T) {
	_, err := New(nil, nil, nil, DefaultTTLs(), nil)
	require.ErrorIs(t, err, ErrNoPath)

	api := newFakeHost("api")
	api.fail("list", errors.New("boom"))
	client, err := New(nil, api, nil, DefaultTTLs(), nil)
	require.NoError(t, err)
	assert.Equal(t, "api", client.Path())
	_, err = client.ListPullRequests(context.Background(), testRepo)
	require.Error(t, err)
	assert.Equal(t, 1, api.count("list"))
}

func TestCreateIssueInvalidatesIssueList(t *testing.T) {
	api := newFakeHost("api")
	client := newClient(t, nil, api, nil)
	ctx := context.Background()

	issues, err := client.ListIssues(ctx, testRepo, "open")
	require.NoError(t, err)
	assert.Empty(t, issues)
	_, err = client.ListIssues(ctx, testRepo, "open")
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("issues"))

	_, err = client.CreateIssue(ctx, testRepo, github.IssueInput{Title: "flaky"})
	require.NoError(t, err)

	issues, err = client.ListIssues(ctx, testRepo, "open")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "flaky", issues[0].Title)
	assert.Equal(t, 2, api.count("issues"))
}

func TestRepositoryListIsCachedPerOwner(t *testing.T) {
	cli := newFakeHost("cli")
	api := newFakeHost("api")
	cli.fail("repos", timeoutErr())
	client := newClient(t, cli, api, nil)
	ctx := context.Background()

	repos, err := client.ListRepositories(ctx, "octo")
	require.NoError(t, err)
	assert.Equal(t, "octo", repos[0].Owner)
	_, err = client.ListRepositories(ctx, "octo")
	require.NoError(t, err)
	_, err = client.ListRepositories(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 2, cli.count("repos"))
	assert.Equal(t, 2, api.count("repos"))
}
