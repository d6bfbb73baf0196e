package ghcli

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
)

const issueJSON = `{"number": 9, "title": "Flaky test", "body": "seen twice", "state": "OPEN", "author": {"login": "dev"},
  "url": "https://github.com/octo/app/issues/9", "labels": [{"name": "bug"}], "comments": [{}, {}], "createdAt": "2026-03-01T12:00:00Z"}`

func TestCreateIssueReadsBackCreatedIssue(t *testing.T) {
	runner := newFakeRunner()
	runner.on("issue create", "Creating issue in octo/app\n\nhttps://github.com/octo/app/issues/9\n", nil)
	runner.on("issue view 9", issueJSON, nil)
	c := New(Config{}, runner, nil)

	issue, err := c.CreateIssue(context.Background(), repo, github.IssueInput{Title: " Flaky test ", Body: "seen twice", Labels: []string{"bug", "ci"}})
	require.NoError(t, err)
	assert.Equal(t, 9, issue.Number)
	assert.Equal(t, "open", issue.State)
	assert.Equal(t, []string{"bug"}, issue.Labels)
	assert.Equal(t, 2, issue.Comments)

	require.Len(t, runner.calls, 2)
	args := strings.Join(runner.calls[0].Args, " ")
	assert.Contains(t, args, "--title Flaky test --body seen twice")
	assert.Contains(t, args, "--label bug --label ci")

	_, err = c.CreateIssue(context.Background(), repo, github.IssueInput{Title: "  "})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	assert.Len(t, runner.calls, 2)
}

func TestListIssuesPassesState(t *testing.T) {
	runner := newFakeRunner()
	runner.on("issue list", "["+issueJSON+"]", nil)
	c := New(Config{}, runner, nil)

	issues, err := c.ListIssues(context.Background(), repo, "")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, strings.Join(runner.calls[0].Args, " "), "--state open")

	_, err = c.ListIssues(context.Background(), repo, "merged")
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestCloseIssueAndComment(t *testing.T) {
	runner := newFakeRunner()
	runner.on("issue close 9", "", nil)
	runner.on("issue view 9", strings.Replace(issueJSON, `"OPEN"`, `"CLOSED"`, 1), nil)
	runner.on("issue comment 9", "https://github.com/octo/app/issues/9#issuecomment-1\n", nil)
	c := New(Config{}, runner, nil)

	issue, err := c.CloseIssue(context.Background(), repo, 9)
	require.NoError(t, err)
	assert.Equal(t, "closed", issue.State)

	comment, err := c.CommentIssue(context.Background(), repo, 9, "fixed by #12")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/octo/app/issues/9#issuecomment-1", comment.URL)
}

func TestCreatePullRequest(t *testing.T) {
	runner := newFakeRunner()
	runner.on("pr create", "https://github.com/octo/app/pull/21\n", nil)
	runner.on("pr view 21", `{"number": 21, "title": "docs", "state": "OPEN", "headRefName": "docs", "baseRefName": "main", "isDraft": true}`, nil)
	c := New(Config{}, runner, nil)

	pr, err := c.CreatePullRequest(context.Background(), repo, github.PullRequestInput{Title: "docs", Head: "docs", Base: "main", Draft: true})
	require.NoError(t, err)
	assert.Equal(t, 21, pr.Number)
	assert.True(t, pr.Draft)
	assert.Contains(t, runner.calls[0].Args, "--draft")

	_, err = c.CreatePullRequest(context.Background(), repo, github.PullRequestInput{Title: "x", Head: "main", Base: "main"})
	assert.Error(t, err)
}

func TestListRepositoriesAndReadme(t *testing.T) {
	runner := newFakeRunner()
	runner.on("repo list octo", `[{"name": "app", "owner": {"login": "octo"}, "defaultBranchRef": {"name": "main"}, "url": "https://github.com/octo/app"}]`, nil)
	runner.on("api repos/octo/app/readme", `{"type": "file", "path": "README.md", "sha": "r1", "encoding": "base64", "content": "IyBBcHAK"}`, nil)
	c := New(Config{}, runner, nil)

	repos, err := c.ListRepositories(context.Background(), "octo")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "main", repos[0].DefaultBranch)

	_, err = c.ListRepositories(context.Background(), "--web")
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	readme, err := c.GetReadme(context.Background(), repo, "")
	require.NoError(t, err)
	assert.Equal(t, "README.md", readme.Path)
	assert.Equal(t, "# App\n", readme.Content)
}

func TestNumberFromURL(t *testing.T) {
	n, err := numberFromURL("warning\nhttps://github.com/octo/app/pull/7\n")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = numberFromURL("nothing here")
	assert.Error(t, err)
}
