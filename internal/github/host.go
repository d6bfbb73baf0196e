package github

import (
	"context"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

// Host is one access path to the repository host. The local gh tool and the REST API
// both implement it so callers can order them as primary and fallback.
type Host interface {
	// Path names the access path for logs and metrics ("cli" or "api").
	Path() string

	GetRepository(ctx context.Context, repo RepoRef) (*Repository, error)
	// ListRepositories lists the repositories of a user or organization.
	ListRepositories(ctx context.Context, owner string) ([]Repository, error)
	ListPullRequests(ctx context.Context, repo RepoRef) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, repo RepoRef, number int) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, repo RepoRef, in PullRequestInput) (*PullRequest, error)
	ListFailingPullRequests(ctx context.Context, repo RepoRef) ([]FailingPullRequest, error)
	ListWorkflows(ctx context.Context, repo RepoRef) ([]Workflow, error)
	TriggerWorkflow(ctx context.Context, repo RepoRef, in TriggerWorkflowInput) error
	ListWorkflowRuns(ctx context.Context, repo RepoRef, filter RunFilter) ([]WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, repo RepoRef, runID int64) (*WorkflowRun, error)
	GetRunLogs(ctx context.Context, repo RepoRef, runID int64) (string, error)
	RerunWorkflowRun(ctx context.Context, repo RepoRef, runID int64) error
	CommentPullRequest(ctx context.Context, repo RepoRef, number int, body string) (*Comment, error)
	MergePullRequest(ctx context.Context, repo RepoRef, number int, method MergeMethod) (*MergeResult, error)
	GetFileContent(ctx context.Context, repo RepoRef, path, ref string) (*FileContent, error)
	// GetReadme returns the repository README at ref, whatever its file name.
	GetReadme(ctx context.Context, repo RepoRef, ref string) (*FileContent, error)
	PutFileContent(ctx context.Context, repo RepoRef, in PutFileInput) (*FileCommit, error)
	CreateCommit(ctx context.Context, repo RepoRef, in CommitInput) (*Commit, error)

	ListIssues(ctx context.Context, repo RepoRef, state string) ([]Issue, error)
	GetIssue(ctx context.Context, repo RepoRef, number int) (*Issue, error)
	CreateIssue(ctx context.Context, repo RepoRef, in IssueInput) (*Issue, error)
	CommentIssue(ctx context.Context, repo RepoRef, number int, body string) (*Comment, error)
	CloseIssue(ctx context.Context, repo RepoRef, number int) (*Issue, error)
}

// ErrUnsupported is returned by an access path that cannot perform an operation.
var ErrUnsupported = &core.Error{Kind: core.KindPermanentHost, Message: "operation not supported by this access path"}
