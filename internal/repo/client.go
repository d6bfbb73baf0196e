// Package repo is the dual-path repository client. Every logical operation is tried on
// the primary access path first and on the fallback path once if the primary fails.
// Reads are memoized in the shared cache; writes invalidate the families they touch.
package repo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/cache"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/pool"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
)

// ErrNoPath is returned by New when neither access path is configured.
var ErrNoPath = errors.New("repo: no access path configured")

// TTLs are the cache lifetimes per resource family.
type TTLs struct {
	Repo       time.Duration
	PullList   time.Duration
	PullDetail time.Duration
	Workflows  time.Duration
	Runs       time.Duration
	Logs       time.Duration
	Files      time.Duration
	Issues     time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Repo:       120 * time.Second,
		PullList:   60 * time.Second,
		PullDetail: 90 * time.Second,
		Workflows:  120 * time.Second,
		Runs:       10 * time.Second,
		Logs:       120 * time.Second,
		Files:      60 * time.Second,
		Issues:     60 * time.Second,
	}
}

// cache families
const (
	famRepo      = "repo"
	famPulls     = "pulls"
	famPull      = "pull"
	famFailing   = "failing_pulls"
	famWorkflows = "workflows"
	famRuns      = "runs"
	famRun       = "run"
	famLogs      = "logs"
	famFile      = "file"
	famRepos     = "repos"
	famIssues    = "issues"
	famIssue     = "issue"
)

type Client struct {
	primary  github.Host
	fallback github.Host
	cache    *cache.Cache
	ttl      TTLs
	logger   *slog.Logger
}

var _ github.Host = (*Client)(nil)

// New orders primary before fallback. Either may be nil, but not both. A nil cache
// disables memoization.
func New(primary, fallback github.Host, c *cache.Cache, ttl TTLs, logger *slog.Logger) (*Client, error) {
	if primary == nil && fallback == nil {
		return nil, ErrNoPath
	}
	if primary == nil {
		primary, fallback = fallback, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{primary: primary, fallback: fallback, cache: c, ttl: ttl, logger: logger}, nil
}

func (c *Client) Path() string {
	if c.fallback == nil {
		return c.primary.Path()
	}
	return c.primary.Path() + "+" + c.fallback.Path()
}

// Cache exposes the shared cache, nil when memoization is off.
func (c *Client) Cache() *cache.Cache { return c.cache }

// call runs fn on the primary path and, unless the failure is pool backpressure, once
// more on the fallback. When both fail the fallback's error wins.
func call[T any](ctx context.Context, c *Client, op string, fn func(context.Context, github.Host) (T, error)) (T, error) {
	v, err := fn(ctx, c.primary)
	if err == nil || c.fallback == nil {
		return v, err
	}
	var capErr *pool.CapacityError
	if errors.As(err, &capErr) {
		return v, err
	}
	if ctx.Err() != nil {
		return v, err
	}

	c.logger.Warn("primary path failed, using fallback",
		"op", op,
		"path", c.primary.Path(),
		"fallback", c.fallback.Path(),
		"err", err,
	)
	telemetry.IncHostFallback(op)
	return fn(ctx, c.fallback)
}

// read memoizes call under a key derived from family, repo and args.
func read[T any](ctx context.Context, c *Client, family string, repo github.RepoRef, args map[string]any, ttl time.Duration, fn func(context.Context, github.Host) (T, error)) (T, error) {
	return readScoped(ctx, c, family, repo.String(), args, ttl, fn)
}

// readScoped is read for families keyed by something other than a repository.
func readScoped[T any](ctx context.Context, c *Client, family, scope string, args map[string]any, ttl time.Duration, fn func(context.Context, github.Host) (T, error)) (T, error) {
	if c.cache == nil {
		return call(ctx, c, family, fn)
	}
	key := cache.Key(family, scope, args)
	v, err := c.cache.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return call(ctx, c, family, fn)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func (c *Client) invalidate(repo github.RepoRef, families ...string) {
	if c.cache == nil {
		return
	}
	for _, f := range families {
		c.cache.InvalidatePrefix(cache.Prefix(f, repo.String()))
	}
}

// InvalidateBranch drops every cached read that depends on the tip of a branch in repo.
// Cache keys are scoped per repository, so the whole repository's branch-dependent
// families are dropped.
func (c *Client) InvalidateBranch(repo github.RepoRef, branch string) {
	c.invalidate(repo, famPull, famPulls, famFailing, famRuns, famRun, famFile)
	c.logger.Debug("invalidated branch state", "repo", repo.String(), "branch", branch)
}

func (c *Client) GetRepository(ctx context.Context, repo github.RepoRef) (*github.Repository, error) {
	return read(ctx, c, famRepo, repo, nil, c.ttl.Repo, func(ctx context.Context, h github.Host) (*github.Repository, error) {
		return h.GetRepository(ctx, repo)
	})
}

// ListRepositories is cached per owner.
func (c *Client) ListRepositories(ctx context.Context, owner string) ([]github.Repository, error) {
	return readScoped(ctx, c, famRepos, owner, nil, c.ttl.Repo, func(ctx context.Context, h github.Host) ([]github.Repository, error) {
		return h.ListRepositories(ctx, owner)
	})
}

func (c *Client) ListPullRequests(ctx context.Context, repo github.RepoRef) ([]github.PullRequest, error) {
	return read(ctx, c, famPulls, repo, nil, c.ttl.PullList, func(ctx context.Context, h github.Host) ([]github.PullRequest, error) {
		return h.ListPullRequests(ctx, repo)
	})
}

func (c *Client) GetPullRequest(ctx context.Context, repo github.RepoRef, number int) (*github.PullRequest, error) {
	args := map[string]any{"number": number}
	return read(ctx, c, famPull, repo, args, c.ttl.PullDetail, func(ctx context.Context, h github.Host) (*github.PullRequest, error) {
		return h.GetPullRequest(ctx, repo, number)
	})
}

func (c *Client) ListFailingPullRequests(ctx context.Context, repo github.RepoRef) ([]github.FailingPullRequest, error) {
	return read(ctx, c, famFailing, repo, nil, c.ttl.PullList, func(ctx context.Context, h github.Host) ([]github.FailingPullRequest, error) {
		return h.ListFailingPullRequests(ctx, repo)
	})
}

func (c *Client) ListWorkflows(ctx context.Context, repo github.RepoRef) ([]github.Workflow, error) {
	return read(ctx, c, famWorkflows, repo, nil, c.ttl.Workflows, func(ctx context.Context, h github.Host) ([]github.Workflow, error) {
		return h.ListWorkflows(ctx, repo)
	})
}

func (c *Client) ListWorkflowRuns(ctx context.Context, repo github.RepoRef, filter github.RunFilter) ([]github.WorkflowRun, error) {
	args := map[string]any{
		"workflow": filter.Workflow,
		"branch":   filter.Branch,
		"head_sha": filter.HeadSHA,
		"status":   filter.Status,
		"limit":    filter.Limit,
	}
	return read(ctx, c, famRuns, repo, args, c.ttl.Runs, func(ctx context.Context, h github.Host) ([]github.WorkflowRun, error) {
		return h.ListWorkflowRuns(ctx, repo, filter)
	})
}

func (c *Client) GetWorkflowRun(ctx context.Context, repo github.RepoRef, runID int64) (*github.WorkflowRun, error) {
	args := map[string]any{"run_id": runID}
	return read(ctx, c, famRun, repo, args, c.ttl.Runs, func(ctx context.Context, h github.Host) (*github.WorkflowRun, error) {
		return h.GetWorkflowRun(ctx, repo, runID)
	})
}

func (c *Client) GetRunLogs(ctx context.Context, repo github.RepoRef, runID int64) (string, error) {
	args := map[string]any{"run_id": runID}
	return read(ctx, c, famLogs, repo, args, c.ttl.Logs, func(ctx context.Context, h github.Host) (string, error) {
		return h.GetRunLogs(ctx, repo, runID)
	})
}

func (c *Client) GetFileContent(ctx context.Context, repo github.RepoRef, path, ref string) (*github.FileContent, error) {
	args := map[string]any{"path": path, "ref": ref}
	return read(ctx, c, famFile, repo, args, c.ttl.Files, func(ctx context.Context, h github.Host) (*github.FileContent, error) {
		return h.GetFileContent(ctx, repo, path, ref)
	})
}

func (c *Client) GetReadme(ctx context.Context, repo github.RepoRef, ref string) (*github.FileContent, error) {
	args := map[string]any{"readme": true, "ref": ref}
	return read(ctx, c, famFile, repo, args, c.ttl.Files, func(ctx context.Context, h github.Host) (*github.FileContent, error) {
		return h.GetReadme(ctx, repo, ref)
	})
}

func (c *Client) ListIssues(ctx context.Context, repo github.RepoRef, state string) ([]github.Issue, error) {
	args := map[string]any{"state": state}
	return read(ctx, c, famIssues, repo, args, c.ttl.Issues, func(ctx context.Context, h github.Host) ([]github.Issue, error) {
		return h.ListIssues(ctx, repo, state)
	})
}

func (c *Client) GetIssue(ctx context.Context, repo github.RepoRef, number int) (*github.Issue, error) {
	args := map[string]any{"number": number}
	return read(ctx, c, famIssue, repo, args, c.ttl.Issues, func(ctx context.Context, h github.Host) (*github.Issue, error) {
		return h.GetIssue(ctx, repo, number)
	})
}

type none struct{}

func (c *Client) TriggerWorkflow(ctx context.Context, repo github.RepoRef, in github.TriggerWorkflowInput) error {
	_, err := call(ctx, c, "trigger_workflow", func(ctx context.Context, h github.Host) (none, error) {
		return none{}, h.TriggerWorkflow(ctx, repo, in)
	})
	c.invalidate(repo, famRuns)
	return err
}

func (c *Client) RerunWorkflowRun(ctx context.Context, repo github.RepoRef, runID int64) error {
	_, err := call(ctx, c, "rerun_workflow_run", func(ctx context.Context, h github.Host) (none, error) {
		return none{}, h.RerunWorkflowRun(ctx, repo, runID)
	})
	c.invalidate(repo, famRuns, famRun)
	return err
}

func (c *Client) CommentPullRequest(ctx context.Context, repo github.RepoRef, number int, body string) (*github.Comment, error) {
	out, err := call(ctx, c, "comment_pr", func(ctx context.Context, h github.Host) (*github.Comment, error) {
		return h.CommentPullRequest(ctx, repo, number, body)
	})
	c.invalidate(repo, famPull)
	return out, err
}

func (c *Client) MergePullRequest(ctx context.Context, repo github.RepoRef, number int, method github.MergeMethod) (*github.MergeResult, error) {
	out, err := call(ctx, c, "merge_pr", func(ctx context.Context, h github.Host) (*github.MergeResult, error) {
		return h.MergePullRequest(ctx, repo, number, method)
	})
	c.invalidate(repo, famPull, famPulls, famFailing, famRuns, famRun, famFile)
	return out, err
}

func (c *Client) PutFileContent(ctx context.Context, repo github.RepoRef, in github.PutFileInput) (*github.FileCommit, error) {
	out, err := call(ctx, c, "put_file", func(ctx context.Context, h github.Host) (*github.FileCommit, error) {
		return h.PutFileContent(ctx, repo, in)
	})
	c.InvalidateBranch(repo, in.Branch)
	return out, err
}

func (c *Client) CreateCommit(ctx context.Context, repo github.RepoRef, in github.CommitInput) (*github.Commit, error) {
	out, err := call(ctx, c, "create_commit", func(ctx context.Context, h github.Host) (*github.Commit, error) {
		return h.CreateCommit(ctx, repo, in)
	})
	c.InvalidateBranch(repo, in.Branch)
	return out, err
}

func (c *Client) CreatePullRequest(ctx context.Context, repo github.RepoRef, in github.PullRequestInput) (*github.PullRequest, error) {
	out, err := call(ctx, c, "create_pr", func(ctx context.Context, h github.Host) (*github.PullRequest, error) {
		return h.CreatePullRequest(ctx, repo, in)
	})
	c.invalidate(repo, famPulls, famFailing)
	return out, err
}

func (c *Client) CreateIssue(ctx context.Context, repo github.RepoRef, in github.IssueInput) (*github.Issue, error) {
	out, err := call(ctx, c, "create_issue", func(ctx context.Context, h github.Host) (*github.Issue, error) {
		return h.CreateIssue(ctx, repo, in)
	})
	c.invalidate(repo, famIssues)
	return out, err
}

func (c *Client) CommentIssue(ctx context.Context, repo github.RepoRef, number int, body string) (*github.Comment, error) {
	out, err := call(ctx, c, "comment_issue", func(ctx context.Context, h github.Host) (*github.Comment, error) {
		return h.CommentIssue(ctx, repo, number, body)
	})
	c.invalidate(repo, famIssues, famIssue)
	return out, err
}

func (c *Client) CloseIssue(ctx context.Context, repo github.RepoRef, number int) (*github.Issue, error) {
	out, err := call(ctx, c, "close_issue", func(ctx context.Context, h github.Host) (*github.Issue, error) {
		return h.CloseIssue(ctx, repo, number)
	})
	c.invalidate(repo, famIssues, famIssue)
	return out, err
}
