package toolset

import (
	"context"
	"fmt"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/patch"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

type repoFunc func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error)

// repoTool builds a tool whose first parameter is the repository, resolved and
// policy-checked before the handler runs.
func repoTool(d Deps, name, description string, params []tools.Param, check func(tools.Args) error, run repoFunc) tools.Descriptor {
	return tools.Descriptor{
		Name:        name,
		Description: description,
		Schema:      append([]tools.Param{repoParam}, params...),
		Handler: tools.Validated{
			Check: func(a tools.Args) error {
				if err := d.checkRepo(a); err != nil {
					return err
				}
				if check != nil {
					return check(a)
				}
				return nil
			},
			Run: func(ctx context.Context, a tools.Args) (any, error) {
				repo, err := d.repo(a)
				if err != nil {
					return nil, err
				}
				return run(ctx, repo, a)
			},
		},
	}
}

func positive(names ...string) func(tools.Args) error {
	return func(a tools.Args) error {
		for _, n := range names {
			if v, ok := a.Int(n); ok && v <= 0 {
				return core.ValidationErrorf("%s must be positive", n)
			}
		}
		return nil
	}
}

var (
	numberParam = tools.Param{Name: "number", Type: tools.TypeInteger, Required: true, Description: "pull request number"}
	runIDParam  = tools.Param{Name: "run_id", Type: tools.TypeInteger, Required: true, Description: "workflow run id"}
)

func githubTools(d Deps) []tools.Descriptor {
	h := d.Host
	return []tools.Descriptor{
		repoTool(d, "github.get_repo", "Get a repository and its default branch.", nil, nil,
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.GetRepository(ctx, repo)
			}),
		repoTool(d, "github.list_open_prs", "List open pull requests with a CI status summary.", nil, nil,
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.ListPullRequests(ctx, repo)
			}),
		repoTool(d, "github.get_pr", "Get a pull request with its diff and CI status.",
			[]tools.Param{numberParam}, positive("number"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.GetPullRequest(ctx, repo, intArg(a, "number"))
			}),
		repoTool(d, "github.get_failing_prs", "List open pull requests whose head commit has failing checks.", nil, nil,
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.ListFailingPullRequests(ctx, repo)
			}),
		repoTool(d, "github.list_workflows", "List GitHub Actions workflows.", nil, nil,
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.ListWorkflows(ctx, repo)
			}),
		repoTool(d, "github.trigger_workflow", "Dispatch a workflow on a branch or tag (workflow_dispatch).",
			[]tools.Param{
				{Name: "workflow", Type: tools.TypeString, Required: true, Description: "workflow id or file name"},
				{Name: "ref", Type: tools.TypeString, Required: true, Description: "branch or tag"},
				{Name: "inputs", Type: tools.TypeObject, Description: "workflow inputs"},
			},
			func(a tools.Args) error {
				for k, v := range a.Map("inputs") {
					if _, ok := v.(string); !ok {
						return core.ValidationErrorf("input %q must be a string", k)
					}
				}
				return nil
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				in := github.TriggerWorkflowInput{Workflow: a.String("workflow"), Ref: a.String("ref")}
				if raw := a.Map("inputs"); len(raw) > 0 {
					in.Inputs = make(map[string]string, len(raw))
					for k, v := range raw {
						in.Inputs[k], _ = v.(string)
					}
				}
				if err := h.TriggerWorkflow(ctx, repo, in); err != nil {
					return nil, err
				}
				return Ack{Status: "dispatched", Detail: fmt.Sprintf("workflow %s on %s", in.Workflow, in.Ref)}, nil
			}),
		repoTool(d, "github.list_workflow_runs", "List workflow runs, newest first.",
			[]tools.Param{
				{Name: "workflow", Type: tools.TypeString, Description: "workflow id or file name"},
				{Name: "branch", Type: tools.TypeString},
				{Name: "head_sha", Type: tools.TypeString},
				{Name: "status", Type: tools.TypeString, Description: "host status filter, e.g. failure or in_progress"},
				{Name: "limit", Type: tools.TypeInteger},
			}, positive("limit"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.ListWorkflowRuns(ctx, repo, github.RunFilter{
					Workflow: a.String("workflow"),
					Branch:   a.String("branch"),
					HeadSHA:  a.String("head_sha"),
					Status:   a.String("status"),
					Limit:    intArg(a, "limit"),
				})
			}),
		repoTool(d, "github.get_workflow_run", "Get one workflow run.",
			[]tools.Param{runIDParam}, positive("run_id"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				n, _ := a.Int("run_id")
				return h.GetWorkflowRun(ctx, repo, n)
			}),
		repoTool(d, "github.get_run_logs", "Get the logs of a workflow run, tail-truncated to the configured size.",
			[]tools.Param{runIDParam}, positive("run_id"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				n, _ := a.Int("run_id")
				logs, err := h.GetRunLogs(ctx, repo, n)
				if err != nil {
					return nil, err
				}
				return github.RunLogs{RunID: n, Logs: logs, Bytes: len(logs)}, nil
			}),
		repoTool(d, "github.rerun_workflow_run", "Re-run a workflow run.",
			[]tools.Param{runIDParam}, positive("run_id"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				n, _ := a.Int("run_id")
				if err := h.RerunWorkflowRun(ctx, repo, n); err != nil {
					return nil, err
				}
				return Ack{Status: "rerun_requested", Detail: fmt.Sprintf("run %d", n)}, nil
			}),
		repoTool(d, "github.comment_pr", "Comment on a pull request.",
			[]tools.Param{numberParam, {Name: "body", Type: tools.TypeString, Required: true}},
			func(a tools.Args) error {
				if a.String("body") == "" {
					return core.ValidationErrorf("body must not be empty")
				}
				return positive("number")(a)
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.CommentPullRequest(ctx, repo, intArg(a, "number"), a.String("body"))
			}),
		repoTool(d, "github.merge_pr", "Merge a pull request.",
			[]tools.Param{numberParam, {Name: "method", Type: tools.TypeString, Enum: []string{"merge", "squash", "rebase"}}},
			positive("number"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				method, err := github.ParseMergeMethod(a.String("method"))
				if err != nil {
					return nil, err
				}
				return h.MergePullRequest(ctx, repo, intArg(a, "number"), method)
			}),
		repoTool(d, "github.get_file", "Read a file at a ref (default branch when ref is omitted).",
			[]tools.Param{
				{Name: "path", Type: tools.TypeString, Required: true},
				{Name: "ref", Type: tools.TypeString},
			},
			func(a tools.Args) error {
				_, err := patch.SafeRelativePath(a.String("path"))
				return err
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				path, _ := patch.SafeRelativePath(a.String("path"))
				return h.GetFileContent(ctx, repo, path, a.String("ref"))
			}),
		repoTool(d, "github.put_file", "Create or update one file on a branch.",
			[]tools.Param{
				{Name: "path", Type: tools.TypeString, Required: true},
				{Name: "content", Type: tools.TypeString, Required: true},
				{Name: "message", Type: tools.TypeString, Required: true},
				{Name: "branch", Type: tools.TypeString},
				{Name: "sha", Type: tools.TypeString, Description: "blob sha of the file being replaced"},
			},
			func(a tools.Args) error {
				path, err := patch.SafeRelativePath(a.String("path"))
				if err != nil {
					return err
				}
				if b := a.String("branch"); b != "" {
					if err := github.ValidateBranch(b); err != nil {
						return err
					}
				}
				return d.Policy.CheckPaths([]string{path})
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				path, _ := patch.SafeRelativePath(a.String("path"))
				return h.PutFileContent(ctx, repo, github.PutFileInput{
					Path:    path,
					Content: a.String("content"),
					Message: a.String("message"),
					Branch:  a.String("branch"),
					SHA:     a.String("sha"),
				})
			}),
		repoTool(d, "github.create_commit", "Commit several file changes to a branch in one commit, optionally guarded by the expected head.",
			[]tools.Param{
				{Name: "branch", Type: tools.TypeString, Required: true},
				{Name: "message", Type: tools.TypeString, Required: true},
				{Name: "expected_head", Type: tools.TypeString, Description: "fail with conflict when the branch tip differs"},
				{Name: "files", Type: tools.TypeArray, Required: true, Description: "[{path, content, delete}]"},
			},
			func(a tools.Args) error {
				_, err := commitInput(d, a)
				return err
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				in, err := commitInput(d, a)
				if err != nil {
					return nil, err
				}
				return h.CreateCommit(ctx, repo, in)
			}),
		{
			Name:        "github.run_gh_command",
			Description: "Run an allow-listed gh command (pr, issue, repo, run, workflow, api). Runs on the local gh CLI only.",
			Schema: []tools.Param{
				{Name: "args", Type: tools.TypeArray, Required: true, Description: "arguments after gh, e.g. [\"pr\", \"checks\", \"12\"]"},
			},
			Handler: tools.Validated{
				Check: func(a tools.Args) error {
					if len(a.Strings("args")) == 0 {
						return core.ValidationErrorf("args must be a non-empty list of strings")
					}
					return nil
				},
				Run: func(ctx context.Context, a tools.Args) (any, error) {
					if d.Raw == nil {
						return nil, core.Errorf(core.KindPermanentHost, "the gh command-line path is not configured")
					}
					return d.Raw.RunRaw(ctx, a.Strings("args"))
				},
			},
		},
	}
}

func commitInput(d Deps, a tools.Args) (github.CommitInput, error) {
	in := github.CommitInput{
		Branch:       a.String("branch"),
		Message:      a.String("message"),
		ExpectedHead: a.String("expected_head"),
	}
	if err := a.Decode("files", &in.Files); err != nil {
		return in, core.ValidationErrorf("files: %v", err)
	}
	paths := make([]string, 0, len(in.Files))
	for i := range in.Files {
		clean, err := patch.SafeRelativePath(in.Files[i].Path)
		if err != nil {
			return in, err
		}
		in.Files[i].Path = clean
		paths = append(paths, clean)
	}
	if err := in.Validate(); err != nil {
		return in, err
	}
	if err := d.Policy.CheckPaths(paths); err != nil {
		return in, err
	}
	return in, nil
}
