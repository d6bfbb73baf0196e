package toolset

import (
	"context"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

const defaultReadmeMessage = "docs: update README"

// ReadmeUpdate reports whether update_readme replaced an existing README or created
// README.md.
type ReadmeUpdate struct {
	Status    string `json:"status"`
	Path      string `json:"path"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

func repositoryTools(d Deps) []tools.Descriptor {
	h := d.Host
	return []tools.Descriptor{
		{
			Name:        "github.list_repos",
			Description: "List repositories of a user or organization; the authenticated user's when owner is omitted.",
			Schema:      []tools.Param{{Name: "owner", Type: tools.TypeString, Description: "user or organization login"}},
			Handler: tools.HandlerFunc(func(ctx context.Context, a tools.Args) (any, error) {
				repos, err := h.ListRepositories(ctx, strings.TrimSpace(a.String("owner")))
				if err != nil {
					return nil, err
				}
				out := repos[:0]
				for _, r := range repos {
					if d.Policy.CheckRepo(r.Owner+"/"+r.Name) == nil {
						out = append(out, r)
					}
				}
				return out, nil
			}),
		},
		repoTool(d, "github.create_pr", "Open a pull request from head into base (the default branch when base is omitted).",
			[]tools.Param{
				{Name: "title", Type: tools.TypeString, Required: true},
				{Name: "head", Type: tools.TypeString, Required: true, Description: "branch with the changes"},
				{Name: "base", Type: tools.TypeString, Description: "target branch"},
				{Name: "body", Type: tools.TypeString},
				{Name: "draft", Type: tools.TypeBoolean},
			},
			func(a tools.Args) error {
				if strings.TrimSpace(a.String("title")) == "" {
					return core.ValidationErrorf("title is required")
				}
				if err := github.ValidateBranch(a.String("head")); err != nil {
					return err
				}
				if b := a.String("base"); b != "" {
					return github.ValidateBranch(b)
				}
				return nil
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				in := github.PullRequestInput{
					Title: a.String("title"),
					Head:  a.String("head"),
					Base:  a.String("base"),
					Body:  a.String("body"),
					Draft: a.Bool("draft"),
				}
				if in.Base == "" {
					base, err := defaultBranch(ctx, h, repo)
					if err != nil {
						return nil, err
					}
					in.Base = base
				}
				if err := in.Validate(); err != nil {
					return nil, err
				}
				return h.CreatePullRequest(ctx, repo, in)
			}),
		repoTool(d, "github.get_readme", "Read the repository README at a ref (default branch when ref is omitted).",
			[]tools.Param{{Name: "ref", Type: tools.TypeString}}, nil,
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.GetReadme(ctx, repo, a.String("ref"))
			}),
		repoTool(d, "github.update_readme", "Replace the README on a branch, creating README.md when the repository has none.",
			[]tools.Param{
				{Name: "content", Type: tools.TypeString, Required: true},
				{Name: "branch", Type: tools.TypeString, Description: "defaults to the default branch"},
				{Name: "message", Type: tools.TypeString, Description: "commit message"},
			},
			func(a tools.Args) error {
				if b := a.String("branch"); b != "" {
					return github.ValidateBranch(b)
				}
				return nil
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return updateReadme(ctx, d, repo, a)
			}),
	}
}

func updateReadme(ctx context.Context, d Deps, repo github.RepoRef, a tools.Args) (*ReadmeUpdate, error) {
	h := d.Host
	branch := a.String("branch")
	if branch == "" {
		var err error
		if branch, err = defaultBranch(ctx, h, repo); err != nil {
			return nil, err
		}
	}
	message := strings.TrimSpace(a.String("message"))
	if message == "" {
		message = defaultReadmeMessage
	}

	in := github.PutFileInput{Path: "README.md", Content: a.String("content"), Message: message, Branch: branch}
	status := "created"
	current, err := h.GetReadme(ctx, repo, branch)
	switch {
	case err == nil:
		in.Path, in.SHA, status = current.Path, current.SHA, "updated"
	case core.KindOf(err) != core.KindNotFound:
		return nil, err
	}
	if err := d.Policy.CheckPaths([]string{in.Path}); err != nil {
		return nil, err
	}
	fc, err := h.PutFileContent(ctx, repo, in)
	if err != nil {
		return nil, err
	}
	return &ReadmeUpdate{Status: status, Path: in.Path, Branch: branch, CommitSHA: fc.CommitSHA}, nil
}

func defaultBranch(ctx context.Context, h github.Host, repo github.RepoRef) (string, error) {
	r, err := h.GetRepository(ctx, repo)
	if err != nil {
		return "", err
	}
	if r.DefaultBranch == "" {
		return "", core.Errorf(core.KindPermanentHost, "%s reports no default branch", repo)
	}
	return r.DefaultBranch, nil
}
