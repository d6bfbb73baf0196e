package toolset

import (
	"context"
	"strconv"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
	"github.com/vaishcodescape/OpenX-MCP/internal/patch"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

// CodeContext is what locate_code_context found and generate_fix_patch consumes.
type CodeContext struct {
	Repo           string              `json:"repo"`
	Ref            string              `json:"ref"`
	Classification heal.Classification `json:"classification"`
	Logs           string              `json:"logs,omitempty"`
	Files          []heal.FileContext  `json:"files"`
}

// AppliedFix is the commit apply_fix_to_pr pushed onto the pull request head.
type AppliedFix struct {
	PullRequest int            `json:"pull_request"`
	Branch      string         `json:"branch"`
	Files       []string       `json:"files"`
	Commit      *github.Commit `json:"commit"`
}

const defaultFixMessage = "fix: apply CI fix"

func fixTools(d Deps) []tools.Descriptor {
	h := d.Host
	classifier := d.Classifier
	if classifier == nil {
		classifier = heal.NewClassifier(nil)
	}
	gen := d.Generator
	if gen == nil {
		gen = heal.RuleGenerator{}
	}
	return []tools.Descriptor{
		repoTool(d, "github.locate_code_context", "Collect the repository files a CI failure points at, read at ref or the default branch.",
			[]tools.Param{
				{Name: "logs", Type: tools.TypeString, Description: "failure logs to classify"},
				{Name: "file_hint", Type: tools.TypeString, Description: "file the failure points at, optionally path:line"},
				{Name: "reason", Type: tools.TypeString, Description: "short failure description used when logs are omitted"},
				{Name: "ref", Type: tools.TypeString},
			},
			func(a tools.Args) error {
				if a.String("logs") == "" && a.String("file_hint") == "" {
					return core.ValidationErrorf("logs or file_hint is required")
				}
				if hint := a.String("file_hint"); hint != "" {
					path, _ := splitHint(hint)
					if _, err := patch.SafeRelativePath(path); err != nil {
						return err
					}
				}
				return nil
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				c := heal.Classification{Category: heal.CategoryUnknown, Evidence: a.String("reason")}
				if logs := a.String("logs"); logs != "" {
					c = classifier.Classify(logs)
				}
				if hint := a.String("file_hint"); hint != "" {
					path, line := splitHint(hint)
					c.FileHint, _ = patch.SafeRelativePath(path)
					c.LineHint = line
				}
				ref := a.String("ref")
				if ref == "" {
					var err error
					if ref, err = defaultBranch(ctx, h, repo); err != nil {
						return nil, err
					}
				}
				files, err := heal.GatherContext(ctx, heal.HostFetcher(h, repo, ref), heal.ContextPaths(gen, c), c)
				if err != nil {
					return nil, err
				}
				return &CodeContext{Repo: repo.String(), Ref: ref, Classification: c, Logs: a.String("logs"), Files: files}, nil
			}),
		{
			Name:        "github.generate_fix_patch",
			Description: "Draft a unified-diff fix from a code context returned by github.locate_code_context.",
			Schema: []tools.Param{
				{Name: "code_context", Type: tools.TypeObject, Required: true},
			},
			Handler: tools.Validated{
				Check: func(a tools.Args) error {
					_, err := decodeCodeContext(a)
					return err
				},
				Run: func(ctx context.Context, a tools.Args) (any, error) {
					cc, err := decodeCodeContext(a)
					if err != nil {
						return nil, err
					}
					repo, _ := github.ParseRepo(cc.Repo)
					return gen.Propose(ctx, heal.PatchRequest{
						PullRequest:    heal.PullRequestRef{Repo: repo},
						HeadSHA:        cc.Ref,
						Classification: cc.Classification,
						Logs:           cc.Logs,
						Files:          cc.Files,
					})
				},
			},
		},
		repoTool(d, "github.apply_fix_to_pr", "Apply a unified diff to an open pull request's head branch in one commit guarded by its head sha.",
			[]tools.Param{
				numberParam,
				{Name: "patch", Type: tools.TypeString, Required: true, Description: "unified diff"},
				{Name: "message", Type: tools.TypeString},
			},
			func(a tools.Args) error {
				if strings.TrimSpace(a.String("patch")) == "" {
					return core.ValidationErrorf("patch must not be empty")
				}
				return positive("number")(a)
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				pr, err := h.GetPullRequest(ctx, repo, intArg(a, "number"))
				if err != nil {
					return nil, err
				}
				if !pr.Open() {
					return nil, core.Errorf(core.KindConflict, "pull request #%d is %s", pr.Number, pr.State)
				}
				proposal := &heal.PatchProposal{UnifiedDiff: a.String("patch")}
				files, err := heal.PrepareCommit(ctx, heal.HostFetcher(h, repo, pr.HeadSHA), d.Policy, proposal, nil)
				if err != nil {
					return nil, err
				}
				message := strings.TrimSpace(a.String("message"))
				if message == "" {
					message = defaultFixMessage
				}
				commit, err := h.CreateCommit(ctx, repo, github.CommitInput{
					Branch:       pr.HeadRef,
					Message:      message,
					ExpectedHead: pr.HeadSHA,
					Files:        files,
				})
				if err != nil {
					return nil, err
				}
				return &AppliedFix{PullRequest: pr.Number, Branch: pr.HeadRef, Files: proposal.TargetFiles, Commit: commit}, nil
			}),
	}
}

func decodeCodeContext(a tools.Args) (*CodeContext, error) {
	var cc CodeContext
	if err := a.Decode("code_context", &cc); err != nil {
		return nil, core.ValidationErrorf("code_context: %v", err)
	}
	if _, err := github.ParseRepo(cc.Repo); err != nil {
		return nil, core.ValidationErrorf("code_context.repo: %v", err)
	}
	return &cc, nil
}

// splitHint separates "path:line". A suffix that is not a number stays in the path.
func splitHint(hint string) (string, int) {
	i := strings.LastIndex(hint, ":")
	if i <= 0 {
		return hint, 0
	}
	line, err := strconv.Atoi(hint[i+1:])
	if err != nil || line <= 0 {
		return hint, 0
	}
	return hint[:i], line
}
