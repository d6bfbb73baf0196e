package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
)

type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PublishRequest writes Files onto a new Head branch cut from Base, commits them and
// pushes Head to the configured remote.
type PublishRequest struct {
	Base    string
	Head    string
	Message string
	Files   []FileChange
	DryRun  bool
}

type PublishResult struct {
	PlannedCommands []string `json:"planned_commands"`
	CommitSHA       string   `json:"commit_sha,omitempty"`
	Remote          string   `json:"remote"`
	Head            string   `json:"head"`
}

func (r PublishRequest) validate() error {
	if err := github.ValidateBranch(r.Base); err != nil {
		return err
	}
	if err := github.ValidateBranch(r.Head); err != nil {
		return err
	}
	if r.Base == r.Head {
		return core.ValidationErrorf("head branch must differ from base %q", r.Base)
	}
	if strings.TrimSpace(r.Message) == "" {
		return core.ValidationErrorf("commit message is required")
	}
	if len(r.Files) == 0 {
		return core.ValidationErrorf("at least one file is required")
	}
	return nil
}

// Publish runs checkout base, checkout -b head, then write and add per file, commit
// and push -u. A dry run validates every path and returns the plan without touching
// the checkout.
func (w *Workspace) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	paths := make([]string, len(req.Files))
	for i, f := range req.Files {
		clean, _, err := w.resolve(f.Path)
		if err != nil {
			return nil, err
		}
		if clean == ".git" || strings.HasPrefix(clean, ".git/") {
			return nil, core.Errorf(core.KindForbidden, "writing inside .git is not allowed")
		}
		paths[i] = clean
	}

	res := &PublishResult{Remote: w.cfg.Remote, Head: req.Head}
	plan := func(args ...string) {
		res.PlannedCommands = append(res.PlannedCommands, fmt.Sprintf("%s -C %q %s", w.cfg.Git, w.root, quoteArgs(args)))
	}
	plan("checkout", req.Base)
	plan("checkout", "-b", req.Head)
	for _, p := range paths {
		res.PlannedCommands = append(res.PlannedCommands, fmt.Sprintf("write %q", p))
		plan("add", "--", p)
	}
	plan("commit", "-m", req.Message)
	plan("push", "-u", w.cfg.Remote, req.Head)
	if req.DryRun {
		return res, nil
	}

	if _, err := w.git(ctx, "checkout", req.Base); err != nil {
		return nil, err
	}
	if _, err := w.git(ctx, "checkout", "-b", req.Head); err != nil {
		return nil, err
	}
	for i, f := range req.Files {
		if _, err := w.WriteFile(paths[i], f.Content); err != nil {
			return nil, err
		}
		if _, err := w.git(ctx, "add", "--", paths[i]); err != nil {
			return nil, err
		}
	}
	if _, err := w.git(ctx, "commit", "-m", req.Message); err != nil {
		return nil, err
	}
	if _, err := w.git(ctx, "push", "-u", w.cfg.Remote, req.Head); err != nil {
		return nil, err
	}
	sha, err := w.head(ctx)
	if err != nil {
		return nil, err
	}
	res.CommitSHA = sha
	return res, nil
}

func quoteArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "-") {
			out[i] = a
			continue
		}
		out[i] = fmt.Sprintf("%q", a)
	}
	return strings.Join(out, " ")
}
