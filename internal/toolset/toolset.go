// Package toolset registers the GitHub, CI, workspace and healing tools on a registry.
package toolset

import (
	"context"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/ghcli"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
	"github.com/vaishcodescape/OpenX-MCP/internal/workspace"
)

// RawRunner runs allow-listed gh commands. *ghcli.CLI implements it.
type RawRunner interface {
	RunRaw(ctx context.Context, args []string) (ghcli.Report, error)
}

// Healer is the orchestrator surface the healing tools use.
type Healer interface {
	Start(ctx context.Context, pr heal.PullRequestRef) (heal.Session, error)
	Get(ctx context.Context, id string) (heal.Session, error)
	List(ctx context.Context, limit int) ([]heal.Session, error)
	Abort(ctx context.Context, id, reason string) (heal.Session, error)
}

type Deps struct {
	Host github.Host
	// Raw is nil when no gh binary is configured.
	Raw        RawRunner
	Classifier *heal.Classifier
	// Generator drafts patches for github.generate_fix_patch; nil means the built-in rules.
	Generator heal.PatchGenerator
	// Ledger remembers idempotent issue writes; nil means an in-memory ledger.
	Ledger core.IdempotencyLedger
	// Workspace is nil when no local checkout is configured.
	Workspace *workspace.Workspace
	Policy    *core.Policy
	// ActiveRepo is used when a call omits repo.
	ActiveRepo string
}

// Ack is the payload of write tools that have nothing else to return.
type Ack struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

var repoParam = tools.Param{Name: "repo", Type: tools.TypeString, Description: "owner/name; defaults to the active repository"}

func (d Deps) repo(args tools.Args) (github.RepoRef, error) {
	name := strings.TrimSpace(args.String("repo"))
	if name == "" {
		name = d.ActiveRepo
	}
	if name == "" {
		return github.RepoRef{}, core.ValidationErrorf("repo is required: pass owner/name or configure an active repository")
	}
	ref, err := github.ParseRepo(name)
	if err != nil {
		return github.RepoRef{}, err
	}
	if err := d.Policy.CheckRepo(ref.String()); err != nil {
		return github.RepoRef{}, err
	}
	return ref, nil
}

func (d Deps) checkRepo(args tools.Args) error {
	_, err := d.repo(args)
	return err
}

// Register adds every tool. The healing tools are registered only when h is not nil,
// so the orchestrator can be built on the registry before its own tools exist.
func Register(r *tools.Registry, d Deps, h Healer) error {
	if d.Ledger == nil {
		d.Ledger = core.NewMemoryLedger(0)
	}
	groups := [][]tools.Descriptor{
		githubTools(d), repositoryTools(d), issueTools(d), fixTools(d), ciTools(d), workspaceTools(d),
	}
	if h != nil {
		groups = append(groups, healingTools(d, h))
	}
	for _, g := range groups {
		for _, desc := range g {
			if err := r.Register(desc); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterHealing adds the healing tools once the orchestrator exists.
func RegisterHealing(r *tools.Registry, d Deps, h Healer) error {
	for _, desc := range healingTools(d, h) {
		if err := r.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func intArg(args tools.Args, name string) int {
	n, _ := args.Int(name)
	return int(n)
}
