package toolset

import (
	"context"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

func ciTools(d Deps) []tools.Descriptor {
	classifier := d.Classifier
	if classifier == nil {
		classifier = heal.NewClassifier(nil)
	}
	return []tools.Descriptor{{
		Name:        "ci.analyze_failure",
		Description: "Classify CI failure logs into a category with evidence, or fetch and classify the logs of a run.",
		Schema: []tools.Param{
			{Name: "logs", Type: tools.TypeString, Description: "raw log text"},
			{Name: "run_id", Type: tools.TypeInteger, Description: "fetch logs of this run when logs is omitted"},
			repoParam,
		},
		Handler: tools.Validated{
			Check: func(a tools.Args) error {
				if a.String("logs") != "" {
					return nil
				}
				id, ok := a.Int("run_id")
				if !ok {
					return core.ValidationErrorf("logs or run_id is required")
				}
				if id <= 0 {
					return core.ValidationErrorf("run_id must be positive")
				}
				return d.checkRepo(a)
			},
			Run: func(ctx context.Context, a tools.Args) (any, error) {
				logs := a.String("logs")
				if logs == "" {
					repo, err := d.repo(a)
					if err != nil {
						return nil, err
					}
					id, _ := a.Int("run_id")
					if logs, err = d.Host.GetRunLogs(ctx, repo, id); err != nil {
						return nil, err
					}
				}
				return classifier.Classify(logs), nil
			},
		},
	}}
}

func healingTools(d Deps, h Healer) []tools.Descriptor {
	idParam := tools.Param{Name: "id", Type: tools.TypeString, Required: true, Description: "session id"}
	return []tools.Descriptor{
		repoTool(d, "healing.start_session", "Start a self-healing session for a pull request, or for the first failing one when number is omitted.",
			[]tools.Param{{Name: "number", Type: tools.TypeInteger, Description: "pull request number"}},
			positive("number"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				number := intArg(a, "number")
				if number == 0 {
					failing, err := d.Host.ListFailingPullRequests(ctx, repo)
					if err != nil {
						return nil, err
					}
					if len(failing) == 0 {
						return nil, core.ValidationErrorf("no open pull request in %s has failing checks", repo)
					}
					number = failing[0].Number
				}
				return h.Start(ctx, heal.PullRequestRef{Repo: repo, Number: number})
			}),
		{
			Name:        "healing.get_session",
			Description: "Get a healing session with its transition history.",
			Schema:      []tools.Param{idParam},
			Handler: tools.HandlerFunc(func(ctx context.Context, a tools.Args) (any, error) {
				return h.Get(ctx, a.String("id"))
			}),
		},
		{
			Name:        "healing.list_sessions",
			Description: "List healing sessions, newest first.",
			Schema:      []tools.Param{{Name: "limit", Type: tools.TypeInteger}},
			Handler: tools.Validated{
				Check: positive("limit"),
				Run: func(ctx context.Context, a tools.Args) (any, error) {
					return h.List(ctx, int(a.IntOr("limit", 20)))
				},
			},
		},
		{
			Name:        "healing.abort_session",
			Description: "Abort an active healing session.",
			Schema:      []tools.Param{idParam, {Name: "reason", Type: tools.TypeString}},
			Handler: tools.HandlerFunc(func(ctx context.Context, a tools.Args) (any, error) {
				return h.Abort(ctx, a.String("id"), a.String("reason"))
			}),
		},
	}
}
