package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

const (
	toolCreateIssue  = "github.create_issue"
	toolCreateIssues = "github.create_issues"
)

// IssueResult is one created issue. Replayed marks an answer recalled from the
// idempotency ledger instead of a new host write.
type IssueResult struct {
	Index    int           `json:"index"`
	Issue    *github.Issue `json:"issue,omitempty"`
	Replayed bool          `json:"replayed,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type BatchResult struct {
	Mode         core.BatchMode `json:"mode"`
	Status       string         `json:"status"`
	Total        int            `json:"total"`
	Processed    int            `json:"processed"`
	Errors       int            `json:"errors"`
	Replayed     int            `json:"replayed"`
	CreatedFresh int            `json:"created_fresh"`
	StoppedAt    *int           `json:"stopped_at,omitempty"`
	FailedReason string         `json:"failed_reason,omitempty"`
	Results      []IssueResult  `json:"results"`
}

var (
	issueNumberParam = tools.Param{Name: "number", Type: tools.TypeInteger, Required: true, Description: "issue number"}
	idempotencyParam = tools.Param{Name: "idempotency_key", Type: tools.TypeString, Description: "repeat-safe key; a retry with the same key and payload returns the first result"}
)

type issueArgs struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

func issueTools(d Deps) []tools.Descriptor {
	h := d.Host
	return []tools.Descriptor{
		repoTool(d, "github.list_issues", "List issues, excluding pull requests.",
			[]tools.Param{{Name: "state", Type: tools.TypeString, Enum: []string{"open", "closed", "all"}}}, nil,
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				state, err := github.ParseIssueState(a.String("state"))
				if err != nil {
					return nil, err
				}
				return h.ListIssues(ctx, repo, state)
			}),
		repoTool(d, "github.get_issue", "Get one issue.",
			[]tools.Param{issueNumberParam}, positive("number"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.GetIssue(ctx, repo, intArg(a, "number"))
			}),
		repoTool(d, toolCreateIssue, "Create an issue. With an idempotency key, a retry returns the issue created first.",
			[]tools.Param{
				{Name: "title", Type: tools.TypeString, Required: true},
				{Name: "body", Type: tools.TypeString},
				{Name: "labels", Type: tools.TypeArray},
				idempotencyParam,
			},
			func(a tools.Args) error {
				return core.ValidateIssueInput(a.String("title"), a.String("body"), a.Strings("labels"))
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				in := issueArgs{Title: a.String("title"), Body: a.String("body"), Labels: a.Strings("labels")}
				res, err := d.createIssue(ctx, repo, toolCreateIssue, a.String("idempotency_key"), in, nil)
				if err != nil {
					return nil, err
				}
				return res, nil
			}),
		repoTool(d, toolCreateIssues, "Create up to 50 issues. Strict mode stops at the first host failure; partial mode carries on.",
			[]tools.Param{
				{Name: "issues", Type: tools.TypeArray, Required: true, Description: "[{title, body, labels}]"},
				{Name: "mode", Type: tools.TypeString, Enum: []string{string(core.BatchModePartial), string(core.BatchModeStrict)}},
				idempotencyParam,
			},
			func(a tools.Args) error {
				_, err := batchArgs(a)
				return err
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				issues, err := batchArgs(a)
				if err != nil {
					return nil, err
				}
				mode, err := core.ParseBatchMode(a.String("mode"))
				if err != nil {
					return nil, err
				}
				return d.createIssues(ctx, repo, mode, a.String("idempotency_key"), issues)
			}),
		repoTool(d, "github.comment_issue", "Comment on an issue.",
			[]tools.Param{issueNumberParam, {Name: "body", Type: tools.TypeString, Required: true}},
			func(a tools.Args) error {
				if strings.TrimSpace(a.String("body")) == "" {
					return core.ValidationErrorf("body must not be empty")
				}
				return positive("number")(a)
			},
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.CommentIssue(ctx, repo, intArg(a, "number"), a.String("body"))
			}),
		repoTool(d, "github.close_issue", "Close an issue.",
			[]tools.Param{issueNumberParam}, positive("number"),
			func(ctx context.Context, repo github.RepoRef, a tools.Args) (any, error) {
				return h.CloseIssue(ctx, repo, intArg(a, "number"))
			}),
	}
}

func batchArgs(a tools.Args) ([]issueArgs, error) {
	var issues []issueArgs
	if err := a.Decode("issues", &issues); err != nil {
		return nil, core.ValidationErrorf("issues: %v", err)
	}
	if len(issues) == 0 {
		return nil, core.ValidationErrorf("issues must not be empty")
	}
	if len(issues) > core.MaxBatchSize {
		return nil, core.ValidationErrorf("issues exceed %d items", core.MaxBatchSize)
	}
	for i, in := range issues {
		if err := core.ValidateIssueInput(in.Title, in.Body, in.Labels); err != nil {
			return nil, core.ValidationErrorf("issue %d: %v", i, err)
		}
	}
	return issues, nil
}

// createIssue creates one issue, or replays the recorded one when key was used before
// with the same payload. index is set for batch items.
func (d Deps) createIssue(ctx context.Context, repo github.RepoRef, tool, key string, in issueArgs, index *int) (*IssueResult, error) {
	res := &IssueResult{}
	if index != nil {
		res.Index = *index
	}
	key = strings.TrimSpace(key)
	if key == "" || d.Ledger == nil {
		issue, err := d.Host.CreateIssue(ctx, repo, github.IssueInput{Title: in.Title, Body: in.Body, Labels: in.Labels})
		if err != nil {
			return nil, err
		}
		res.Issue = issue
		return res, nil
	}

	ledgerKey := key
	if index != nil {
		ledgerKey = fmt.Sprintf("%s#%d", key, *index)
	}
	hash, err := core.IssueRequestHash(key, tool, repo.String(), in.Title, in.Body, in.Labels, index)
	if err != nil {
		return nil, err
	}
	rec, err := d.Ledger.Recall(ctx, tool, ledgerKey)
	if err != nil {
		return nil, fmt.Errorf("recall idempotency key: %w", err)
	}
	if rec != nil {
		if rec.RequestHash != hash {
			return nil, &core.IdempotencyConflictError{Key: ledgerKey}
		}
		var issue github.Issue
		if err := json.Unmarshal(rec.Response, &issue); err != nil {
			return nil, fmt.Errorf("decode recorded issue: %w", err)
		}
		res.Issue, res.Replayed = &issue, true
		return res, nil
	}

	issue, err := d.Host.CreateIssue(ctx, repo, github.IssueInput{Title: in.Title, Body: in.Body, Labels: in.Labels})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(issue)
	if err != nil {
		return nil, fmt.Errorf("encode issue: %w", err)
	}
	if err := d.Ledger.Remember(ctx, core.IdempotencyRecord{
		Key:         ledgerKey,
		Tool:        tool,
		RequestHash: hash,
		Response:    payload,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("record idempotency key: %w", err)
	}
	res.Issue = issue
	return res, nil
}

func (d Deps) createIssues(ctx context.Context, repo github.RepoRef, mode core.BatchMode, key string, issues []issueArgs) (*BatchResult, error) {
	out := &BatchResult{Mode: mode, Total: len(issues), Results: make([]IssueResult, 0, len(issues))}
	for i, in := range issues {
		idx := i
		res, err := d.createIssue(ctx, repo, toolCreateIssues, key, in, &idx)
		out.Processed = i + 1
		if err != nil {
			// A reused key with a different payload fails the whole batch.
			if core.KindOf(err) == core.KindConflict || ctx.Err() != nil {
				return nil, err
			}
			out.Errors++
			out.Results = append(out.Results, IssueResult{Index: i, Error: err.Error()})
			if mode == core.BatchModeStrict {
				stopped := i
				out.StoppedAt = &stopped
				out.FailedReason = err.Error()
				break
			}
			continue
		}
		if res.Replayed {
			out.Replayed++
		} else {
			out.CreatedFresh++
		}
		out.Results = append(out.Results, *res)
	}
	out.Status = core.DeriveBatchStatus(out.Processed, out.Replayed, out.Errors)
	return out, nil
}
