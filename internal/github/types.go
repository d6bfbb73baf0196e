package github

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

// RepoRef identifies a repository as owner/name.
type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

var repoPartPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ParseRepo parses "owner/name".
func ParseRepo(s string) (RepoRef, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || !repoPartPattern.MatchString(parts[0]) || !repoPartPattern.MatchString(parts[1]) {
		return RepoRef{}, core.ValidationErrorf("repo must be owner/name, got %q", s)
	}
	return RepoRef{Owner: parts[0], Name: parts[1]}, nil
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Name }

// Repository is the resolved repository handle.
type Repository struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	URL           string `json:"url"`
}

// CIStatus summarizes the checks attached to a commit.
type CIStatus string

const (
	CIStatusSuccess CIStatus = "success"
	CIStatusFailure CIStatus = "failure"
	CIStatusPending CIStatus = "pending"
	CIStatusUnknown CIStatus = "unknown"
)

type PullRequest struct {
	Number        int      `json:"number"`
	Title         string   `json:"title"`
	Body          string   `json:"body,omitempty"`
	State         string   `json:"state"`
	Author        string   `json:"author"`
	URL           string   `json:"url"`
	HeadRef       string   `json:"head_ref"`
	HeadSHA       string   `json:"head_sha"`
	BaseRef       string   `json:"base_ref"`
	Draft         bool     `json:"draft"`
	CIStatus      CIStatus `json:"ci_status"`
	Diff          string   `json:"diff,omitempty"`
	DiffTruncated bool     `json:"diff_truncated,omitempty"`
}

func (p PullRequest) Open() bool { return p.State == "open" }

// CheckResult is one check run (or legacy commit status) on a commit.
type CheckResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	DetailsURL string `json:"details_url,omitempty"`
	RunID      int64  `json:"run_id,omitempty"`
}

type FailingPullRequest struct {
	PullRequest
	FailingChecks []CheckResult `json:"failing_checks"`
}

type Workflow struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	State string `json:"state"`
}

// RunStatus is the normalized lifecycle of a CI run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	WorkflowID int64     `json:"workflow_id"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	Status     RunStatus `json:"status"`
	Conclusion string    `json:"conclusion,omitempty"`
	Event      string    `json:"event,omitempty"`
	URL        string    `json:"url,omitempty"`
	LogsURL    string    `json:"logs_url,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Terminal reports whether the host will not change the run's status any more.
func (r WorkflowRun) Terminal() bool {
	return r.Status == RunSucceeded || r.Status == RunFailed
}

// failingConclusions are check/run conclusions treated as a failed CI result.
var failingConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"cancelled":       true,
	"action_required": true,
	"startup_failure": true,
	"stale":           true,
	"error":           true,
}

// IsFailingConclusion reports whether a raw host conclusion counts as failed.
func IsFailingConclusion(conclusion string) bool {
	return failingConclusions[strings.ToLower(conclusion)]
}

// NormalizeRunStatus maps host status/conclusion pairs onto RunStatus.
func NormalizeRunStatus(status, conclusion string) RunStatus {
	switch strings.ToLower(status) {
	case "completed":
		if IsFailingConclusion(conclusion) {
			return RunFailed
		}
		return RunSucceeded
	case "in_progress":
		return RunRunning
	default:
		return RunQueued
	}
}

// SummarizeChecks folds individual check results into one CIStatus.
func SummarizeChecks(checks []CheckResult) CIStatus {
	if len(checks) == 0 {
		return CIStatusUnknown
	}
	pending := false
	for _, c := range checks {
		if IsFailingConclusion(c.Conclusion) {
			return CIStatusFailure
		}
		if c.Conclusion == "" || !strings.EqualFold(c.Status, "completed") {
			pending = true
		}
	}
	if pending {
		return CIStatusPending
	}
	return CIStatusSuccess
}

type RunFilter struct {
	Workflow string `json:"workflow,omitempty"`
	Branch   string `json:"branch,omitempty"`
	HeadSHA  string `json:"head_sha,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type TriggerWorkflowInput struct {
	Workflow string            `json:"workflow"`
	Ref      string            `json:"ref"`
	Inputs   map[string]string `json:"inputs,omitempty"`
}

type Comment struct {
	ID   int64  `json:"id,omitempty"`
	Body string `json:"body"`
	URL  string `json:"url"`
}

// Issue is an issue, never a pull request.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	URL       string    `json:"url"`
	Labels    []string  `json:"labels"`
	Comments  int       `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
}

type IssueInput struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// ParseIssueState accepts open, closed or all; empty means open.
func ParseIssueState(s string) (string, error) {
	switch st := strings.ToLower(strings.TrimSpace(s)); st {
	case "":
		return "open", nil
	case "open", "closed", "all":
		return st, nil
	default:
		return "", core.ValidationErrorf("state must be open, closed or all, got %q", s)
	}
}

type PullRequestInput struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body,omitempty"`
	Draft bool   `json:"draft,omitempty"`
}

func (in PullRequestInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return core.ValidationErrorf("title is required")
	}
	if err := ValidateBranch(in.Head); err != nil {
		return err
	}
	if err := ValidateBranch(in.Base); err != nil {
		return err
	}
	if in.Head == in.Base {
		return core.ValidationErrorf("head and base must differ")
	}
	return nil
}

type MergeMethod string

const (
	MergeMerge  MergeMethod = "merge"
	MergeSquash MergeMethod = "squash"
	MergeRebase MergeMethod = "rebase"
)

func ParseMergeMethod(s string) (MergeMethod, error) {
	switch m := MergeMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MergeMerge, nil
	case MergeMerge, MergeSquash, MergeRebase:
		return m, nil
	default:
		return "", core.ValidationErrorf("merge method must be merge, squash or rebase, got %q", s)
	}
}

type MergeResult struct {
	Merged  bool   `json:"merged"`
	SHA     string `json:"sha,omitempty"`
	Message string `json:"message,omitempty"`
}

type FileContent struct {
	Path    string `json:"path"`
	Ref     string `json:"ref,omitempty"`
	SHA     string `json:"sha"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

type PutFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Message string `json:"message"`
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty"`
}

type FileCommit struct {
	Path       string `json:"path"`
	ContentSHA string `json:"content_sha"`
	CommitSHA  string `json:"commit_sha"`
	CommitURL  string `json:"commit_url,omitempty"`
}

type CommitFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

type CommitInput struct {
	Branch       string       `json:"branch"`
	Message      string       `json:"message"`
	ExpectedHead string       `json:"expected_head,omitempty"`
	Files        []CommitFile `json:"files"`
}

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// ValidateBranch rejects branch names git or the shell would misread.
func ValidateBranch(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return core.ValidationErrorf("branch is required")
	}
	if strings.HasPrefix(trimmed, "-") || strings.Contains(trimmed, "..") || strings.HasSuffix(trimmed, ".lock") || !branchNamePattern.MatchString(trimmed) {
		return core.ValidationErrorf("invalid branch name: %q", name)
	}
	return nil
}

func (in CommitInput) Validate() error {
	if err := ValidateBranch(in.Branch); err != nil {
		return err
	}
	if strings.TrimSpace(in.Message) == "" {
		return core.ValidationErrorf("commit message is required")
	}
	if len(in.Files) == 0 {
		return core.ValidationErrorf("at least one file is required")
	}
	seen := make(map[string]bool, len(in.Files))
	for _, f := range in.Files {
		if strings.TrimSpace(f.Path) == "" {
			return core.ValidationErrorf("file path is required")
		}
		if seen[f.Path] {
			return core.ValidationErrorf("duplicate file path %q", f.Path)
		}
		seen[f.Path] = true
	}
	return nil
}

type Commit struct {
	SHA    string `json:"sha"`
	URL    string `json:"url,omitempty"`
	Branch string `json:"branch"`
	Parent string `json:"parent"`
}

// TipMismatchError reports that a branch moved away from the expected head commit.
type TipMismatchError struct {
	Branch   string
	Expected string
	Actual   string
}

func (e *TipMismatchError) Error() string {
	return fmt.Sprintf("branch %s moved: expected head %s, found %s", e.Branch, short(e.Expected), short(e.Actual))
}

func (e *TipMismatchError) ErrorKind() core.Kind { return core.KindConflict }

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// RunLogs is the flattened log text of one workflow run.
type RunLogs struct {
	RunID int64  `json:"run_id"`
	Logs  string `json:"logs"`
	Bytes int    `json:"bytes"`
}
