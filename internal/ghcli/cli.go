// Package ghcli is the local-tool access path: it drives the gh command-line tool as
// subprocesses scheduled on the execution pool.
package ghcli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/pool"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
)

const DefaultTimeout = 30 * time.Second

// RawSubcommands are the gh subcommands RunRaw accepts.
var RawSubcommands = []string{"pr", "issue", "repo", "run", "workflow", "api"}

type Config struct {
	Binary  string
	Token   string
	Host    string
	Timeout time.Duration
}

// CLI implements github.Host over the gh tool.
type CLI struct {
	cfg    Config
	runner Runner
	pool   *pool.Pool
}

var _ github.Host = (*CLI)(nil)

// New builds the CLI path. A nil pool runs subprocesses on the calling goroutine.
func New(cfg Config, runner Runner, p *pool.Pool) *CLI {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "gh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if runner == nil {
		runner = NewExecRunner(0)
	}
	return &CLI{cfg: cfg, runner: runner, pool: p}
}

func (c *CLI) Path() string { return "cli" }

// HostFromBaseURL derives GH_HOST from an API base URL. Public GitHub yields "".
func HostFromBaseURL(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "api.github.com" || host == "github.com" {
		return ""
	}
	return strings.TrimPrefix(host, "api.")
}

func (c *CLI) env() []string {
	env := []string{"GH_PROMPT_DISABLED=1", "NO_COLOR=1", "GH_NO_UPDATE_NOTIFIER=1"}
	if c.cfg.Token != "" {
		env = append(env, "GH_TOKEN="+c.cfg.Token)
	}
	if c.cfg.Host != "" {
		env = append(env, "GH_HOST="+c.cfg.Host)
	}
	return env
}

// exec runs gh on the pool under the configured timeout.
func (c *CLI) exec(ctx context.Context, op string, args ...string) (Report, error) {
	inv := Invocation{Binary: c.cfg.Binary, Args: args, Env: c.env()}
	run := func(tctx context.Context) (Report, error) {
		tctx, cancel := context.WithTimeout(tctx, c.cfg.Timeout)
		defer cancel()
		return c.runner.Run(tctx, inv)
	}

	var (
		report Report
		err    error
	)
	if c.pool != nil {
		report, err = pool.Do(ctx, c.pool, run)
	} else {
		report, err = run(ctx)
	}
	if err != nil {
		telemetry.IncHostCall("cli", op, "error")
		return report, err
	}
	telemetry.IncHostCall("cli", op, "ok")
	return report, nil
}

func (c *CLI) execJSON(ctx context.Context, op string, out any, args ...string) error {
	report, err := c.exec(ctx, op, args...)
	if err != nil {
		return err
	}
	if report.StdoutTruncated {
		return core.Errorf(core.KindPermanentHost, "%s: output exceeded %d bytes", op, report.OutputLimitBytes)
	}
	if err := json.Unmarshal([]byte(report.Stdout), out); err != nil {
		return core.Wrap(core.KindPermanentHost, op, fmt.Errorf("decode gh output: %w", err))
	}
	return nil
}

// RunRaw runs an allow-listed gh command and returns its report. It never falls back.
func (c *CLI) RunRaw(ctx context.Context, args []string) (Report, error) {
	if len(args) == 0 {
		return Report{}, core.ValidationErrorf("gh arguments are required")
	}
	allowed := false
	for _, sub := range RawSubcommands {
		if args[0] == sub {
			allowed = true
			break
		}
	}
	if !allowed {
		return Report{}, core.Errorf(core.KindForbidden, "gh subcommand %q is not allowed (allowed: %s)", args[0], strings.Join(RawSubcommands, ", "))
	}
	for _, a := range args {
		if a == "--web" || a == "-w" {
			return Report{}, core.ValidationErrorf("interactive flag %s is not allowed", a)
		}
	}
	return c.exec(ctx, "raw "+args[0], args...)
}

type ghRepo struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	DefaultBranchRef struct {
		Name string `json:"name"`
	} `json:"defaultBranchRef"`
	IsPrivate bool   `json:"isPrivate"`
	URL       string `json:"url"`
}

func (c *CLI) GetRepository(ctx context.Context, repo github.RepoRef) (*github.Repository, error) {
	var raw ghRepo
	if err := c.execJSON(ctx, "get repository", &raw, "repo", "view", repo.String(), "--json", "name,owner,defaultBranchRef,isPrivate,url"); err != nil {
		return nil, err
	}
	if raw.DefaultBranchRef.Name == "" {
		return nil, core.Errorf(core.KindPermanentHost, "gh repo view: default branch missing")
	}
	return &github.Repository{
		Owner:         firstNonEmpty(raw.Owner.Login, repo.Owner),
		Name:          firstNonEmpty(raw.Name, repo.Name),
		DefaultBranch: raw.DefaultBranchRef.Name,
		Private:       raw.IsPrivate,
		URL:           raw.URL,
	}, nil
}

func (r ghRepo) toDomain() github.Repository {
	return github.Repository{
		Owner:         r.Owner.Login,
		Name:          r.Name,
		DefaultBranch: r.DefaultBranchRef.Name,
		Private:       r.IsPrivate,
		URL:           r.URL,
	}
}

// ListRepositories lists owner's repositories, or the authenticated account's when
// owner is empty.
func (c *CLI) ListRepositories(ctx context.Context, owner string) ([]github.Repository, error) {
	args := []string{"repo", "list"}
	if owner = strings.TrimSpace(owner); owner != "" {
		if strings.HasPrefix(owner, "-") || strings.ContainsAny(owner, "/ ") {
			return nil, core.ValidationErrorf("invalid owner %q", owner)
		}
		args = append(args, owner)
	}
	args = append(args, "--limit", "100", "--json", "name,owner,defaultBranchRef,isPrivate,url")
	var raw []ghRepo
	if err := c.execJSON(ctx, "list repositories", &raw, args...); err != nil {
		return nil, err
	}
	out := make([]github.Repository, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toDomain())
	}
	return out, nil
}

const prFields = "number,title,state,author,url,headRefName,headRefOid,baseRefName,isDraft,statusCheckRollup"

type ghRollupItem struct {
	TypeName   string `json:"__typename"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	DetailsURL string `json:"detailsUrl"`
	Context    string `json:"context"`
	State      string `json:"state"`
	TargetURL  string `json:"targetUrl"`
}

type ghPullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	URL               string         `json:"url"`
	HeadRefName       string         `json:"headRefName"`
	HeadRefOid        string         `json:"headRefOid"`
	BaseRefName       string         `json:"baseRefName"`
	IsDraft           bool           `json:"isDraft"`
	StatusCheckRollup []ghRollupItem `json:"statusCheckRollup"`
}

// rollupChecks converts a status check rollup into check results.
func rollupChecks(items []ghRollupItem) []github.CheckResult {
	out := make([]github.CheckResult, 0, len(items))
	for _, it := range items {
		if it.TypeName == "StatusContext" || (it.Context != "" && it.Name == "") {
			cr := github.CheckResult{Name: it.Context, DetailsURL: it.TargetURL, RunID: github.RunIDFromURL(it.TargetURL)}
			switch state := strings.ToLower(it.State); state {
			case "pending", "expected", "":
				cr.Status = "in_progress"
			default:
				cr.Status, cr.Conclusion = "completed", state
			}
			out = append(out, cr)
			continue
		}
		out = append(out, github.CheckResult{
			Name:       it.Name,
			Status:     strings.ToLower(it.Status),
			Conclusion: strings.ToLower(it.Conclusion),
			DetailsURL: it.DetailsURL,
			RunID:      github.RunIDFromURL(it.DetailsURL),
		})
	}
	return out
}

func (p ghPullRequest) toDomain() github.PullRequest {
	return github.PullRequest{
		Number:   p.Number,
		Title:    p.Title,
		Body:     p.Body,
		State:    strings.ToLower(p.State),
		Author:   p.Author.Login,
		URL:      p.URL,
		HeadRef:  p.HeadRefName,
		HeadSHA:  p.HeadRefOid,
		BaseRef:  p.BaseRefName,
		Draft:    p.IsDraft,
		CIStatus: github.SummarizeChecks(rollupChecks(p.StatusCheckRollup)),
	}
}

func (c *CLI) ListPullRequests(ctx context.Context, repo github.RepoRef) ([]github.PullRequest, error) {
	var raw []ghPullRequest
	if err := c.execJSON(ctx, "list pull requests", &raw, "pr", "list", "--repo", repo.String(), "--state", "open", "--limit", "100", "--json", prFields); err != nil {
		return nil, err
	}
	prs := make([]github.PullRequest, 0, len(raw))
	for _, p := range raw {
		prs = append(prs, p.toDomain())
	}
	return prs, nil
}

func (c *CLI) GetPullRequest(ctx context.Context, repo github.RepoRef, number int) (*github.PullRequest, error) {
	n := strconv.Itoa(number)
	var raw ghPullRequest
	if err := c.execJSON(ctx, "get pull request", &raw, "pr", "view", n, "--repo", repo.String(), "--json", prFields+",body"); err != nil {
		return nil, err
	}
	pr := raw.toDomain()

	report, err := c.exec(ctx, "get pull request diff", "pr", "diff", n, "--repo", repo.String(), "--color", "never")
	if err != nil {
		return nil, err
	}
	pr.Diff = report.Stdout
	if report.StdoutTruncated || len(pr.Diff) > github.MaxDiffBytes {
		pr.Diff = strings.TrimSuffix(pr.Diff, "\n...[output truncated]")
		if len(pr.Diff) > github.MaxDiffBytes {
			pr.Diff = pr.Diff[:github.MaxDiffBytes]
		}
		pr.DiffTruncated = true
	}
	return &pr, nil
}

func (c *CLI) CreatePullRequest(ctx context.Context, repo github.RepoRef, in github.PullRequestInput) (*github.PullRequest, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	args := []string{"pr", "create", "--repo", repo.String(), "--title", in.Title, "--body", in.Body, "--head", in.Head, "--base", in.Base}
	if in.Draft {
		args = append(args, "--draft")
	}
	report, err := c.exec(ctx, "create pull request", args...)
	if err != nil {
		return nil, err
	}
	number, err := numberFromURL(report.Stdout)
	if err != nil {
		return nil, err
	}
	var raw ghPullRequest
	if err := c.execJSON(ctx, "get pull request", &raw, "pr", "view", strconv.Itoa(number), "--repo", repo.String(), "--json", prFields+",body"); err != nil {
		return nil, err
	}
	pr := raw.toDomain()
	return &pr, nil
}

func (c *CLI) ListFailingPullRequests(ctx context.Context, repo github.RepoRef) ([]github.FailingPullRequest, error) {
	return nil, github.ErrUnsupported
}

func (c *CLI) ListWorkflows(ctx context.Context, repo github.RepoRef) ([]github.Workflow, error) {
	var raw []github.Workflow
	if err := c.execJSON(ctx, "list workflows", &raw, "workflow", "list", "--repo", repo.String(), "--all", "--json", "id,name,path,state"); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *CLI) TriggerWorkflow(ctx context.Context, repo github.RepoRef, in github.TriggerWorkflowInput) error {
	if strings.TrimSpace(in.Workflow) == "" || strings.TrimSpace(in.Ref) == "" {
		return core.ValidationErrorf("workflow and ref are required")
	}
	args := []string{"workflow", "run", in.Workflow, "--repo", repo.String(), "--ref", in.Ref}
	keys := make([]string, 0, len(in.Inputs))
	for k := range in.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-f", k+"="+in.Inputs[k])
	}
	_, err := c.exec(ctx, "trigger workflow", args...)
	return err
}

const runFields = "databaseId,name,workflowDatabaseId,headBranch,headSha,status,conclusion,event,url,attempt,createdAt"

type ghRun struct {
	DatabaseID         int64     `json:"databaseId"`
	Name               string    `json:"name"`
	WorkflowDatabaseID int64     `json:"workflowDatabaseId"`
	HeadBranch         string    `json:"headBranch"`
	HeadSHA            string    `json:"headSha"`
	Status             string    `json:"status"`
	Conclusion         string    `json:"conclusion"`
	Event              string    `json:"event"`
	URL                string    `json:"url"`
	Attempt            int       `json:"attempt"`
	CreatedAt          time.Time `json:"createdAt"`
}

func (r ghRun) toDomain() github.WorkflowRun {
	return github.WorkflowRun{
		ID:         r.DatabaseID,
		Name:       r.Name,
		WorkflowID: r.WorkflowDatabaseID,
		HeadBranch: r.HeadBranch,
		HeadSHA:    r.HeadSHA,
		Status:     github.NormalizeRunStatus(r.Status, r.Conclusion),
		Conclusion: r.Conclusion,
		Event:      r.Event,
		URL:        r.URL,
		Attempt:    r.Attempt,
		CreatedAt:  r.CreatedAt,
	}
}

func (c *CLI) ListWorkflowRuns(ctx context.Context, repo github.RepoRef, filter github.RunFilter) ([]github.WorkflowRun, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	args := []string{"run", "list", "--repo", repo.String(), "--limit", strconv.Itoa(limit), "--json", runFields}
	if filter.Workflow != "" {
		args = append(args, "--workflow", filter.Workflow)
	}
	if filter.Branch != "" {
		args = append(args, "--branch", filter.Branch)
	}
	if filter.HeadSHA != "" {
		args = append(args, "--commit", filter.HeadSHA)
	}
	if filter.Status != "" {
		args = append(args, "--status", filter.Status)
	}
	var raw []ghRun
	if err := c.execJSON(ctx, "list workflow runs", &raw, args...); err != nil {
		return nil, err
	}
	runs := make([]github.WorkflowRun, 0, len(raw))
	for _, r := range raw {
		runs = append(runs, r.toDomain())
	}
	return runs, nil
}

func (c *CLI) GetWorkflowRun(ctx context.Context, repo github.RepoRef, runID int64) (*github.WorkflowRun, error) {
	var raw ghRun
	if err := c.execJSON(ctx, "get workflow run", &raw, "run", "view", strconv.FormatInt(runID, 10), "--repo", repo.String(), "--json", runFields); err != nil {
		return nil, err
	}
	run := raw.toDomain()
	return &run, nil
}

// GetRunLogs reads the logs of the run's failed steps. Output past the runner's cap is
// reported as an error so the caller can use a path that tails large logs.
func (c *CLI) GetRunLogs(ctx context.Context, repo github.RepoRef, runID int64) (string, error) {
	report, err := c.exec(ctx, "get run logs", "run", "view", strconv.FormatInt(runID, 10), "--repo", repo.String(), "--log-failed")
	if err != nil {
		return "", err
	}
	if report.StdoutTruncated {
		return "", core.Errorf(core.KindPermanentHost, "get run logs: output exceeded %d bytes", report.OutputLimitBytes)
	}
	if strings.TrimSpace(report.Stdout) == "" {
		return "", core.Errorf(core.KindPermanentHost, "get run logs: gh returned no failed-step logs")
	}
	return report.Stdout, nil
}

func (c *CLI) RerunWorkflowRun(ctx context.Context, repo github.RepoRef, runID int64) error {
	_, err := c.exec(ctx, "rerun workflow run", "run", "rerun", strconv.FormatInt(runID, 10), "--repo", repo.String())
	return err
}

func (c *CLI) CommentPullRequest(ctx context.Context, repo github.RepoRef, number int, body string) (*github.Comment, error) {
	report, err := c.exec(ctx, "create pr comment", "pr", "comment", strconv.Itoa(number), "--repo", repo.String(), "--body", body)
	if err != nil {
		return nil, err
	}
	return &github.Comment{Body: body, URL: lastURL(report.Stdout)}, nil
}

func (c *CLI) MergePullRequest(ctx context.Context, repo github.RepoRef, number int, method github.MergeMethod) (*github.MergeResult, error) {
	report, err := c.exec(ctx, "merge pull request", "pr", "merge", strconv.Itoa(number), "--repo", repo.String(), "--"+string(method))
	if err != nil {
		return nil, err
	}
	return &github.MergeResult{Merged: true, Message: strings.TrimSpace(report.Stdout + "\n" + report.Stderr)}, nil
}

func contentsEndpoint(repo github.RepoRef, filePath string) string {
	segments := strings.Split(strings.Trim(filePath, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "repos/" + repo.String() + "/contents/" + strings.Join(segments, "/")
}

func (c *CLI) GetFileContent(ctx context.Context, repo github.RepoRef, filePath, ref string) (*github.FileContent, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, core.ValidationErrorf("path is required")
	}
	endpoint := contentsEndpoint(repo, filePath)
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	report, err := c.exec(ctx, "get file content", "api", endpoint)
	if err != nil {
		return nil, err
	}
	if report.StdoutTruncated {
		return nil, core.Errorf(core.KindPermanentHost, "get file content: output exceeded %d bytes", report.OutputLimitBytes)
	}
	return github.FileContentFromJSON([]byte(report.Stdout), filePath, ref)
}

func (c *CLI) GetReadme(ctx context.Context, repo github.RepoRef, ref string) (*github.FileContent, error) {
	endpoint := "repos/" + repo.String() + "/readme"
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	report, err := c.exec(ctx, "get readme", "api", endpoint)
	if err != nil {
		return nil, err
	}
	if report.StdoutTruncated {
		return nil, core.Errorf(core.KindPermanentHost, "get readme: output exceeded %d bytes", report.OutputLimitBytes)
	}
	return github.FileContentFromJSON([]byte(report.Stdout), "README", ref)
}

func (c *CLI) PutFileContent(ctx context.Context, repo github.RepoRef, in github.PutFileInput) (*github.FileCommit, error) {
	if strings.TrimSpace(in.Path) == "" || strings.TrimSpace(in.Message) == "" {
		return nil, core.ValidationErrorf("path and message are required")
	}
	args := []string{"api", "-X", "PUT", contentsEndpoint(repo, in.Path),
		"-f", "message=" + in.Message,
		"-f", "content=" + base64.StdEncoding.EncodeToString([]byte(in.Content)),
	}
	if in.Branch != "" {
		args = append(args, "-f", "branch="+in.Branch)
	}
	if in.SHA != "" {
		args = append(args, "-f", "sha="+in.SHA)
	}
	var out struct {
		Content struct {
			Path string `json:"path"`
			SHA  string `json:"sha"`
		} `json:"content"`
		Commit struct {
			SHA     string `json:"sha"`
			HTMLURL string `json:"html_url"`
		} `json:"commit"`
	}
	if err := c.execJSON(ctx, "put file content", &out, args...); err != nil {
		return nil, err
	}
	return &github.FileCommit{Path: out.Content.Path, ContentSHA: out.Content.SHA, CommitSHA: out.Commit.SHA, CommitURL: out.Commit.HTMLURL}, nil
}

func (c *CLI) CreateCommit(ctx context.Context, repo github.RepoRef, in github.CommitInput) (*github.Commit, error) {
	return nil, github.ErrUnsupported
}

func lastURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if strings.HasPrefix(l, "https://") || strings.HasPrefix(l, "http://") {
			return l
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsUnavailable reports whether err means the gh binary itself could not run.
func IsUnavailable(err error) bool { return errors.Is(err, ErrToolUnavailable) }
