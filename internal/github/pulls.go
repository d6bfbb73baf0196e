package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

// MaxDiffBytes caps the diff attached to pull request detail reads.
const MaxDiffBytes = 50000

type apiRepository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	HTMLURL       string `json:"html_url"`
}

type apiPullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Draft   bool   `json:"draft"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p apiPullRequest) toDomain() PullRequest {
	return PullRequest{
		Number:   p.Number,
		Title:    p.Title,
		Body:     p.Body,
		State:    strings.ToLower(p.State),
		Author:   p.User.Login,
		URL:      p.HTMLURL,
		HeadRef:  p.Head.Ref,
		HeadSHA:  p.Head.SHA,
		BaseRef:  p.Base.Ref,
		Draft:    p.Draft,
		CIStatus: CIStatusUnknown,
	}
}

type apiCheckRuns struct {
	CheckRuns []struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		DetailsURL string `json:"details_url"`
		HTMLURL    string `json:"html_url"`
	} `json:"check_runs"`
}

type apiCombinedStatus struct {
	State    string `json:"state"`
	Statuses []struct {
		Context   string `json:"context"`
		State     string `json:"state"`
		TargetURL string `json:"target_url"`
	} `json:"statuses"`
}

var runIDPattern = regexp.MustCompile(`/runs/(\d+)`)

// RunIDFromURL extracts the Actions run id from a check details URL. Zero when absent.
func RunIDFromURL(u string) int64 {
	m := runIDPattern.FindStringSubmatch(u)
	if m == nil {
		return 0
	}
	id, _ := strconv.ParseInt(m[1], 10, 64)
	return id
}

func (c *Client) GetRepository(ctx context.Context, repo RepoRef) (*Repository, error) {
	var out apiRepository
	if err := c.doJSON(ctx, "get repository", http.MethodGet, repoPath(repo, ""), nil, &out); err != nil {
		return nil, err
	}
	owner := out.Owner.Login
	if owner == "" {
		owner = repo.Owner
	}
	name := out.Name
	if name == "" {
		name = repo.Name
	}
	return &Repository{Owner: owner, Name: name, DefaultBranch: out.DefaultBranch, Private: out.Private, URL: out.HTMLURL}, nil
}

func (r apiRepository) toDomain() Repository {
	return Repository{Owner: r.Owner.Login, Name: r.Name, DefaultBranch: r.DefaultBranch, Private: r.Private, URL: r.HTMLURL}
}

// ListRepositories lists an organization's repositories, then a user's when no
// organization has that name. An empty owner lists the authenticated account's.
func (c *Client) ListRepositories(ctx context.Context, owner string) ([]Repository, error) {
	owner = strings.TrimSpace(owner)
	var raw []apiRepository
	switch {
	case owner == "":
		if err := c.doJSON(ctx, "list repositories", http.MethodGet, "/user/repos?per_page=100&sort=updated", nil, &raw); err != nil {
			return nil, err
		}
	case !repoPartPattern.MatchString(owner):
		return nil, core.ValidationErrorf("invalid owner %q", owner)
	default:
		err := c.doJSON(ctx, "list repositories", http.MethodGet, "/orgs/"+owner+"/repos?per_page=100", nil, &raw)
		if core.KindOf(err) == core.KindNotFound {
			err = c.doJSON(ctx, "list repositories", http.MethodGet, "/users/"+owner+"/repos?per_page=100", nil, &raw)
		}
		if err != nil {
			return nil, err
		}
	}
	out := make([]Repository, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (c *Client) ListPullRequests(ctx context.Context, repo RepoRef) ([]PullRequest, error) {
	var raw []apiPullRequest
	if err := c.doJSON(ctx, "list pull requests", http.MethodGet, repoPath(repo, "/pulls?state=open&per_page=100"), nil, &raw); err != nil {
		return nil, err
	}
	prs := make([]PullRequest, 0, len(raw))
	for _, p := range raw {
		pr := p.toDomain()
		if checks, err := c.checks(ctx, repo, pr.HeadSHA); err == nil {
			pr.CIStatus = SummarizeChecks(checks)
		}
		prs = append(prs, pr)
	}
	return prs, nil
}

func (c *Client) GetPullRequest(ctx context.Context, repo RepoRef, number int) (*PullRequest, error) {
	var raw apiPullRequest
	if err := c.doJSON(ctx, "get pull request", http.MethodGet, repoPath(repo, "/pulls/%d", number), nil, &raw); err != nil {
		return nil, err
	}
	pr := raw.toDomain()

	diff, truncated, err := c.pullRequestDiff(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	pr.Diff = diff
	pr.DiffTruncated = truncated

	if checks, err := c.checks(ctx, repo, pr.HeadSHA); err == nil {
		pr.CIStatus = SummarizeChecks(checks)
	}
	return &pr, nil
}

func (c *Client) CreatePullRequest(ctx context.Context, repo RepoRef, in PullRequestInput) (*PullRequest, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	payload := map[string]any{"title": in.Title, "head": in.Head, "base": in.Base, "body": in.Body, "draft": in.Draft}
	var raw apiPullRequest
	if err := c.doJSON(ctx, "create pull request", http.MethodPost, repoPath(repo, "/pulls"), payload, &raw, http.StatusCreated); err != nil {
		return nil, err
	}
	pr := raw.toDomain()
	return &pr, nil
}

func (c *Client) pullRequestDiff(ctx context.Context, repo RepoRef, number int) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.request(ctx, "get pull request diff", http.MethodGet, repoPath(repo, "/pulls/%d", number), nil, "application/vnd.github.diff", http.StatusOK)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxDiffBytes+1))
	if err != nil {
		return "", false, fmt.Errorf("read pull request diff: %w", err)
	}
	if len(raw) > MaxDiffBytes {
		return string(raw[:MaxDiffBytes]), true, nil
	}
	return string(raw), false, nil
}

// checks returns check runs for sha, falling back to legacy commit statuses when the
// repository reports none.
func (c *Client) checks(ctx context.Context, repo RepoRef, sha string) ([]CheckResult, error) {
	if sha == "" {
		return nil, nil
	}
	var runs apiCheckRuns
	if err := c.doJSON(ctx, "list check runs", http.MethodGet, repoPath(repo, "/commits/%s/check-runs?per_page=100", sha), nil, &runs); err != nil {
		return nil, err
	}
	out := make([]CheckResult, 0, len(runs.CheckRuns))
	for _, r := range runs.CheckRuns {
		details := r.DetailsURL
		if details == "" {
			details = r.HTMLURL
		}
		out = append(out, CheckResult{
			Name:       r.Name,
			Status:     r.Status,
			Conclusion: r.Conclusion,
			DetailsURL: details,
			RunID:      RunIDFromURL(details),
		})
	}
	if len(out) > 0 {
		return out, nil
	}

	var combined apiCombinedStatus
	if err := c.doJSON(ctx, "get combined status", http.MethodGet, repoPath(repo, "/commits/%s/status", sha), nil, &combined); err != nil {
		return nil, err
	}
	for _, s := range combined.Statuses {
		cr := CheckResult{Name: s.Context, Status: "completed", Conclusion: s.State, DetailsURL: s.TargetURL, RunID: RunIDFromURL(s.TargetURL)}
		if s.State == "pending" {
			cr.Status, cr.Conclusion = "in_progress", ""
		}
		out = append(out, cr)
	}
	return out, nil
}

func (c *Client) ListFailingPullRequests(ctx context.Context, repo RepoRef) ([]FailingPullRequest, error) {
	var raw []apiPullRequest
	if err := c.doJSON(ctx, "list pull requests", http.MethodGet, repoPath(repo, "/pulls?state=open&per_page=100"), nil, &raw); err != nil {
		return nil, err
	}
	var out []FailingPullRequest
	for _, p := range raw {
		pr := p.toDomain()
		checks, err := c.checks(ctx, repo, pr.HeadSHA)
		if err != nil {
			return nil, err
		}
		pr.CIStatus = SummarizeChecks(checks)
		var failing []CheckResult
		for _, ch := range checks {
			if IsFailingConclusion(ch.Conclusion) {
				failing = append(failing, ch)
			}
		}
		if len(failing) > 0 {
			out = append(out, FailingPullRequest{PullRequest: pr, FailingChecks: failing})
		}
	}
	return out, nil
}

func (c *Client) CommentPullRequest(ctx context.Context, repo RepoRef, number int, body string) (*Comment, error) {
	var out struct {
		ID      int64  `json:"id"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
	}
	payload := map[string]string{"body": body}
	if err := c.doJSON(ctx, "create pr comment", http.MethodPost, repoPath(repo, "/issues/%d/comments", number), payload, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &Comment{ID: out.ID, Body: out.Body, URL: out.HTMLURL}, nil
}

func (c *Client) MergePullRequest(ctx context.Context, repo RepoRef, number int, method MergeMethod) (*MergeResult, error) {
	var out struct {
		SHA     string `json:"sha"`
		Merged  bool   `json:"merged"`
		Message string `json:"message"`
	}
	payload := map[string]string{"merge_method": string(method)}
	if err := c.doJSON(ctx, "merge pull request", http.MethodPut, repoPath(repo, "/pulls/%d/merge", number), payload, &out); err != nil {
		return nil, err
	}
	return &MergeResult{Merged: out.Merged, SHA: out.SHA, Message: out.Message}, nil
}
