package github

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

type apiIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Comments    int             `json:"comments"`
	CreatedAt   time.Time       `json:"created_at"`
	PullRequest json.RawMessage `json:"pull_request"`
}

func (i apiIssue) toDomain() Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	return Issue{
		Number:    i.Number,
		Title:     i.Title,
		Body:      i.Body,
		State:     strings.ToLower(i.State),
		Author:    i.User.Login,
		URL:       i.HTMLURL,
		Labels:    labels,
		Comments:  i.Comments,
		CreatedAt: i.CreatedAt,
	}
}

// ListIssues skips pull requests, which the issues endpoint also returns.
func (c *Client) ListIssues(ctx context.Context, repo RepoRef, state string) ([]Issue, error) {
	state, err := ParseIssueState(state)
	if err != nil {
		return nil, err
	}
	var raw []apiIssue
	if err := c.doJSON(ctx, "list issues", http.MethodGet, repoPath(repo, "/issues?state=%s&per_page=100", state), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(raw))
	for _, i := range raw {
		if len(i.PullRequest) > 0 && string(i.PullRequest) != "null" {
			continue
		}
		out = append(out, i.toDomain())
	}
	return out, nil
}

func (c *Client) GetIssue(ctx context.Context, repo RepoRef, number int) (*Issue, error) {
	var raw apiIssue
	if err := c.doJSON(ctx, "get issue", http.MethodGet, repoPath(repo, "/issues/%d", number), nil, &raw); err != nil {
		return nil, err
	}
	if len(raw.PullRequest) > 0 && string(raw.PullRequest) != "null" {
		return nil, core.Errorf(core.KindNotFound, "#%d in %s is a pull request, not an issue", number, repo)
	}
	issue := raw.toDomain()
	return &issue, nil
}

func (c *Client) CreateIssue(ctx context.Context, repo RepoRef, in IssueInput) (*Issue, error) {
	if err := core.ValidateIssueInput(in.Title, in.Body, in.Labels); err != nil {
		return nil, err
	}
	payload := map[string]any{"title": strings.TrimSpace(in.Title), "body": in.Body}
	if len(in.Labels) > 0 {
		payload["labels"] = in.Labels
	}
	var raw apiIssue
	if err := c.doJSON(ctx, "create issue", http.MethodPost, repoPath(repo, "/issues"), payload, &raw, http.StatusCreated); err != nil {
		return nil, err
	}
	issue := raw.toDomain()
	return &issue, nil
}

func (c *Client) CommentIssue(ctx context.Context, repo RepoRef, number int, body string) (*Comment, error) {
	if strings.TrimSpace(body) == "" {
		return nil, core.ValidationErrorf("body must not be empty")
	}
	var out struct {
		ID      int64  `json:"id"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
	}
	payload := map[string]string{"body": body}
	if err := c.doJSON(ctx, "create issue comment", http.MethodPost, repoPath(repo, "/issues/%d/comments", number), payload, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &Comment{ID: out.ID, Body: out.Body, URL: out.HTMLURL}, nil
}

func (c *Client) CloseIssue(ctx context.Context, repo RepoRef, number int) (*Issue, error) {
	var raw apiIssue
	payload := map[string]string{"state": "closed"}
	if err := c.doJSON(ctx, "close issue", http.MethodPatch, repoPath(repo, "/issues/%d", number), payload, &raw); err != nil {
		return nil, err
	}
	issue := raw.toDomain()
	return &issue, nil
}
