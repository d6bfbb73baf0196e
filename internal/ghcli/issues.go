package ghcli

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
)

const issueFields = "number,title,state,author,url,labels,createdAt"

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Comments  []json.RawMessage `json:"comments"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (i ghIssue) toDomain() github.Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	return github.Issue{
		Number:    i.Number,
		Title:     i.Title,
		Body:      i.Body,
		State:     strings.ToLower(i.State),
		Author:    i.Author.Login,
		URL:       i.URL,
		Labels:    labels,
		Comments:  len(i.Comments),
		CreatedAt: i.CreatedAt,
	}
}

var numberURLPattern = regexp.MustCompile(`/(?:issues|pull)/(\d+)\s*$`)

// numberFromURL reads the issue or pull request number gh prints after creating one.
func numberFromURL(out string) (int, error) {
	u := lastURL(out)
	m := numberURLPattern.FindStringSubmatch(u)
	if m == nil {
		return 0, core.Errorf(core.KindPermanentHost, "gh printed no issue or pull request URL: %q", strings.TrimSpace(out))
	}
	return strconv.Atoi(m[1])
}

func (c *CLI) ListIssues(ctx context.Context, repo github.RepoRef, state string) ([]github.Issue, error) {
	state, err := github.ParseIssueState(state)
	if err != nil {
		return nil, err
	}
	var raw []ghIssue
	if err := c.execJSON(ctx, "list issues", &raw, "issue", "list", "--repo", repo.String(), "--state", state, "--limit", "100", "--json", issueFields); err != nil {
		return nil, err
	}
	out := make([]github.Issue, 0, len(raw))
	for _, i := range raw {
		out = append(out, i.toDomain())
	}
	return out, nil
}

func (c *CLI) GetIssue(ctx context.Context, repo github.RepoRef, number int) (*github.Issue, error) {
	var raw ghIssue
	if err := c.execJSON(ctx, "get issue", &raw, "issue", "view", strconv.Itoa(number), "--repo", repo.String(), "--json", issueFields+",body,comments"); err != nil {
		return nil, err
	}
	issue := raw.toDomain()
	return &issue, nil
}

func (c *CLI) CreateIssue(ctx context.Context, repo github.RepoRef, in github.IssueInput) (*github.Issue, error) {
	if err := core.ValidateIssueInput(in.Title, in.Body, in.Labels); err != nil {
		return nil, err
	}
	args := []string{"issue", "create", "--repo", repo.String(), "--title", strings.TrimSpace(in.Title), "--body", in.Body}
	for _, l := range in.Labels {
		args = append(args, "--label", l)
	}
	report, err := c.exec(ctx, "create issue", args...)
	if err != nil {
		return nil, err
	}
	number, err := numberFromURL(report.Stdout)
	if err != nil {
		return nil, err
	}
	return c.GetIssue(ctx, repo, number)
}

func (c *CLI) CommentIssue(ctx context.Context, repo github.RepoRef, number int, body string) (*github.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return nil, core.ValidationErrorf("body must not be empty")
	}
	report, err := c.exec(ctx, "create issue comment", "issue", "comment", strconv.Itoa(number), "--repo", repo.String(), "--body", body)
	if err != nil {
		return nil, err
	}
	return &github.Comment{Body: body, URL: lastURL(report.Stdout)}, nil
}

func (c *CLI) CloseIssue(ctx context.Context, repo github.RepoRef, number int) (*github.Issue, error) {
	if _, err := c.exec(ctx, "close issue", "issue", "close", strconv.Itoa(number), "--repo", repo.String()); err != nil {
		return nil, err
	}
	return c.GetIssue(ctx, repo, number)
}
