package github

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

// maxLogArchiveBytes bounds the downloaded log archive before decompression.
const maxLogArchiveBytes = 64 << 20

type apiWorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	WorkflowID int64     `json:"workflow_id"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	Event      string    `json:"event"`
	HTMLURL    string    `json:"html_url"`
	LogsURL    string    `json:"logs_url"`
	RunAttempt int       `json:"run_attempt"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r apiWorkflowRun) toDomain() WorkflowRun {
	return WorkflowRun{
		ID:         r.ID,
		Name:       r.Name,
		WorkflowID: r.WorkflowID,
		HeadBranch: r.HeadBranch,
		HeadSHA:    r.HeadSHA,
		Status:     NormalizeRunStatus(r.Status, r.Conclusion),
		Conclusion: r.Conclusion,
		Event:      r.Event,
		URL:        r.HTMLURL,
		LogsURL:    r.LogsURL,
		Attempt:    r.RunAttempt,
		CreatedAt:  r.CreatedAt,
	}
}

func (c *Client) ListWorkflows(ctx context.Context, repo RepoRef) ([]Workflow, error) {
	var out struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := c.doJSON(ctx, "list workflows", http.MethodGet, repoPath(repo, "/actions/workflows?per_page=100"), nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

func (c *Client) TriggerWorkflow(ctx context.Context, repo RepoRef, in TriggerWorkflowInput) error {
	if strings.TrimSpace(in.Workflow) == "" || strings.TrimSpace(in.Ref) == "" {
		return core.ValidationErrorf("workflow and ref are required")
	}
	payload := map[string]any{"ref": in.Ref}
	if len(in.Inputs) > 0 {
		payload["inputs"] = in.Inputs
	}
	path := repoPath(repo, "/actions/workflows/%s/dispatches", url.PathEscape(in.Workflow))
	return c.doJSON(ctx, "trigger workflow", http.MethodPost, path, payload, nil, http.StatusNoContent)
}

func (c *Client) ListWorkflowRuns(ctx context.Context, repo RepoRef, filter RunFilter) ([]WorkflowRun, error) {
	q := url.Values{}
	if filter.Branch != "" {
		q.Set("branch", filter.Branch)
	}
	if filter.HeadSHA != "" {
		q.Set("head_sha", filter.HeadSHA)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	q.Set("per_page", strconv.Itoa(limit))

	path := repoPath(repo, "/actions/runs?%s", q.Encode())
	if filter.Workflow != "" {
		path = repoPath(repo, "/actions/workflows/%s/runs?%s", url.PathEscape(filter.Workflow), q.Encode())
	}

	var out struct {
		WorkflowRuns []apiWorkflowRun `json:"workflow_runs"`
	}
	if err := c.doJSON(ctx, "list workflow runs", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	runs := make([]WorkflowRun, 0, len(out.WorkflowRuns))
	for _, r := range out.WorkflowRuns {
		runs = append(runs, r.toDomain())
	}
	return runs, nil
}

func (c *Client) GetWorkflowRun(ctx context.Context, repo RepoRef, runID int64) (*WorkflowRun, error) {
	var raw apiWorkflowRun
	if err := c.doJSON(ctx, "get workflow run", http.MethodGet, repoPath(repo, "/actions/runs/%d", runID), nil, &raw); err != nil {
		return nil, err
	}
	run := raw.toDomain()
	return &run, nil
}

func (c *Client) RerunWorkflowRun(ctx context.Context, repo RepoRef, runID int64) error {
	return c.doJSON(ctx, "rerun workflow run", http.MethodPost, repoPath(repo, "/actions/runs/%d/rerun", runID), nil, nil, http.StatusCreated)
}

// GetRunLogs downloads the run's log archive and flattens it into one text blob.
func (c *Client) GetRunLogs(ctx context.Context, repo RepoRef, runID int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.request(ctx, "get run logs", http.MethodGet, repoPath(repo, "/actions/runs/%d/logs", runID), nil, "", http.StatusOK)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxLogArchiveBytes))
	if err != nil {
		return "", core.Wrap(core.KindTransientHost, "get run logs", err)
	}
	text, err := flattenLogArchive(raw)
	if err != nil {
		return "", core.Wrap(core.KindPermanentHost, "get run logs", err)
	}
	return TailBytes(text, c.maxLogBytes), nil
}

func flattenLogArchive(raw []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open log archive: %w", err)
	}
	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var b strings.Builder
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		fmt.Fprintf(&b, "===== %s =====\n", f.Name)
		b.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

const truncatedMarker = "...[truncated]\n"

// TailBytes keeps the last max bytes of s, where CI failures are reported.
func TailBytes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	tail := s[len(s)-max:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
		tail = tail[i+1:]
	}
	return truncatedMarker + tail
}
