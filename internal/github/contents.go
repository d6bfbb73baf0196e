package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

func contentsPath(repo RepoRef, filePath string) string {
	segments := strings.Split(strings.Trim(filePath, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return repoPath(repo, "/contents/%s", strings.Join(segments, "/"))
}

func refPath(branch string) string {
	segments := strings.Split(branch, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (c *Client) GetFileContent(ctx context.Context, repo RepoRef, filePath, ref string) (*FileContent, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, core.ValidationErrorf("path is required")
	}
	p := contentsPath(repo, filePath)
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, "get file content", http.MethodGet, p, nil, &raw); err != nil {
		return nil, err
	}
	return FileContentFromJSON(raw, filePath, ref)
}

func (c *Client) GetReadme(ctx context.Context, repo RepoRef, ref string) (*FileContent, error) {
	p := repoPath(repo, "/readme")
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, "get readme", http.MethodGet, p, nil, &raw); err != nil {
		return nil, err
	}
	return FileContentFromJSON(raw, "README", ref)
}

// FileContentFromJSON decodes a contents API document. Both access paths receive the
// same document shape.
func FileContentFromJSON(data []byte, filePath, ref string) (*FileContent, error) {
	var raw struct {
		Type     string `json:"type"`
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Size     int    `json:"size"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, core.Wrap(core.KindPermanentHost, "get file content", fmt.Errorf("decode response: %w", err))
	}
	if raw.Type != "" && raw.Type != "file" {
		return nil, core.ValidationErrorf("%s is a %s, not a file", filePath, raw.Type)
	}
	content := raw.Content
	if raw.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw.Content, "\n", ""))
		if err != nil {
			return nil, core.Wrap(core.KindPermanentHost, "get file content", err)
		}
		content = string(decoded)
	}
	return &FileContent{Path: raw.Path, Ref: ref, SHA: raw.SHA, Content: content, Size: raw.Size}, nil
}

func (c *Client) PutFileContent(ctx context.Context, repo RepoRef, in PutFileInput) (*FileCommit, error) {
	if strings.TrimSpace(in.Path) == "" || strings.TrimSpace(in.Message) == "" {
		return nil, core.ValidationErrorf("path and message are required")
	}
	payload := map[string]string{
		"message": in.Message,
		"content": base64.StdEncoding.EncodeToString([]byte(in.Content)),
	}
	if in.Branch != "" {
		payload["branch"] = in.Branch
	}
	if in.SHA != "" {
		payload["sha"] = in.SHA
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
	if err := c.doJSON(ctx, "put file content", http.MethodPut, contentsPath(repo, in.Path), payload, &out, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return &FileCommit{Path: out.Content.Path, ContentSHA: out.Content.SHA, CommitSHA: out.Commit.SHA, CommitURL: out.Commit.HTMLURL}, nil
}

type apiRef struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

func (c *Client) branchHead(ctx context.Context, repo RepoRef, branch string) (string, error) {
	var ref apiRef
	if err := c.doJSON(ctx, "get ref", http.MethodGet, repoPath(repo, "/git/ref/heads/%s", refPath(branch)), nil, &ref); err != nil {
		return "", err
	}
	return ref.Object.SHA, nil
}

// CreateCommit writes all files as one commit on top of the branch head and moves the
// branch with a non-forced update, so a concurrent push surfaces as *TipMismatchError.
func (c *Client) CreateCommit(ctx context.Context, repo RepoRef, in CommitInput) (*Commit, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	head, err := c.branchHead(ctx, repo, in.Branch)
	if err != nil {
		return nil, err
	}
	if in.ExpectedHead != "" && in.ExpectedHead != head {
		return nil, &TipMismatchError{Branch: in.Branch, Expected: in.ExpectedHead, Actual: head}
	}

	var parent struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := c.doJSON(ctx, "get commit", http.MethodGet, repoPath(repo, "/git/commits/%s", head), nil, &parent); err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(in.Files))
	for _, f := range in.Files {
		entry := map[string]any{"path": f.Path, "mode": "100644", "type": "blob"}
		if f.Delete {
			entry["sha"] = nil
		} else {
			var blob struct {
				SHA string `json:"sha"`
			}
			payload := map[string]string{"content": f.Content, "encoding": "utf-8"}
			if err := c.doJSON(ctx, "create blob", http.MethodPost, repoPath(repo, "/git/blobs"), payload, &blob, http.StatusCreated); err != nil {
				return nil, err
			}
			entry["sha"] = blob.SHA
		}
		entries = append(entries, entry)
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	treePayload := map[string]any{"base_tree": parent.Tree.SHA, "tree": entries}
	if err := c.doJSON(ctx, "create tree", http.MethodPost, repoPath(repo, "/git/trees"), treePayload, &tree, http.StatusCreated); err != nil {
		return nil, err
	}

	var commit struct {
		SHA     string `json:"sha"`
		HTMLURL string `json:"html_url"`
	}
	commitPayload := map[string]any{"message": in.Message, "tree": tree.SHA, "parents": []string{head}}
	if err := c.doJSON(ctx, "create commit", http.MethodPost, repoPath(repo, "/git/commits"), commitPayload, &commit, http.StatusCreated); err != nil {
		return nil, err
	}

	refPayload := map[string]any{"sha": commit.SHA, "force": false}
	err = c.doJSON(ctx, "update ref", http.MethodPatch, repoPath(repo, "/git/refs/heads/%s", refPath(in.Branch)), refPayload, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			actual, _ := c.branchHead(ctx, repo, in.Branch)
			return nil, &TipMismatchError{Branch: in.Branch, Expected: head, Actual: actual}
		}
		return nil, err
	}

	return &Commit{SHA: commit.SHA, URL: commit.HTMLURL, Branch: in.Branch, Parent: head}, nil
}
