package core

import (
	"path"
	"strings"
)

// Policy enforces repo and tool allowlists plus forbidden path prefixes for patches.
type Policy struct {
	allowedRepos          map[string]bool
	allowedTools          map[string]bool
	forbiddenPathPrefixes []string
}

// NewPolicy creates a Policy from comma-separated allowlist strings.
// An empty allowlist allows everything.
func NewPolicy(repoCSV, toolCSV string) *Policy {
	return &Policy{
		allowedRepos:          parseCSV(strings.ToLower(repoCSV)),
		allowedTools:          parseCSV(toolCSV),
		forbiddenPathPrefixes: make([]string, 0),
	}
}

func (p *Policy) SetForbiddenPrefixes(forbiddenCSV string) {
	p.forbiddenPathPrefixes = parsePrefixesCSV(forbiddenCSV)
}

// CheckRepo returns an error if repo is not in a non-empty allowlist.
func (p *Policy) CheckRepo(repo string) error {
	if p == nil || len(p.allowedRepos) == 0 {
		return nil
	}
	if !p.allowedRepos[strings.ToLower(repo)] {
		return &PolicyViolation{Code: ViolationRepoDenied, Reason: "repo " + repo + " not in allowlist"}
	}
	return nil
}

// CheckTool returns an error if toolName is not in a non-empty allowlist.
func (p *Policy) CheckTool(toolName string) error {
	if p == nil || len(p.allowedTools) == 0 {
		return nil
	}
	if !p.allowedTools[toolName] {
		return &PolicyViolation{Code: ViolationToolDenied, Reason: "tool " + toolName + " not in allowlist"}
	}
	return nil
}

// CheckPaths rejects empty, escaping or forbidden repository paths.
func (p *Policy) CheckPaths(paths []string) error {
	for _, raw := range paths {
		clean := normalizePath(raw)
		if clean == "" {
			return &PolicyViolation{Code: ViolationPathEmpty, Path: raw, Reason: "empty path"}
		}
		if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
			return &PolicyViolation{Code: ViolationPathTraversal, Path: raw, Reason: "path escapes repository root"}
		}
		if p == nil {
			continue
		}
		for _, prefix := range p.forbiddenPathPrefixes {
			if strings.HasPrefix(clean, prefix) {
				return &PolicyViolation{Code: ViolationPathForbidden, Path: raw, Reason: "forbidden by policy prefix " + prefix}
			}
		}
	}
	return nil
}

func parseCSV(s string) map[string]bool {
	m := make(map[string]bool)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			m[item] = true
		}
	}
	return m
}

func parsePrefixesCSV(s string) []string {
	out := make([]string, 0)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		item = strings.TrimPrefix(item, "./")
		item = strings.TrimPrefix(item, "/")
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func normalizePath(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(s, "/")
	s = path.Clean(s)
	if s == "." {
		return ""
	}
	return s
}
