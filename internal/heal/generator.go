package heal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/patch"
)

// ErrNoProposal means a generator has no fix for the classification.
var ErrNoProposal = &core.Error{Kind: core.KindClassification, Message: "no patch proposal for this failure"}

// FileContext is a repository file at the pull request head.
type FileContext struct {
	Path    string `json:"path"`
	Ref     string `json:"ref,omitempty"`
	Content string `json:"content,omitempty"`
	Exists  bool   `json:"exists"`
	Line    int    `json:"line,omitempty"`
}

// PatchRequest is everything a generator may use to draft a fix.
type PatchRequest struct {
	PullRequest    PullRequestRef `json:"pull_request"`
	HeadBranch     string         `json:"head_branch"`
	HeadSHA        string         `json:"head_sha"`
	Classification Classification `json:"classification"`
	Logs           string         `json:"logs,omitempty"`
	Files          []FileContext  `json:"files"`
}

// File returns the context for path, if it was fetched.
func (r PatchRequest) File(path string) (FileContext, bool) {
	for _, f := range r.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileContext{}, false
}

type PatchProposal struct {
	TargetFiles []string `json:"target_files"`
	UnifiedDiff string   `json:"unified_diff"`
	Rationale   string   `json:"rationale"`
	Generator   string   `json:"generator,omitempty"`
}

// PatchGenerator drafts a fix for a classified failure.
type PatchGenerator interface {
	Propose(ctx context.Context, req PatchRequest) (*PatchProposal, error)
}

// ContextRequester is implemented by generators that need files beyond the failure's
// file hint.
type ContextRequester interface {
	ContextFiles(c Classification) []string
}

// ChainGenerator returns the first proposal any of its generators produces.
type ChainGenerator []PatchGenerator

func (g ChainGenerator) Propose(ctx context.Context, req PatchRequest) (*PatchProposal, error) {
	var errs []error
	for _, gen := range g {
		p, err := gen.Propose(ctx, req)
		if err == nil && p != nil {
			return p, nil
		}
		if err != nil && !errors.Is(err, ErrNoProposal) {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrNoProposal
}

func (g ChainGenerator) ContextFiles(c Classification) []string {
	seen := map[string]bool{}
	var out []string
	for _, gen := range g {
		cr, ok := gen.(ContextRequester)
		if !ok {
			continue
		}
		for _, p := range cr.ContextFiles(c) {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// RuleGenerator fixes the failures that have a mechanical remedy.
type RuleGenerator struct {
	// Manifest is the Python dependency file; requirements.txt when empty.
	Manifest string
}

const defaultManifest = "requirements.txt"

// Import names whose distribution is published under another name.
var distributionNames = map[string]string{
	"yaml":     "pyyaml",
	"cv2":      "opencv-python",
	"PIL":      "pillow",
	"sklearn":  "scikit-learn",
	"bs4":      "beautifulsoup4",
	"dotenv":   "python-dotenv",
	"dateutil": "python-dateutil",
	"jwt":      "pyjwt",
}

var typingNames = map[string]bool{
	"Any": true, "Callable": true, "Dict": true, "Iterable": true, "Iterator": true,
	"List": true, "Optional": true, "Sequence": true, "Set": true, "Tuple": true, "Union": true,
}

func (g RuleGenerator) manifest() string {
	if g.Manifest != "" {
		return g.Manifest
	}
	return defaultManifest
}

func (g RuleGenerator) ContextFiles(c Classification) []string {
	if c.Category == CategoryMissingDependency && c.Ecosystem == EcosystemPython {
		return []string{g.manifest()}
	}
	return nil
}

func (g RuleGenerator) Propose(ctx context.Context, req PatchRequest) (*PatchProposal, error) {
	c := req.Classification
	switch {
	case c.Category == CategoryMissingDependency && c.Ecosystem == EcosystemPython:
		return g.addDependency(req)
	case c.Category == CategoryNameError && c.Ecosystem == EcosystemPython && typingNames[c.Subject]:
		return g.addTypingImport(req)
	}
	return nil, ErrNoProposal
}

func (g RuleGenerator) addDependency(req PatchRequest) (*PatchProposal, error) {
	module := strings.SplitN(req.Classification.Subject, ".", 2)[0]
	if module == "" {
		return nil, ErrNoProposal
	}
	dist := module
	if name, ok := distributionNames[module]; ok {
		dist = name
	}

	path := g.manifest()
	fc, _ := req.File(path)
	lines := nonEmptyLines(fc.Content)
	want := strings.ReplaceAll(dist, "_", "-")
	for _, l := range lines {
		if strings.EqualFold(requirementName(l), want) {
			return nil, ErrNoProposal
		}
	}
	updated := strings.Join(append(lines, dist), "\n") + "\n"

	diff, err := patch.Generate(path, fc.Content, updated, !fc.Exists)
	if err != nil {
		return nil, err
	}
	return &PatchProposal{
		TargetFiles: []string{path},
		UnifiedDiff: diff,
		Rationale:   fmt.Sprintf("CI cannot import %q; add %s to %s", module, dist, path),
		Generator:   "rules",
	}, nil
}

// requirementName strips version specifiers, extras and markers from a requirement line.
func requirementName(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
		return ""
	}
	end := strings.IndexAny(line, "<>=!~[;@ ")
	if end >= 0 {
		line = line[:end]
	}
	return strings.ReplaceAll(line, "_", "-")
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func (g RuleGenerator) addTypingImport(req PatchRequest) (*PatchProposal, error) {
	symbol := req.Classification.Subject
	path := req.Classification.FileHint
	if !strings.HasSuffix(path, ".py") {
		return nil, ErrNoProposal
	}
	fc, ok := req.File(path)
	if !ok || !fc.Exists {
		return nil, ErrNoProposal
	}

	lines := strings.Split(strings.TrimSuffix(fc.Content, "\n"), "\n")
	inserted := false
	for i, l := range lines {
		if !strings.HasPrefix(l, "from typing import ") || strings.ContainsAny(l, "()\\") {
			continue
		}
		names := strings.Split(strings.TrimPrefix(l, "from typing import "), ",")
		for j := range names {
			names[j] = strings.TrimSpace(names[j])
			if names[j] == symbol {
				return nil, ErrNoProposal
			}
		}
		names = append(names, symbol)
		sort.Strings(names)
		lines[i] = "from typing import " + strings.Join(names, ", ")
		inserted = true
		break
	}
	if !inserted {
		at := importInsertionPoint(lines)
		lines = append(lines[:at], append([]string{"from typing import " + symbol}, lines[at:]...)...)
	}

	diff, err := patch.Generate(path, fc.Content, strings.Join(lines, "\n")+"\n", false)
	if err != nil {
		return nil, err
	}
	return &PatchProposal{
		TargetFiles: []string{path},
		UnifiedDiff: diff,
		Rationale:   fmt.Sprintf("%s uses %s without importing it from typing", path, symbol),
		Generator:   "rules",
	}, nil
}

// importInsertionPoint skips a shebang, encoding line, comments and __future__ imports.
func importInsertionPoint(lines []string) int {
	at := 0
	for at < len(lines) {
		l := strings.TrimSpace(lines[at])
		if strings.HasPrefix(l, "#") || strings.HasPrefix(l, "from __future__ import") {
			at++
			continue
		}
		break
	}
	return at
}
