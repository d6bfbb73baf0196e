package heal

import (
	"context"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/patch"
)

// FileFetcher reads one file at a fixed ref. A missing file comes back with Exists
// false and no error.
type FileFetcher func(ctx context.Context, path string) (FileContext, error)

// HostFetcher reads files through h at ref.
func HostFetcher(h github.Host, repo github.RepoRef, ref string) FileFetcher {
	return func(ctx context.Context, path string) (FileContext, error) {
		fc, err := h.GetFileContent(ctx, repo, path, ref)
		if err != nil {
			if core.KindOf(err) == core.KindNotFound {
				return FileContext{Path: path, Ref: ref}, nil
			}
			return FileContext{}, err
		}
		return FileContext{Path: path, Ref: ref, Content: fc.Content, Exists: true}, nil
	}
}

// ContextPaths lists the files a draft for c needs: the failure's file hint and
// whatever gen asks for.
func ContextPaths(gen PatchGenerator, c Classification) []string {
	var paths []string
	if c.FileHint != "" {
		if p, err := patch.SafeRelativePath(c.FileHint); err == nil {
			paths = append(paths, p)
		}
	}
	if cr, ok := gen.(ContextRequester); ok {
		paths = append(paths, cr.ContextFiles(c)...)
	}
	return dedupe(paths)
}

// GatherContext fetches paths, marking the hinted line on the file the failure points at.
func GatherContext(ctx context.Context, fetch FileFetcher, paths []string, c Classification) ([]FileContext, error) {
	out := make([]FileContext, 0, len(paths))
	for _, p := range paths {
		fc, err := fetch(ctx, p)
		if err != nil {
			return nil, err
		}
		if p == c.FileHint {
			fc.Line = c.LineHint
		}
		out = append(out, fc)
	}
	return out, nil
}

// PrepareCommit checks p's targets against its diff, the path policy and the fetched
// contents, and returns the files to commit. Files missing from known are fetched.
func PrepareCommit(ctx context.Context, fetch FileFetcher, policy *core.Policy, p *PatchProposal, known []FileContext) ([]github.CommitFile, error) {
	diffs, err := patch.Parse(p.UnifiedDiff)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(diffs))
	for _, d := range diffs {
		clean, err := patch.SafeRelativePath(d.Path())
		if err != nil {
			return nil, &patch.ApplyError{Path: d.Path(), Reason: err.Error()}
		}
		paths = append(paths, clean)
	}
	if len(p.TargetFiles) == 0 {
		p.TargetFiles = paths
	}
	for _, t := range p.TargetFiles {
		if !contains(paths, t) {
			return nil, &patch.ApplyError{Path: t, Reason: "target file is not changed by the diff"}
		}
	}
	if err := policy.CheckPaths(paths); err != nil {
		return nil, core.Wrap(core.KindPatchApplication, "path policy", err)
	}

	out := make([]github.CommitFile, 0, len(diffs))
	for i, d := range diffs {
		path := paths[i]
		fc, ok := findFile(known, path)
		if !ok {
			if fc, err = fetch(ctx, path); err != nil {
				return nil, err
			}
		}
		switch {
		case d.IsNew() && fc.Exists:
			return nil, &patch.ApplyError{Path: path, Reason: "file already exists"}
		case !d.IsNew() && !fc.Exists:
			return nil, &patch.ApplyError{Path: path, Reason: "file does not exist at head"}
		case d.IsDelete():
			out = append(out, github.CommitFile{Path: path, Delete: true})
			continue
		}
		content, err := patch.Apply(fc.Content, d)
		if err != nil {
			return nil, err
		}
		out = append(out, github.CommitFile{Path: path, Content: content})
	}
	return out, nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func findFile(files []FileContext, path string) (FileContext, bool) {
	for _, f := range files {
		if f.Path == path {
			return f, true
		}
	}
	return FileContext{}, false
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
