package toolset

import (
	"context"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/patch"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
	"github.com/vaishcodescape/OpenX-MCP/internal/workspace"
)

var errNoWorkspace = core.Errorf(core.KindPermanentHost, "no workspace is configured: set workspace.root or --workspace")

// workspaceTool guards every workspace handler on a configured checkout.
func workspaceTool(d Deps, name, description string, params []tools.Param, check func(tools.Args) error, run func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error)) tools.Descriptor {
	return tools.Descriptor{
		Name:        name,
		Description: description,
		Schema:      params,
		Handler: tools.Validated{
			Check: func(a tools.Args) error {
				if check != nil {
					return check(a)
				}
				return nil
			},
			Run: func(ctx context.Context, a tools.Args) (any, error) {
				if d.Workspace == nil {
					return nil, errNoWorkspace
				}
				return run(ctx, d.Workspace, a)
			},
		},
	}
}

// writablePaths checks paths against the patch path policy. Empty entries default to
// README.md, as the write tool does.
func writablePaths(d Deps, paths ...string) error {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			p = "README.md"
		}
		clean, err := patch.SafeRelativePath(p)
		if err != nil {
			return err
		}
		cleaned = append(cleaned, clean)
	}
	return d.Policy.CheckPaths(cleaned)
}

func workspaceTools(d Deps) []tools.Descriptor {
	pathParam := tools.Param{Name: "path", Type: tools.TypeString, Description: "path relative to the workspace root"}
	return []tools.Descriptor{
		workspaceTool(d, "workspace.read_file", "Read a file from the local checkout (README.md when path is omitted).",
			[]tools.Param{pathParam}, nil,
			func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error) {
				return w.ReadFile(a.String("path"))
			}),
		workspaceTool(d, "workspace.write_file", "Create or replace a file in the local checkout (README.md when path is omitted).",
			[]tools.Param{pathParam, {Name: "content", Type: tools.TypeString, Required: true}},
			func(a tools.Args) error { return writablePaths(d, a.String("path")) },
			func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error) {
				return w.WriteFile(a.String("path"), a.String("content"))
			}),
		workspaceTool(d, "workspace.list_dir", "List a directory of the local checkout. Dotfiles other than .git are hidden.",
			[]tools.Param{pathParam}, nil,
			func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error) {
				return w.ListDir(a.String("path"))
			}),
		workspaceTool(d, "workspace.git_status", "Show git status --short and diff --stat of the local checkout.",
			nil, nil,
			func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error) {
				return w.Status(ctx)
			}),
		workspaceTool(d, "workspace.git_add", "Stage paths, or everything when paths is omitted.",
			[]tools.Param{{Name: "paths", Type: tools.TypeArray}},
			func(a tools.Args) error {
				for _, p := range a.Strings("paths") {
					if _, err := patch.SafeRelativePath(p); err != nil {
						return err
					}
				}
				return nil
			},
			func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error) {
				return w.Add(ctx, a.Strings("paths"))
			}),
		workspaceTool(d, "workspace.git_commit", "Commit the staged changes.",
			[]tools.Param{{Name: "message", Type: tools.TypeString, Required: true}}, nil,
			func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error) {
				return w.Commit(ctx, a.String("message"))
			}),
		workspaceTool(d, "workspace.git_push", "Push a branch to a remote (the configured remote, origin by default).",
			[]tools.Param{
				{Name: "branch", Type: tools.TypeString, Required: true},
				{Name: "remote", Type: tools.TypeString},
			}, nil,
			func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error) {
				return w.Push(ctx, a.String("remote"), a.String("branch"))
			}),
		workspaceTool(d, "workspace.publish", "Write files onto a new branch cut from base, commit and push it. dry_run returns the planned commands only.",
			[]tools.Param{
				{Name: "base", Type: tools.TypeString, Required: true},
				{Name: "head", Type: tools.TypeString, Required: true},
				{Name: "message", Type: tools.TypeString, Required: true},
				{Name: "files", Type: tools.TypeArray, Required: true, Description: "[{path, content}]"},
				{Name: "dry_run", Type: tools.TypeBoolean},
			},
			func(a tools.Args) error {
				files, err := publishFiles(a)
				if err != nil {
					return err
				}
				paths := make([]string, len(files))
				for i, f := range files {
					if f.Path == "" {
						return core.ValidationErrorf("files[%d].path is required", i)
					}
					paths[i] = f.Path
				}
				return writablePaths(d, paths...)
			},
			func(ctx context.Context, w *workspace.Workspace, a tools.Args) (any, error) {
				files, err := publishFiles(a)
				if err != nil {
					return nil, err
				}
				return w.Publish(ctx, workspace.PublishRequest{
					Base:    a.String("base"),
					Head:    a.String("head"),
					Message: a.String("message"),
					Files:   files,
					DryRun:  a.Bool("dry_run"),
				})
			}),
	}
}

func publishFiles(a tools.Args) ([]workspace.FileChange, error) {
	var files []workspace.FileChange
	if err := a.Decode("files", &files); err != nil {
		return nil, core.ValidationErrorf("files: %v", err)
	}
	return files, nil
}
