// Package workspace exposes a local git checkout: file reads and writes confined to
// its root, and git commands run as subprocesses on the execution pool.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/ghcli"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/patch"
	"github.com/vaishcodescape/OpenX-MCP/internal/pool"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
)

const (
	DefaultTimeout  = 60 * time.Second
	DefaultRemote   = "origin"
	MaxReadBytes    = 1 << 20
	defaultReadPath = "README.md"
)

// ErrNotRepository is returned by Open when root has no .git entry.
var ErrNotRepository = errors.New("workspace: root is not a git repository")

type Config struct {
	Root    string
	Remote  string
	Git     string
	Timeout time.Duration
}

// Workspace is one checkout. It is safe for concurrent reads; git commands that
// mutate the index are serialized by git's own lock.
type Workspace struct {
	root   string
	cfg    Config
	runner ghcli.Runner
	pool   *pool.Pool
}

// Open resolves root and checks it is a git checkout. A nil pool runs git on the
// calling goroutine.
func Open(cfg Config, runner ghcli.Runner, p *pool.Pool) (*Workspace, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, core.ValidationErrorf("workspace root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
	}
	if strings.TrimSpace(cfg.Remote) == "" {
		cfg.Remote = DefaultRemote
	}
	if strings.TrimSpace(cfg.Git) == "" {
		cfg.Git = "git"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if runner == nil {
		runner = ghcli.NewExecRunner(0)
	}
	return &Workspace{root: root, cfg: cfg, runner: runner, pool: p}, nil
}

func (w *Workspace) Root() string { return w.root }

// resolve maps a relative path onto the filesystem and rejects anything that leaves
// the root, including through symlinks.
func (w *Workspace) resolve(rel string) (string, string, error) {
	clean, err := patch.SafeRelativePath(rel)
	if err != nil {
		return "", "", err
	}
	full := filepath.Join(w.root, filepath.FromSlash(clean))
	check := full
	for {
		resolved, err := filepath.EvalSymlinks(check)
		if err == nil {
			rest, _ := filepath.Rel(check, full)
			full = filepath.Join(resolved, rest)
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", "", fmt.Errorf("resolve %s: %w", clean, err)
		}
		parent := filepath.Dir(check)
		if parent == check {
			break
		}
		check = parent
	}
	if full != w.root && !strings.HasPrefix(full, w.root+string(filepath.Separator)) {
		return "", "", core.Errorf(core.KindForbidden, "path %q is outside the workspace", rel)
	}
	return clean, full, nil
}

type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

// ReadFile reads a file under the root; README.md when path is empty.
func (w *Workspace) ReadFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultReadPath
	}
	clean, full, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.Errorf(core.KindNotFound, "%s does not exist in the workspace", clean)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, core.ValidationErrorf("%s is a directory", clean)
	}
	if info.Size() > MaxReadBytes {
		return nil, core.ValidationErrorf("%s is %d bytes, over the %d byte read limit", clean, info.Size(), MaxReadBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	return &File{Path: clean, Content: string(data), Size: len(data)}, nil
}

// WriteFile creates or replaces a file, creating parent directories.
func (w *Workspace) WriteFile(path, content string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultReadPath
	}
	clean, full, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return nil, core.Errorf(core.KindForbidden, "writing inside .git is not allowed")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for %s: %w", clean, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", clean, err)
	}
	return &File{Path: clean, Size: len(content)}, nil
}

type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size,omitempty"`
}

// ListDir lists one directory, directories first. Dotfiles other than .git are hidden.
func (w *Workspace) ListDir(path string) ([]Entry, error) {
	var (
		clean = "."
		full  = w.root
		err   error
	)
	if p := strings.TrimSpace(path); p != "" && p != "." {
		if clean, full, err = w.resolve(p); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.Errorf(core.KindNotFound, "%s does not exist in the workspace", clean)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && name != ".git" {
			continue
		}
		rel := name
		if clean != "." {
			rel = clean + "/" + name
		}
		entry := Entry{Name: name, Path: rel, Dir: e.IsDir()}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Dir != out[j].Dir {
			return out[i].Dir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// git runs one git command in the root on the pool under the configured timeout.
func (w *Workspace) git(ctx context.Context, args ...string) (ghcli.Report, error) {
	inv := ghcli.Invocation{
		Binary: w.cfg.Git,
		Args:   append([]string{"-C", w.root}, args...),
		Env:    []string{"GIT_TERMINAL_PROMPT=0"},
		Dir:    w.root,
	}
	run := func(tctx context.Context) (ghcli.Report, error) {
		tctx, cancel := context.WithTimeout(tctx, w.cfg.Timeout)
		defer cancel()
		return w.runner.Run(tctx, inv)
	}
	var (
		report ghcli.Report
		err    error
	)
	if w.pool != nil {
		report, err = pool.Do(ctx, w.pool, run)
	} else {
		report, err = run(ctx)
	}
	op := "git " + args[0]
	if err != nil {
		telemetry.IncHostCall("git", op, "error")
		return report, err
	}
	telemetry.IncHostCall("git", op, "ok")
	return report, nil
}

type Status struct {
	Clean    bool   `json:"clean"`
	Short    string `json:"short,omitempty"`
	DiffStat string `json:"diff_stat,omitempty"`
	Summary  string `json:"summary"`
}

func (w *Workspace) Status(ctx context.Context) (*Status, error) {
	short, err := w.git(ctx, "status", "--short")
	if err != nil {
		return nil, err
	}
	stat, err := w.git(ctx, "diff", "--stat")
	if err != nil {
		return nil, err
	}
	s := &Status{Short: strings.TrimRight(short.Stdout, "\n"), DiffStat: strings.TrimRight(stat.Stdout, "\n")}
	s.Clean = strings.TrimSpace(s.Short) == "" && strings.TrimSpace(s.DiffStat) == ""
	if s.Clean {
		s.Summary = "Clean working tree."
	} else {
		s.Summary = strings.TrimSpace(s.Short + "\n\n" + s.DiffStat)
	}
	return s, nil
}

// Add stages paths; an empty list stages everything.
func (w *Workspace) Add(ctx context.Context, paths []string) ([]string, error) {
	args := []string{"add", "--"}
	if len(paths) == 0 {
		args = append(args, ".")
	}
	staged := make([]string, 0, len(paths))
	for _, p := range paths {
		clean, _, err := w.resolve(p)
		if err != nil {
			return nil, err
		}
		args = append(args, clean)
		staged = append(staged, clean)
	}
	if _, err := w.git(ctx, args...); err != nil {
		return nil, err
	}
	return staged, nil
}

type CommitResult struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

func (w *Workspace) Commit(ctx context.Context, message string) (*CommitResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, core.ValidationErrorf("commit message is required")
	}
	if _, err := w.git(ctx, "commit", "-m", message); err != nil {
		return nil, err
	}
	sha, err := w.head(ctx)
	if err != nil {
		return nil, err
	}
	return &CommitResult{SHA: sha, Message: message}, nil
}

func (w *Workspace) head(ctx context.Context) (string, error) {
	report, err := w.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(report.Stdout), nil
}

type PushResult struct {
	Remote string `json:"remote"`
	Branch string `json:"branch"`
	Output string `json:"output,omitempty"`
}

// Push pushes branch to remote; the configured remote when remote is empty.
func (w *Workspace) Push(ctx context.Context, remote, branch string) (*PushResult, error) {
	if remote = strings.TrimSpace(remote); remote == "" {
		remote = w.cfg.Remote
	}
	if strings.HasPrefix(remote, "-") || strings.ContainsAny(remote, " \t") {
		return nil, core.ValidationErrorf("invalid remote %q", remote)
	}
	if err := github.ValidateBranch(branch); err != nil {
		return nil, err
	}
	report, err := w.git(ctx, "push", remote, branch)
	if err != nil {
		return nil, err
	}
	return &PushResult{Remote: remote, Branch: branch, Output: strings.TrimSpace(report.Stdout + "\n" + report.Stderr)}, nil
}
