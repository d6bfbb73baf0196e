// Package patch parses, applies and generates unified diffs for repository files.
package patch

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

const devNull = "/dev/null"

// ErrNoChange is returned by Generate when both versions are identical.
var ErrNoChange = errors.New("patch: contents are identical")

type LineOp byte

const (
	OpContext LineOp = ' '
	OpDelete  LineOp = '-'
	OpAdd     LineOp = '+'
)

type Line struct {
	Op   LineOp
	Text string
}

type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
	// OldNoEOL and NewNoEOL record a "\ No newline at end of file" marker on the
	// last line of each side.
	OldNoEOL bool
	NewNoEOL bool
}

// FileDiff is the change to one file.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

func (f FileDiff) IsNew() bool    { return f.OldPath == devNull }
func (f FileDiff) IsDelete() bool { return f.NewPath == devNull }

// Path is the repository path the diff changes.
func (f FileDiff) Path() string {
	if f.IsDelete() {
		return f.OldPath
	}
	return f.NewPath
}

// ApplyError means a diff does not match the content it is applied to.
type ApplyError struct {
	Path   string
	Reason string
}

func (e *ApplyError) Error() string {
	if e.Path == "" {
		return "patch does not apply: " + e.Reason
	}
	return fmt.Sprintf("patch does not apply to %s: %s", e.Path, e.Reason)
}

func (e *ApplyError) ErrorKind() core.Kind { return core.KindPatchApplication }

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Parse reads a unified diff covering one or more files.
func Parse(diff string) ([]FileDiff, error) {
	lines := strings.Split(strings.ReplaceAll(diff, "\r\n", "\n"), "\n")
	var (
		files []FileDiff
		cur   *FileDiff
		hunk  *Hunk
	)
	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			files = append(files, *cur)
		}
		cur = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") && !hunkOpen(hunk):
			flushFile()
			cur = &FileDiff{OldPath: stripPrefix(line[4:]), NewPath: stripPrefix(lines[i+1][4:])}
			i++
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, &ApplyError{Reason: fmt.Sprintf("hunk without file header at line %d", i+1)}
			}
			flushHunk()
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			hunk = &h
		case hunk != nil && hunkOpen(hunk) && line != "" && (line[0] == ' ' || line[0] == '-' || line[0] == '+'):
			hunk.Lines = append(hunk.Lines, Line{Op: LineOp(line[0]), Text: line[1:]})
		case hunk != nil && hunkOpen(hunk) && line == "":
			// some generators drop the space of empty context lines
			if i == len(lines)-1 {
				continue
			}
			hunk.Lines = append(hunk.Lines, Line{Op: OpContext})
		case strings.HasPrefix(line, `\ No newline`):
			if hunk != nil && len(hunk.Lines) > 0 {
				switch hunk.Lines[len(hunk.Lines)-1].Op {
				case OpAdd:
					hunk.NewNoEOL = true
				case OpDelete:
					hunk.OldNoEOL = true
				default:
					hunk.OldNoEOL, hunk.NewNoEOL = true, true
				}
			}
		default:
			// git extended headers and commentary between files
		}
	}
	flushFile()

	if len(files) == 0 {
		return nil, &ApplyError{Reason: "no file changes found in diff"}
	}
	for _, f := range files {
		if f.Path() == "" || f.Path() == devNull {
			return nil, &ApplyError{Reason: "diff names no target file"}
		}
		if len(f.Hunks) == 0 {
			return nil, &ApplyError{Path: f.Path(), Reason: "no hunks"}
		}
		for _, h := range f.Hunks {
			if err := checkCounts(f.Path(), h); err != nil {
				return nil, err
			}
		}
	}
	return files, nil
}

// hunkOpen reports whether h still expects body lines according to its header counts.
func hunkOpen(h *Hunk) bool {
	if h == nil {
		return false
	}
	oldSeen, newSeen := 0, 0
	for _, l := range h.Lines {
		switch l.Op {
		case OpContext:
			oldSeen++
			newSeen++
		case OpDelete:
			oldSeen++
		case OpAdd:
			newSeen++
		}
	}
	return oldSeen < h.OldLines || newSeen < h.NewLines
}

func checkCounts(path string, h Hunk) error {
	if hunkOpen(&h) {
		return &ApplyError{Path: path, Reason: fmt.Sprintf("hunk at line %d is truncated", h.OldStart)}
	}
	return nil
}

func parseHunkHeader(line string) (Hunk, error) {
	m := hunkHeader.FindStringSubmatch(line)
	if m == nil {
		return Hunk{}, &ApplyError{Reason: fmt.Sprintf("malformed hunk header %q", line)}
	}
	atoi := func(s string, def int) int {
		if s == "" {
			return def
		}
		n, _ := strconv.Atoi(s)
		return n
	}
	return Hunk{
		OldStart: atoi(m[1], 0),
		OldLines: atoi(m[2], 1),
		NewStart: atoi(m[3], 0),
		NewLines: atoi(m[4], 1),
	}, nil
}

func stripPrefix(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	if p == devNull {
		return p
	}
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		p = p[2:]
	}
	return p
}

// Paths lists the repository paths touched by files, in diff order.
func Paths(files []FileDiff) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path())
	}
	return out
}

// Apply applies fd to original. Hunks must match exactly; a hunk may be found away from
// its stated line when earlier edits shifted the file. Unchanged lines keep their bytes,
// added lines use the file's dominant line ending, and the end-of-file newline is kept
// unless the diff changes it.
func Apply(original string, fd FileDiff) (string, error) {
	if fd.IsDelete() {
		return "", nil
	}
	src, finalNL := rawLines(original)
	if original == "" {
		finalNL = true
	}
	eol := ""
	if usesCRLF(original) {
		eol = "\r"
		if n := len(src); n > 0 && !finalNL {
			src[n-1] += eol
		}
	}
	out := make([]string, 0, len(src)+8)
	pos := 0

	for _, h := range fd.Hunks {
		var old []string
		for _, l := range h.Lines {
			if l.Op != OpAdd {
				old = append(old, l.Text)
			}
		}

		want := h.OldStart - 1
		if h.OldLines == 0 {
			want = h.OldStart
		}
		at := locate(src, old, want, pos)
		if at < 0 {
			return "", &ApplyError{Path: fd.Path(), Reason: fmt.Sprintf("hunk @@ -%d,%d does not match", h.OldStart, h.OldLines)}
		}
		out = append(out, src[pos:at]...)
		k := at
		for _, l := range h.Lines {
			switch l.Op {
			case OpContext:
				out = append(out, src[k])
				k++
			case OpDelete:
				k++
			case OpAdd:
				out = append(out, l.Text+eol)
			}
		}
		pos = k
	}
	out = append(out, src[pos:]...)

	if n := len(fd.Hunks); n > 0 && pos == len(src) {
		switch last := fd.Hunks[n-1]; {
		case last.NewNoEOL:
			finalNL = false
		case last.OldNoEOL:
			finalNL = true
		}
	}
	if len(out) == 0 {
		return "", nil
	}
	if !finalNL {
		out[len(out)-1] = strings.TrimSuffix(out[len(out)-1], eol)
	}
	text := strings.Join(out, "\n")
	if finalNL {
		text += "\n"
	}
	return text, nil
}

// rawLines splits content on LF and keeps any CR on each line.
func rawLines(content string) ([]string, bool) {
	if content == "" {
		return []string{}, false
	}
	finalNL := strings.HasSuffix(content, "\n")
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n"), finalNL
}

// usesCRLF reports whether most lines of content end in CRLF.
func usesCRLF(content string) bool {
	crlf := strings.Count(content, "\r\n")
	return crlf > 0 && crlf*2 >= strings.Count(content, "\n")
}

// locate finds old in src at or after min, preferring the index closest to want.
func locate(src, old []string, want, min int) int {
	if want < min {
		want = min
	}
	if len(old) == 0 {
		if want > len(src) {
			return len(src)
		}
		return want
	}
	for delta := 0; ; delta++ {
		lo, hi := want-delta, want+delta
		if lo < min && hi+len(old) > len(src) {
			return -1
		}
		if lo >= min && matchAt(src, old, lo) {
			return lo
		}
		if delta > 0 && hi+len(old) <= len(src) && matchAt(src, old, hi) {
			return hi
		}
	}
}

func matchAt(src, old []string, at int) bool {
	if at < 0 || at+len(old) > len(src) {
		return false
	}
	for i, l := range old {
		if strings.TrimRight(src[at+i], " \t\r") != strings.TrimRight(l, " \t\r") {
			return false
		}
	}
	return true
}

func splitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	trimmed := strings.ReplaceAll(content, "\r\n", "\n")
	trimmed = strings.TrimSuffix(trimmed, "\n")
	return strings.Split(trimmed, "\n")
}

// Generate renders the unified diff turning original into modified. An empty original
// with created set produces a new-file diff.
func Generate(path, original, modified string, created bool) (string, error) {
	clean, err := SafeRelativePath(path)
	if err != nil {
		return "", err
	}
	from := "a/" + clean
	if created {
		from = devNull
	}
	ud := difflib.UnifiedDiff{
		A:        withNewlines(splitLines(original)),
		B:        withNewlines(splitLines(modified)),
		FromFile: from,
		ToFile:   "b/" + clean,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("generate diff for %s: %w", clean, err)
	}
	if text == "" {
		return "", ErrNoChange
	}
	return fmt.Sprintf("diff --git a/%s b/%s\n", clean, clean) + text, nil
}

func withNewlines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}

// CountContentLines counts lines the way Apply splits them.
func CountContentLines(content string) int {
	return len(splitLines(content))
}

// SafeRelativePath cleans a repository-relative path and rejects absolute or escaping
// ones.
func SafeRelativePath(p string) (string, error) {
	trimmed := strings.TrimSpace(p)
	trimmed = strings.TrimPrefix(trimmed, "./")
	if trimmed == "" {
		return "", core.ValidationErrorf("file path is required")
	}
	if strings.HasPrefix(trimmed, "/") {
		return "", core.ValidationErrorf("absolute file path is not allowed: %q", p)
	}
	cleaned := filepath.ToSlash(filepath.Clean(trimmed))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", core.ValidationErrorf("unsafe file path: %q", p)
	}
	return cleaned, nil
}
