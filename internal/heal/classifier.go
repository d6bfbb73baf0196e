package heal

import (
	"regexp"
	"strconv"
	"strings"
)

type Category string

const (
	CategoryMissingDependency Category = "missing-dependency"
	CategoryImportError       Category = "import-error"
	CategorySyntaxError       Category = "syntax-error"
	CategoryNameError         Category = "name-error"
	CategoryTestFailure       Category = "test-failure"
	CategoryLintFailure       Category = "lint-failure"
	CategoryPackageManager    Category = "package-manager-error"
	CategoryUnknown           Category = "unknown"
)

// Ecosystem names the toolchain a rule recognises.
type Ecosystem string

const (
	EcosystemPython Ecosystem = "python"
	EcosystemNode   Ecosystem = "node"
	EcosystemGo     Ecosystem = "go"
	EcosystemAny    Ecosystem = ""
)

// Classification describes the most likely cause of a CI failure.
type Classification struct {
	Category   Category  `json:"category"`
	Ecosystem  Ecosystem `json:"ecosystem,omitempty"`
	Evidence   string    `json:"evidence,omitempty"`
	Confidence float64   `json:"confidence"`
	Subject    string    `json:"subject,omitempty"`
	FileHint   string    `json:"file_hint,omitempty"`
	LineHint   int       `json:"line_hint,omitempty"`
}

func (c Classification) Known() bool { return c.Category != "" && c.Category != CategoryUnknown }

// Rule matches one failure signature. Subject comes from the first capture group.
type Rule struct {
	Category   Category
	Ecosystem  Ecosystem
	Pattern    *regexp.Regexp
	Confidence float64
}

func rule(cat Category, eco Ecosystem, conf float64, pattern string) Rule {
	return Rule{Category: cat, Ecosystem: eco, Pattern: regexp.MustCompile(pattern), Confidence: conf}
}

// DefaultRules is ordered by precedence: the first matching rule wins.
var DefaultRules = []Rule{
	rule(CategoryMissingDependency, EcosystemPython, 0.95, `ModuleNotFoundError: No module named ['"]([^'"]+)['"]`),
	rule(CategoryMissingDependency, EcosystemNode, 0.85, `Error: Cannot find module ['"]([^'"]+)['"]`),
	rule(CategoryMissingDependency, EcosystemGo, 0.85, `no required module provides package ([^\s;]+)`),
	rule(CategoryImportError, EcosystemPython, 0.85, `ImportError: cannot import name ['"]([^'"]+)['"]`),
	rule(CategorySyntaxError, EcosystemPython, 0.8, `(?:SyntaxError|IndentationError): (.+)`),
	rule(CategorySyntaxError, EcosystemGo, 0.75, `\.go:\d+:\d+: syntax error: (.+)`),
	rule(CategoryNameError, EcosystemPython, 0.9, `NameError: name ['"]([^'"]+)['"] is not defined`),
	rule(CategoryNameError, EcosystemNode, 0.7, `ReferenceError: (\w+) is not defined`),
	rule(CategoryNameError, EcosystemGo, 0.75, `\.go:\d+:\d+: undefined: (\w+)`),
	rule(CategoryPackageManager, EcosystemPython, 0.8, `Could not find a version that satisfies the requirement ([^\s(]+)`),
	rule(CategoryPackageManager, EcosystemGo, 0.75, `missing go\.sum entry for module providing package (\S+)`),
	rule(CategoryPackageManager, EcosystemNode, 0.7, `npm ERR! (?:code )?(\S+)`),
	rule(CategoryPackageManager, EcosystemNode, 0.6, `error Command failed with exit code (\d+)`),
	rule(CategoryTestFailure, EcosystemPython, 0.7, `FAILED\s+(\S+)`),
	rule(CategoryTestFailure, EcosystemPython, 0.65, `AssertionError:?\s*(.*)`),
	rule(CategoryTestFailure, EcosystemGo, 0.7, `--- FAIL: (\S+)`),
	rule(CategoryTestFailure, EcosystemNode, 0.65, `Tests:\s+(\d+ failed)`),
	rule(CategoryLintFailure, EcosystemPython, 0.6, `would reformat (\S+)`),
	rule(CategoryLintFailure, EcosystemPython, 0.6, `Found (\d+) errors?\.`),
	rule(CategoryLintFailure, EcosystemNode, 0.6, `✖ (\d+) problems?`),
	rule(CategoryLintFailure, EcosystemGo, 0.6, `(?m)^\S+\.go:\d+:\d+: .+ \(([a-z]+)\)$`),
}

var (
	pythonFrame  = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	goPosition   = regexp.MustCompile(`([A-Za-z0-9_./-]+\.go):(\d+)(?::\d+)?`)
	anyPosition  = regexp.MustCompile(`([A-Za-z0-9_./-]+\.(?:py|js|jsx|ts|tsx|go|rb|java|rs|yml|yaml|json|toml|cfg))(?::(\d+))?`)
	runnerPrefix = regexp.MustCompile(`^.*/work/[^/]+/[^/]+/`)
)

// Classifier applies an ordered rule set to CI logs.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Classify returns the first matching rule's category, or unknown with zero confidence.
func (c *Classifier) Classify(logs string) Classification {
	logs = strings.ReplaceAll(logs, "\r\n", "\n")
	file, line := locateHint(logs)
	if strings.TrimSpace(logs) == "" {
		return Classification{Category: CategoryUnknown}
	}

	for _, r := range c.rules {
		loc := r.Pattern.FindStringSubmatchIndex(logs)
		if loc == nil {
			continue
		}
		out := Classification{
			Category:   r.Category,
			Ecosystem:  r.Ecosystem,
			Evidence:   lineAround(logs, loc[0]),
			Confidence: r.Confidence,
			FileHint:   file,
			LineHint:   line,
		}
		if len(loc) >= 4 && loc[2] >= 0 {
			out.Subject = strings.TrimSpace(logs[loc[2]:loc[3]])
		}
		return out
	}
	return Classification{Category: CategoryUnknown, Evidence: lastLine(logs), FileHint: file, LineHint: line}
}

// locateHint picks the innermost repository frame of a Python traceback, or the first
// source position mentioned in the logs.
func locateHint(logs string) (string, int) {
	frames := pythonFrame.FindAllStringSubmatch(logs, -1)
	for i := len(frames) - 1; i >= 0; i-- {
		path := frames[i][1]
		if strings.Contains(path, "site-packages") || strings.HasPrefix(path, "/usr/") || strings.HasPrefix(path, "<") {
			continue
		}
		n, _ := strconv.Atoi(frames[i][2])
		return RepoRelative(path), n
	}
	for _, re := range []*regexp.Regexp{goPosition, anyPosition} {
		if m := re.FindStringSubmatch(logs); m != nil {
			n := 0
			if len(m) > 2 && m[2] != "" {
				n, _ = strconv.Atoi(m[2])
			}
			return RepoRelative(m[1]), n
		}
	}
	return "", 0
}

// RepoRelative strips the GitHub runner checkout prefix from an absolute log path.
func RepoRelative(path string) string {
	path = runnerPrefix.ReplaceAllString(path, "")
	return strings.TrimPrefix(path, "./")
}

func lineAround(s string, at int) string {
	start := strings.LastIndexByte(s[:at], '\n') + 1
	end := strings.IndexByte(s[at:], '\n')
	if end < 0 {
		end = len(s)
	} else {
		end += at
	}
	return stripTimestamp(strings.TrimSpace(s[start:end]))
}

var actionsTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z\s+`)

func stripTimestamp(line string) string { return actionsTimestamp.ReplaceAllString(line, "") }

func lastLine(logs string) string {
	lines := strings.Split(strings.TrimSpace(logs), "\n")
	last := stripTimestamp(strings.TrimSpace(lines[len(lines)-1]))
	if len(last) > 400 {
		last = last[:400]
	}
	return last
}
