// Package config loads openx settings: profile defaults, then an optional YAML file.
// Flags and environment variables are layered on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaishcodescape/OpenX-MCP/internal/cache"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
	"github.com/vaishcodescape/OpenX-MCP/internal/repo"
	"github.com/vaishcodescape/OpenX-MCP/internal/workspace"
)

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", n.Line)
	}
	v, err := time.ParseDuration(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

type GitHub struct {
	BaseURL        string   `yaml:"base_url"`
	Token          string   `yaml:"token"`
	AppID          int64    `yaml:"app_id"`
	InstallationID int64    `yaml:"installation_id"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	Timeout        Duration `yaml:"timeout"`
	MaxLogBytes    int      `yaml:"max_log_bytes"`
}

// HasCredentials reports whether the API path can authenticate.
func (g GitHub) HasCredentials() bool {
	return g.Token != "" || (g.AppID != 0 && g.InstallationID != 0 && g.PrivateKeyPath != "")
}

type GHCLI struct {
	// Binary is the gh executable; "none" disables the CLI path.
	Binary         string   `yaml:"binary"`
	Timeout        Duration `yaml:"timeout"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
}

func (g GHCLI) Disabled() bool { return g.Binary == "none" }

type TTLs struct {
	Repo       Duration `yaml:"repo"`
	PullList   Duration `yaml:"pull_list"`
	PullDetail Duration `yaml:"pull_detail"`
	Workflows  Duration `yaml:"workflows"`
	Runs       Duration `yaml:"runs"`
	Logs       Duration `yaml:"logs"`
	Files      Duration `yaml:"files"`
	Issues     Duration `yaml:"issues"`
}

type Cache struct {
	MaxEntries int  `yaml:"max_entries"`
	TTL        TTLs `yaml:"ttl"`
}

type Pool struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

type Policy struct {
	RepoAllowlist     string `yaml:"repo_allowlist"`
	ToolAllowlist     string `yaml:"tool_allowlist"`
	ForbiddenPrefixes string `yaml:"forbidden_prefixes"`
}

type Healing struct {
	StageAttempts int `yaml:"stage_attempts"`
	Cycles        int `yaml:"cycles"`
	// Bounds overrides the per-stage bounds derived from StageAttempts and Cycles.
	Bounds            *heal.Bounds `yaml:"bounds"`
	MinConfidence     float64      `yaml:"min_confidence"`
	MaxActiveSessions int          `yaml:"max_active_sessions"`
	RecheckTimeout    Duration     `yaml:"recheck_timeout"`
	RecheckInterval   Duration     `yaml:"recheck_interval"`
	BackoffBase       Duration     `yaml:"backoff_base"`
	BackoffMax        Duration     `yaml:"backoff_max"`
	// PatchCommand is an external patch generator tried after the built-in rules.
	PatchCommand []string `yaml:"patch_command"`
	PatchTimeout Duration `yaml:"patch_timeout"`
}

type Store struct {
	// DSN is a SQLite file path or a postgres:// URL. Empty keeps sessions in memory.
	DSN         string `yaml:"dsn"`
	ArtifactDir string `yaml:"artifact_dir"`
}

type Server struct {
	HTTPAddr string `yaml:"http_addr"`
	MCPAddr  string `yaml:"mcp_addr"`
}

// Workspace is a local git checkout exposed to the workspace tools. An empty Root
// leaves them disabled.
type Workspace struct {
	Root    string   `yaml:"root"`
	Remote  string   `yaml:"remote"`
	Git     string   `yaml:"git"`
	Timeout Duration `yaml:"timeout"`
}

func (w Workspace) Enabled() bool { return strings.TrimSpace(w.Root) != "" }

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config models openx.yaml.
type Config struct {
	Profile    string  `yaml:"profile"`
	ActiveRepo string  `yaml:"active_repo"`
	GitHub     GitHub  `yaml:"github"`
	GH         GHCLI   `yaml:"gh"`
	Cache      Cache   `yaml:"cache"`
	Pool       Pool    `yaml:"pool"`
	Policy     Policy  `yaml:"policy"`
	Healing    Healing `yaml:"healing"`
	Store      Store   `yaml:"store"`
	Server     Server    `yaml:"server"`
	Workspace  Workspace `yaml:"workspace"`
	Log        Log       `yaml:"log"`
}

// Default returns the settings of a profile ("" means dev).
func Default(profile string) (*Config, error) {
	p, err := core.LoadProfile(profile)
	if err != nil {
		return nil, err
	}
	ttl := repo.DefaultTTLs()
	hc := heal.DefaultConfig()
	return &Config{
		Profile: p.Name,
		GitHub: GitHub{
			BaseURL:     github.DefaultBaseURL,
			Timeout:     Duration(time.Duration(p.APITimeoutSeconds) * time.Second),
			MaxLogBytes: github.DefaultMaxLogBytes,
		},
		GH: GHCLI{
			Binary:         "gh",
			Timeout:        Duration(time.Duration(p.CLITimeoutSeconds) * time.Second),
			MaxOutputBytes: 1 << 20,
		},
		Cache: Cache{
			MaxEntries: cache.DefaultMaxEntries,
			TTL: TTLs{
				Repo:       Duration(ttl.Repo),
				PullList:   Duration(ttl.PullList),
				PullDetail: Duration(ttl.PullDetail),
				Workflows:  Duration(ttl.Workflows),
				Runs:       Duration(ttl.Runs),
				Logs:       Duration(ttl.Logs),
				Files:      Duration(ttl.Files),
				Issues:     Duration(ttl.Issues),
			},
		},
		Pool:   Pool{Workers: p.PoolWorkers, QueueDepth: p.PoolQueueDepth},
		Policy: Policy{ForbiddenPrefixes: p.PathPolicyForbiddenPrefixes},
		Healing: Healing{
			StageAttempts:     p.StageAttempts,
			Cycles:            p.MaxHealingCycles,
			MinConfidence:     p.MinConfidence,
			MaxActiveSessions: p.MaxActiveSessions,
			RecheckTimeout:    Duration(hc.RecheckTimeout),
			RecheckInterval:   Duration(hc.RecheckInterval),
			BackoffBase:       Duration(2 * time.Second),
			BackoffMax:        Duration(time.Minute),
			PatchTimeout:      Duration(2 * time.Minute),
		},
		Store: Store{
			DSN:         ".openx/openx.db",
			ArtifactDir: ".openx/artifacts",
		},
		Server:    Server{HTTPAddr: "127.0.0.1:8080", MCPAddr: "127.0.0.1:8090"},
		Workspace: Workspace{Remote: workspace.DefaultRemote, Git: "git", Timeout: Duration(workspace.DefaultTimeout)},
		Log:       Log{Level: "info", Format: "text"},
	}, nil
}

// Load reads path over the defaults of the profile it names. An empty path returns the
// dev defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default("")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unknown keys are rejected.
func FromYAML(data []byte) (*Config, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg, err := Default(head.Profile)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.ActiveRepo != "" {
		if _, err := github.ParseRepo(c.ActiveRepo); err != nil {
			return fmt.Errorf("config.active_repo: %w", err)
		}
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config.cache.max_entries must be at least 1")
	}
	ttls := map[string]Duration{
		"repo": c.Cache.TTL.Repo, "pull_list": c.Cache.TTL.PullList, "pull_detail": c.Cache.TTL.PullDetail,
		"workflows": c.Cache.TTL.Workflows, "runs": c.Cache.TTL.Runs, "logs": c.Cache.TTL.Logs, "files": c.Cache.TTL.Files, "issues": c.Cache.TTL.Issues,
	}
	for name, d := range ttls {
		if d <= 0 {
			return fmt.Errorf("config.cache.ttl.%s must be positive", name)
		}
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("config.pool.workers must be at least 1")
	}
	if c.Pool.QueueDepth < 0 {
		return fmt.Errorf("config.pool.queue_depth must not be negative")
	}
	if c.GitHub.Timeout <= 0 || c.GH.Timeout <= 0 {
		return fmt.Errorf("config.github.timeout and config.gh.timeout must be positive")
	}
	if c.GitHub.Token == "" && (c.GitHub.AppID != 0 || c.GitHub.PrivateKeyPath != "") {
		if c.GitHub.AppID == 0 || c.GitHub.InstallationID == 0 || c.GitHub.PrivateKeyPath == "" {
			return fmt.Errorf("config.github: app auth needs app_id, installation_id and private_key_path")
		}
	}

	h := c.Healing
	if h.StageAttempts < 1 || h.Cycles < 1 {
		return fmt.Errorf("config.healing.stage_attempts and config.healing.cycles must be at least 1")
	}
	if h.Bounds != nil {
		if err := h.Bounds.Validate(); err != nil {
			return fmt.Errorf("config.healing.bounds: %w", err)
		}
	}
	if h.MinConfidence < 0 || h.MinConfidence > 1 {
		return fmt.Errorf("config.healing.min_confidence must be within [0, 1]")
	}
	if h.MaxActiveSessions < 0 {
		return fmt.Errorf("config.healing.max_active_sessions must not be negative")
	}
	if h.RecheckTimeout <= 0 || h.RecheckInterval <= 0 {
		return fmt.Errorf("config.healing.recheck_timeout and recheck_interval must be positive")
	}
	if h.RecheckInterval > h.RecheckTimeout {
		return fmt.Errorf("config.healing.recheck_interval must not exceed recheck_timeout")
	}
	if h.BackoffBase <= 0 || h.BackoffMax < h.BackoffBase {
		return fmt.Errorf("config.healing.backoff_base must be positive and not exceed backoff_max")
	}

	if c.Workspace.Enabled() && c.Workspace.Timeout <= 0 {
		return fmt.Errorf("config.workspace.timeout must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	return nil
}

// Bounds returns the explicit per-stage bounds or derives them from attempts and cycles.
func (c *Config) Bounds() heal.Bounds {
	if c.Healing.Bounds != nil {
		return *c.Healing.Bounds
	}
	return heal.BoundsFor(c.Healing.StageAttempts, c.Healing.Cycles)
}

func (c *Config) HealConfig() heal.Config {
	return heal.Config{
		Bounds:            c.Bounds(),
		MinConfidence:     c.Healing.MinConfidence,
		MaxActiveSessions: c.Healing.MaxActiveSessions,
		RecheckTimeout:    c.Healing.RecheckTimeout.Std(),
		RecheckInterval:   c.Healing.RecheckInterval.Std(),
	}
}

func (c *Config) Backoff() heal.Backoff {
	return heal.ExponentialBackoff(c.Healing.BackoffBase.Std(), c.Healing.BackoffMax.Std())
}

func (c *Config) TTLs() repo.TTLs {
	t := c.Cache.TTL
	return repo.TTLs{
		Repo:       t.Repo.Std(),
		PullList:   t.PullList.Std(),
		PullDetail: t.PullDetail.Std(),
		Workflows:  t.Workflows.Std(),
		Runs:       t.Runs.Std(),
		Logs:       t.Logs.Std(),
		Files:      t.Files.Std(),
		Issues:     t.Issues.Std(),
	}
}

func (c *Config) NewPolicy() *core.Policy {
	p := core.NewPolicy(c.Policy.RepoAllowlist, c.Policy.ToolAllowlist)
	p.SetForbiddenPrefixes(c.Policy.ForbiddenPrefixes)
	return p
}

func (c *Config) GitHubClientConfig() github.Config {
	return github.Config{
		BaseURL:        c.GitHub.BaseURL,
		Token:          c.GitHub.Token,
		AppID:          c.GitHub.AppID,
		InstallationID: c.GitHub.InstallationID,
		PrivateKeyPath: c.GitHub.PrivateKeyPath,
		Timeout:        c.GitHub.Timeout.Std(),
		MaxLogBytes:    c.GitHub.MaxLogBytes,
	}
}

func (c *Config) WorkspaceConfig() workspace.Config {
	w := c.Workspace
	return workspace.Config{Root: w.Root, Remote: w.Remote, Git: w.Git, Timeout: w.Timeout.Std()}
}
