package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vaishcodescape/OpenX-MCP/internal/cache"
	"github.com/vaishcodescape/OpenX-MCP/internal/config"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/ghcli"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
	"github.com/vaishcodescape/OpenX-MCP/internal/pool"
	"github.com/vaishcodescape/OpenX-MCP/internal/repo"
	"github.com/vaishcodescape/OpenX-MCP/internal/store"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
	"github.com/vaishcodescape/OpenX-MCP/internal/toolset"
	"github.com/vaishcodescape/OpenX-MCP/internal/workspace"
)

// loadConfig resolves profile defaults, the YAML file and then flag and environment
// overrides held in v.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	profile := strings.TrimSpace(v.GetString("profile"))
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		cfg, err = config.Load(path)
		if err == nil && profile != "" && profile != cfg.Profile {
			err = fmt.Errorf("--profile %s conflicts with profile %s in %s", profile, cfg.Profile, path)
		}
	} else {
		cfg, err = config.Default(profile)
	}
	if err != nil {
		return nil, err
	}

	overlay := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	overlay("log-level", &cfg.Log.Level)
	overlay("log-format", &cfg.Log.Format)
	overlay("active-repo", &cfg.ActiveRepo)
	overlay("db", &cfg.Store.DSN)
	overlay("gh", &cfg.GH.Binary)
	overlay("workspace", &cfg.Workspace.Root)
	overlay("github-token", &cfg.GitHub.Token)
	overlay("github-base-url", &cfg.GitHub.BaseURL)
	overlay("github-private-key-path", &cfg.GitHub.PrivateKeyPath)
	if id := v.GetInt64("github-app-id"); id != 0 {
		cfg.GitHub.AppID = id
	}
	if id := v.GetInt64("github-installation-id"); id != 0 {
		cfg.GitHub.InstallationID = id
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is the wired process: both GitHub paths behind the cached client, the tool
// registry and the healing orchestrator.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pool.Pool
	client   *repo.Client
	registry *tools.Registry
	store    *store.Store
	healer   *heal.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	a.pool = pool.New(cfg.Pool.Workers, cfg.Pool.QueueDepth)

	c, err := cache.New(cache.WithMaxEntries(cfg.Cache.MaxEntries))
	if err != nil {
		return nil, a.fail(err)
	}

	var (
		cli *ghcli.CLI
		api *github.Client
	)
	if !cfg.GH.Disabled() {
		cli = ghcli.New(ghcli.Config{
			Binary:  cfg.GH.Binary,
			Token:   cfg.GitHub.Token,
			Host:    ghcli.HostFromBaseURL(cfg.GitHub.BaseURL),
			Timeout: cfg.GH.Timeout.Std(),
		}, ghcli.NewExecRunner(cfg.GH.MaxOutputBytes), a.pool)
	}
	if cfg.GitHub.HasCredentials() {
		api, err = github.NewClient(cfg.GitHubClientConfig())
		if err != nil {
			return nil, a.fail(fmt.Errorf("github client: %w", err))
		}
	}
	var primary, fallback github.Host
	if cli != nil {
		primary = cli
	}
	if api != nil {
		fallback = api
	}
	a.client, err = repo.New(primary, fallback, c, cfg.TTLs(), logger)
	if err != nil {
		if errors.Is(err, repo.ErrNoPath) {
			err = fmt.Errorf("no GitHub path available: enable gh or set GITHUB_TOKEN or GitHub App credentials")
		}
		return nil, a.fail(err)
	}

	if cfg.Store.DSN != "" {
		a.store, err = store.Open(ctx, cfg.Store.DSN, cfg.Store.ArtifactDir, store.WithLogger(logger))
		if err != nil {
			return nil, a.fail(err)
		}
	}

	policy := cfg.NewPolicy()
	deps := toolset.Deps{
		Host:       a.client,
		Classifier: heal.NewClassifier(nil),
		Generator:  a.generator(),
		Ledger:     core.NewMemoryLedger(0),
		Policy:     policy,
		ActiveRepo: cfg.ActiveRepo,
	}
	if cli != nil {
		deps.Raw = cli
	}
	if a.store != nil {
		deps.Ledger = a.store
	}
	if cfg.Workspace.Enabled() {
		deps.Workspace, err = workspace.Open(cfg.WorkspaceConfig(), ghcli.NewExecRunner(cfg.GH.MaxOutputBytes), a.pool)
		if err != nil {
			return nil, a.fail(fmt.Errorf("workspace: %w", err))
		}
	}
	a.registry = tools.NewRegistry(tools.WithPolicy(policy), tools.WithLogger(logger))
	if err := toolset.Register(a.registry, deps, nil); err != nil {
		return nil, a.fail(err)
	}

	healOpts := []heal.Option{
		heal.WithInvalidator(a.client),
		heal.WithPolicy(policy),
		heal.WithLogger(logger),
		heal.WithBackoff(cfg.Backoff()),
	}
	if a.store != nil {
		healOpts = append(healOpts, heal.WithArchive(a.store), heal.WithArtifacts(a.store))
	}

	a.healer, err = heal.New(a.registry, deps.Generator, cfg.HealConfig(), healOpts...)
	if err != nil {
		return nil, a.fail(err)
	}
	if err := toolset.RegisterHealing(a.registry, deps, a.healer); err != nil {
		return nil, a.fail(err)
	}
	if a.store != nil {
		a.registry.AddObserver(a.store)
	}
	a.registry.Freeze()

	logger.Debug("openx ready",
		"profile", cfg.Profile,
		"github_path", a.client.Path(),
		"active_repo", cfg.ActiveRepo,
		"tools", len(a.registry.List()),
		"store", storeDriver(a.store),
		"workspace", cfg.Workspace.Root,
	)
	return a, nil
}

// generator tries the built-in rules first and then the configured patch command.
func (a *app) generator() heal.PatchGenerator {
	rules := heal.RuleGenerator{}
	if len(a.cfg.Healing.PatchCommand) == 0 {
		return rules
	}
	return heal.ChainGenerator{rules, &heal.CommandGenerator{
		Command: a.cfg.Healing.PatchCommand,
		Env:     os.Environ(),
		Timeout: a.cfg.Healing.PatchTimeout.Std(),
		Runner:  ghcli.NewExecRunner(a.cfg.GH.MaxOutputBytes),
		Pool:    a.pool,
	}}
}

func storeDriver(s *store.Store) string {
	if s == nil {
		return "memory"
	}
	return s.Driver()
}

// fail releases whatever was built before a construction error.
func (a *app) fail(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.close(ctx)
	return err
}

// close stops healing sessions first so their final snapshots reach the store.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.healer != nil {
		if err := a.healer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close healer: %w", err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// withApp loads configuration from the global viper, builds the app and runs fn.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, newLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level))
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
