package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
)

func TestDefaultsFollowProfile(t *testing.T) {
	dev, err := Default("")
	require.NoError(t, err)
	require.NoError(t, dev.Validate())
	assert.Equal(t, "dev", dev.Profile)
	assert.Equal(t, heal.BoundsFor(3, 3), dev.Bounds())
	assert.Equal(t, 120*time.Second, dev.TTLs().Repo)
	assert.Equal(t, 60*time.Second, dev.TTLs().PullList)
	assert.Equal(t, 90*time.Second, dev.TTLs().PullDetail)

	prod, err := Default("prod")
	require.NoError(t, err)
	assert.Equal(t, heal.BoundsFor(2, 2), prod.Bounds())
	assert.Equal(t, 0.8, prod.HealConfig().MinConfidence)
	assert.Equal(t, 20*time.Second, prod.GitHub.Timeout.Std())

	_, err = Default("qa")
	assert.Error(t, err)
}

func TestFromYAMLOverlaysProfile(t *testing.T) {
	cfg, err := FromYAML([]byte(`
profile: staging
active_repo: octo/app
cache:
  ttl:
    pull_list: 15s
healing:
  min_confidence: 0.9
  recheck_timeout: 10m
  recheck_interval: 20s
  patch_command: ["./fixer", "--json"]
policy:
  repo_allowlist: octo/app
`))
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Profile)
	assert.Equal(t, "octo/app", cfg.ActiveRepo)
	assert.Equal(t, 15*time.Second, cfg.TTLs().PullList)
	assert.Equal(t, 120*time.Second, cfg.TTLs().Repo)
	assert.Equal(t, heal.BoundsFor(3, 2), cfg.Bounds())

	hc := cfg.HealConfig()
	assert.Equal(t, 0.9, hc.MinConfidence)
	assert.Equal(t, 10*time.Minute, hc.RecheckTimeout)
	assert.Equal(t, 20*time.Second, hc.RecheckInterval)
	assert.Equal(t, []string{"./fixer", "--json"}, cfg.Healing.PatchCommand)

	p := cfg.NewPolicy()
	assert.NoError(t, p.CheckRepo("octo/app"))
	assert.Error(t, p.CheckRepo("octo/other"))
	assert.Error(t, p.CheckPaths([]string{"infra/main.tf"}))
}

func TestExplicitBounds(t *testing.T) {
	cfg, err := FromYAML([]byte(`
healing:
  bounds:
    detecting: 4
    logs_fetched: 2
    classified: 3
    patch_drafted: 3
    committed: 2
    rechecking: 2
`))
	require.NoError(t, err)
	assert.Equal(t, heal.Bounds{Detecting: 4, LogsFetched: 2, Classified: 3, PatchDrafted: 3, Committed: 2, Rechecking: 2}, cfg.Bounds())
}

func TestFromYAMLRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown key", yaml: "healing:\n  retries: 3\n"},
		{name: "bad duration", yaml: "healing:\n  recheck_timeout: soon\n"},
		{name: "numeric duration", yaml: "cache:\n  ttl:\n    repo: [1]\n"},
		{name: "unknown profile", yaml: "profile: qa\n"},
		{name: "bad repo", yaml: "active_repo: not-a-repo\n"},
		{name: "zero bound", yaml: "healing:\n  bounds:\n    detecting: 0\n"},
		{name: "confidence range", yaml: "healing:\n  min_confidence: 1.5\n"},
		{name: "interval beyond timeout", yaml: "healing:\n  recheck_timeout: 1s\n  recheck_interval: 2s\n"},
		{name: "partial app auth", yaml: "github:\n  app_id: 12\n"},
		{name: "log format", yaml: "log:\n  format: xml\n"},
		{name: "zero ttl", yaml: "cache:\n  ttl:\n    runs: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Profile)

	path := filepath.Join(t.TempDir(), "openx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: 0.0.0.0:9000\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.MCPAddr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = Load(empty)
	assert.NoError(t, err)
}

func TestGitHubCredentials(t *testing.T) {
	assert.False(t, GitHub{}.HasCredentials())
	assert.True(t, GitHub{Token: "t"}.HasCredentials())
	assert.True(t, GitHub{AppID: 1, InstallationID: 2, PrivateKeyPath: "k.pem"}.HasCredentials())
	assert.True(t, GHCLI{Binary: "none"}.Disabled())
}

func TestWorkspaceSection(t *testing.T) {
	dev, err := Default("")
	require.NoError(t, err)
	assert.False(t, dev.Workspace.Enabled())
	assert.Equal(t, "origin", dev.WorkspaceConfig().Remote)

	cfg, err := FromYAML([]byte(`
workspace:
  root: /srv/checkout
  remote: upstream
  timeout: 30s
`))
	require.NoError(t, err)
	assert.True(t, cfg.Workspace.Enabled())
	wc := cfg.WorkspaceConfig()
	assert.Equal(t, "/srv/checkout", wc.Root)
	assert.Equal(t, "upstream", wc.Remote)
	assert.Equal(t, "git", wc.Git)
	assert.Equal(t, 30*time.Second, wc.Timeout)

	_, err = FromYAML([]byte("workspace:\n  root: /x\n  timeout: 0s\n"))
	assert.ErrorContains(t, err, "workspace.timeout")
}
