package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version   = ""
	gitCommit = ""
	buildTime = ""
)

var rootCmd = &cobra.Command{
	Use:   "openx",
	Short: "GitHub tool dispatch and self-healing CI",
	Long: `openx exposes GitHub repository, pull request and workflow operations as tools.
Tools are served over MCP (stdio or TCP) and a JSON HTTP API, and can be called
directly from this CLI.

The healing engine watches a pull request with failing checks. It fetches the run
logs, classifies the failure, drafts a patch and commits it to the head branch,
then reruns CI until the checks pass or the per-stage bounds run out.

Configuration is layered: profile defaults (dev, staging, prod), then an optional
YAML file (--config), then OPENX_* environment variables and flags. GitHub
credentials are read from GITHUB_TOKEN or GITHUB_APP_ID, GITHUB_INSTALLATION_ID
and GITHUB_PRIVATE_KEY_PATH.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPENX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindGitHubEnv(viper.GetViper())
}

// bindGitHubEnv maps the conventional unprefixed GitHub variables onto config keys.
// The OPENX_ prefixed forms win when both are set.
func bindGitHubEnv(v *viper.Viper) {
	_ = v.BindEnv("github-token", "OPENX_GITHUB_TOKEN", "GITHUB_TOKEN", "GH_TOKEN")
	_ = v.BindEnv("github-base-url", "OPENX_GITHUB_BASE_URL", "GITHUB_BASE_URL")
	_ = v.BindEnv("github-app-id", "OPENX_GITHUB_APP_ID", "GITHUB_APP_ID")
	_ = v.BindEnv("github-installation-id", "OPENX_GITHUB_INSTALLATION_ID", "GITHUB_INSTALLATION_ID")
	_ = v.BindEnv("github-private-key-path", "OPENX_GITHUB_PRIVATE_KEY_PATH", "GITHUB_PRIVATE_KEY_PATH")
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to openx.yaml")
	flags.String("profile", "", "profile defaults: dev, staging or prod")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.StringP("output", "o", "table", "table or json")
	flags.String("active-repo", "", "owner/name used when a tool call omits repo")
	flags.String("db", "", "SQLite path or postgres:// URL for sessions and audit")
	flags.String("gh", "", `gh binary; "none" disables the CLI path`)
	flags.String("workspace", "", "local git checkout for the workspace tools")
	for _, name := range []string{"config", "profile", "log-level", "log-format", "output", "active-repo", "db", "gh", "workspace"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(healCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}
