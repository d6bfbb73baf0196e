package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
	httpsvr "github.com/vaishcodescape/OpenX-MCP/internal/http"
	"github.com/vaishcodescape/OpenX-MCP/internal/mcp"
	"github.com/vaishcodescape/OpenX-MCP/internal/store"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

func buildInfo() httpsvr.BuildInfo {
	return httpsvr.BuildInfo{Version: version, GitCommit: gitCommit, BuildTime: buildTime}
}

// auditLog avoids handing the HTTP server a typed nil.
func (a *app) auditLog() httpsvr.AuditLog {
	if a.store == nil {
		return nil
	}
	return a.store
}

// call dispatches through the registry so CLI calls get the same policy checks,
// metrics and audit rows as MCP and HTTP calls.
func (a *app) call(ctx context.Context, name string, args map[string]any) (any, error) {
	res := a.registry.Call(ctx, tools.Call{Name: name, Arguments: args})
	if !res.OK() {
		return nil, res.Err()
	}
	return res.Payload(), nil
}

func serveCmd() *cobra.Command {
	var httpAddr, mcpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP over TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if httpAddr == "" {
					httpAddr = a.cfg.Server.HTTPAddr
				}
				if mcpAddr == "" {
					mcpAddr = a.cfg.Server.MCPAddr
				}
				httpServer := httpsvr.NewServer(httpAddr, a.registry, a.auditLog(), a.logger, buildInfo())
				mcpServer := mcp.NewServer(mcpAddr, a.registry, a.logger, version)

				sweepCtx, stopSweep := context.WithCancel(ctx)
				defer stopSweep()
				go a.client.Cache().Run(sweepCtx, time.Minute)

				errCh := make(chan error, 2)
				go func() { errCh <- httpServer.ListenAndServe() }()
				go func() { errCh <- mcpServer.ListenAndServe() }()

				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(sigCh)

				var serveErr error
				select {
				case sig := <-sigCh:
					a.logger.Info("shutting down", "signal", sig.String())
				case err := <-errCh:
					a.logger.Error("server error", "err", err)
					serveErr = err
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					a.logger.Warn("http shutdown", "err", err)
				}
				if err := mcpServer.Shutdown(shutdownCtx); err != nil {
					a.logger.Warn("mcp shutdown", "err", err)
				}
				a.logger.Info("shutdown complete")
				return serveErr
			})
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&mcpAddr, "mcp-addr", "", "MCP TCP listen address (default from config)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP over stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				return mcp.NewServer("", a.registry, a.logger, version).ServeStream(ctx, os.Stdin, os.Stdout)
			})
		},
	}
}

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tools", Short: "List and call tools"}
	cmd.AddCommand(toolsListCmd())
	cmd.AddCommand(toolsCallCmd())
	return cmd
}

func toolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ds := a.registry.List()
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), ds)
				}
				printTools(cmd.OutOrStdout(), ds)
				return nil
			})
		},
	}
}

func toolsCallCmd() *cobra.Command {
	var rawArgs string
	var pairs []string
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call a tool and print its payload as JSON",
		Example: `  openx tools call github.get_pr --arg number=42
  openx tools call github.list_workflow_runs --args '{"repo":"octo/app","status":"failure"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				d, _ := a.registry.Lookup(args[0])
				toolArgs, err := parseToolArgs(d, rawArgs, pairs)
				if err != nil {
					return err
				}
				payload, err := a.call(ctx, args[0], toolArgs)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), payload)
			})
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "arguments as a JSON object")
	cmd.Flags().StringArrayVar(&pairs, "arg", nil, "argument as key=value; repeatable; arrays are comma-separated")
	return cmd
}

// parseToolArgs merges a JSON object with key=value pairs. Pairs win and are
// converted to the type the tool declares for that parameter.
func parseToolArgs(d tools.Descriptor, raw string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	types := make(map[string]tools.ParamType, len(d.Schema))
	for _, p := range d.Schema {
		types[p.Name] = p.Type
	}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--arg %q must be key=value", pair)
		}
		val, err := typedValue(types[k], v)
		if err != nil {
			return nil, fmt.Errorf("--arg %s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

func typedValue(t tools.ParamType, s string) (any, error) {
	switch t {
	case tools.TypeInteger:
		return strconv.ParseInt(s, 10, 64)
	case tools.TypeNumber:
		return strconv.ParseFloat(s, 64)
	case tools.TypeBoolean:
		return strconv.ParseBool(s)
	case tools.TypeArray:
		items := []any{}
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	case tools.TypeObject:
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return s, nil
}

func healCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "heal [owner/name] [number]",
		Short: "Heal a pull request and wait for the outcome",
		Long: `heal starts a healing session and follows it until it is healed, exhausted or
aborted. Without a number the first open pull request with failing checks is used;
without a repository the active repository is used. Interrupting aborts the session.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			startArgs, err := healArgs(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return withApp(ctx, func(ctx context.Context, a *app) error {
				payload, err := a.call(ctx, "healing.start_session", startArgs)
				if err != nil {
					return err
				}
				s := payload.(heal.Session)
				fmt.Fprintf(cmd.ErrOrStderr(), "session %s started for %s\n", s.ID, s.PullRequest)

				final, err := follow(ctx, a.healer, s.ID, time.Second, func(h heal.HistoryEntry) {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s -> %s (%s) %s\n", h.From, h.To, h.Outcome, h.Detail)
				})
				if err != nil {
					abortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if _, abortErr := a.healer.Abort(abortCtx, s.ID, "interrupted"); abortErr == nil {
						final, _ = a.healer.Wait(abortCtx, s.ID)
					}
				}
				if jsonOutput() {
					if perr := printJSON(cmd.OutOrStdout(), final); perr != nil {
						return perr
					}
				} else {
					printSession(cmd.OutOrStdout(), final)
				}
				if err != nil {
					return err
				}
				if final.Result != heal.ResultHealed {
					return fmt.Errorf("session %s ended %s: %s", final.ID, final.Result, final.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the session after this long (0 waits indefinitely)")
	return cmd
}

// healArgs accepts [repo] [number] in either order of presence.
func healArgs(args []string) (map[string]any, error) {
	out := map[string]any{}
	for _, arg := range args {
		if n, err := strconv.Atoi(strings.TrimPrefix(arg, "#")); err == nil {
			if _, dup := out["number"]; dup {
				return nil, fmt.Errorf("pull request number given twice")
			}
			out["number"] = n
			continue
		}
		if _, dup := out["repo"]; dup {
			return nil, fmt.Errorf("repository given twice")
		}
		out["repo"] = arg
	}
	return out, nil
}

// sessionWaiter is the slice of the orchestrator follow needs.
type sessionWaiter interface {
	Wait(ctx context.Context, id string) (heal.Session, error)
}

// follow waits for id to finish, reporting each new transition on the way.
func follow(ctx context.Context, w sessionWaiter, id string, every time.Duration, onTransition func(heal.HistoryEntry)) (heal.Session, error) {
	seen := 0
	for {
		waitCtx, cancel := context.WithTimeout(ctx, every)
		s, err := w.Wait(waitCtx, id)
		cancel()
		for ; seen < len(s.History); seen++ {
			onTransition(s.History[seen])
		}
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return s, err
		}
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect and abort healing sessions"}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsGetCmd())
	cmd.AddCommand(sessionsAbortCmd())
	cmd.AddCommand(sessionsArtifactsCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				payload, err := a.call(ctx, "healing.list_sessions", map[string]any{"limit": limit})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), payload)
				}
				printSessions(cmd.OutOrStdout(), payload.([]heal.Session))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions")
	return cmd
}

func sessionsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a session with its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				payload, err := a.call(ctx, "healing.get_session", map[string]any{"id": args[0]})
				if err != nil {
					return err
				}
				return printSessionPayload(cmd.OutOrStdout(), payload)
			})
		},
	}
}

func sessionsAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort an active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				payload, err := a.call(ctx, "healing.abort_session", map[string]any{"id": args[0], "reason": reason})
				if err != nil {
					return err
				}
				return printSessionPayload(cmd.OutOrStdout(), payload)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "aborted from cli", "reason recorded on the session")
	return cmd
}

func printSessionPayload(w io.Writer, payload any) error {
	if jsonOutput() {
		return printJSON(w, payload)
	}
	printSession(w, payload.(heal.Session))
	return nil
}

func sessionsArtifactsCmd() *cobra.Command {
	var show string
	cmd := &cobra.Command{
		Use:   "artifacts <session-id>",
		Short: "List the logs and patches stored for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.store == nil {
					return fmt.Errorf("artifacts need a store: set --db or store.dsn")
				}
				if show != "" {
					data, err := a.store.ReadArtifact(ctx, show)
					if err != nil {
						return err
					}
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				as, err := a.store.ListArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), as)
				}
				printArtifacts(cmd.OutOrStdout(), as)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&show, "show", "", "print the content of this artifact id")
	return cmd
}

func auditCmd() *cobra.Command {
	var (
		toolName, status string
		since            time.Duration
		limit            int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audited tool calls, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && status != "ok" && status != "error" {
				return fmt.Errorf("--status must be ok or error")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.store == nil {
					return fmt.Errorf("audit needs a store: set --db or store.dsn")
				}
				f := store.ToolCallFilter{ToolName: toolName, Status: status, Limit: limit}
				if since > 0 {
					after := time.Now().Add(-since)
					f.CreatedAfter = &after
				}
				calls, err := a.store.ListToolCalls(ctx, f)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), calls)
				}
				printToolCalls(cmd.OutOrStdout(), calls)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&toolName, "tool", "", "tool name")
	cmd.Flags().StringVar(&status, "status", "", "ok or error")
	cmd.Flags().DurationVar(&since, "since", 0, "only calls newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of calls")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.GitHub.Token != "" {
				redacted.GitHub.Token = "********"
			}
			if redacted.Healing.Bounds == nil {
				b := cfg.Bounds()
				redacted.Healing.Bounds = &b
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(&redacted)
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildInfo()
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), info)
			}
			v := info.Version
			if v == "" {
				v = "dev"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "openx %s", v)
			if info.GitCommit != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", info.GitCommit)
			}
			if info.BuildTime != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " built %s", info.BuildTime)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}
