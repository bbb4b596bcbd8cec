// Janitor cleanup daemon.
//
// Runs the cleanup coordinator on a schedule, or performs a single tick or
// a one-shot process termination from the command line.
//
// Usage:
//
//	janitor run --config janitor.yaml         # Daemon: metrics, status, health, scheduled ticks
//	janitor once --config janitor.yaml        # One tick, history entry as JSON
//	janitor once --dry-run                    # Report what the sweep would do
//	janitor terminate 1234                    # Graceful, escalating to force
//	janitor terminate 1234 --strategy force   # One explicit strategy
//	janitor version
//
// The daemon's admin listener (server.metrics_addr) serves /metrics,
// GET /status and POST /tick.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/janitor/coreengine/config"
	enginegrpc "github.com/jeeves-cluster-organization/janitor/coreengine/grpc"
	"github.com/jeeves-cluster-organization/janitor/coreengine/kernel"
	"github.com/jeeves-cluster-organization/janitor/coreengine/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const serverShutdownTimeout = 5 * time.Second

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// load reads the configuration and builds the logger. Log settings follow
// flag > LOG_LEVEL/LOG_FORMAT > config file precedence.
func (o *rootOptions) load(cmd *cobra.Command) (*config.EngineConfig, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level, format := resolveLogging(o.logLevel, o.logFormat, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, newLogger(level, format, cmd.ErrOrStderr()), nil
}

// Run executes the CLI with args, writing command output to stdout.
func Run(args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "janitor",
		Short:         "Periodic cleanup of processes, cache entries and files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: json or text")

	root.AddCommand(
		newRunCmd(opts),
		newOnceCmd(opts),
		newTerminateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// =============================================================================
// run
// =============================================================================

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		interval    time.Duration
		historyFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the cleanup loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, logger, interval, historyFile)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "tick interval (overrides scheduler.interval)")
	cmd.Flags().StringVar(&historyFile, "history-file", "", "write tick history as JSON lines on exit")
	return cmd
}

// runDaemon serves metrics and health, runs the scheduled loop until ctx
// is done, and then shuts everything down in reverse order.
func runDaemon(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger, interval time.Duration, historyFile string) error {
	logger.Info("janitor_starting", "version", version)

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	if eng.coordinator.Status().RuleSets == 0 {
		logger.Warn("no_rule_sets_configured", "hint", "add sweep.rule_sets or sweep.presets")
	}

	if cfg.Server.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(cfg.Server.ServiceName, version, cfg.Server.OTLPEndpoint)
		if err != nil {
			logger.Warn("tracing_disabled", "error", err.Error())
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
				defer cancel()
				if err := shutdownTracer(shutdownCtx); err != nil {
					logger.Warn("tracer_shutdown_failed", "error", err.Error())
				}
			}()
		}
	}

	if cfg.Server.MetricsAddr != "" {
		admin := newAdminServer(cfg.Server.MetricsAddr, eng.bus, logger)
		if err := admin.Start(); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		defer func() {
			if err := admin.Close(serverShutdownTimeout); err != nil {
				logger.Warn("admin_server_shutdown_failed", "error", err.Error())
			}
		}()
	}

	var healthErr <-chan error
	if cfg.Server.HealthAddr != "" {
		health := enginegrpc.NewHealthServer(cfg.Server.HealthAddr, logger)
		unfollow := health.Follow(eng.bus)
		defer unfollow()

		healthErr, err = health.StartBackground()
		if err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer health.ShutdownWithTimeout(serverShutdownTimeout)
	}

	if err := eng.coordinator.Start(interval); err != nil {
		return err
	}
	logger.Info("janitor_ready",
		"interval", eng.coordinator.Status().Interval.String(),
		"bus_types", eng.bus.GetRegisteredTypes(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received", "reason", ctx.Err().Error())
	case err, ok := <-healthErr:
		if ok && err != nil {
			serveErr = fmt.Errorf("health server: %w", err)
		}
	}

	var timeoutErr *kernel.ShutdownTimeoutError
	if err := eng.coordinator.Stop(); err != nil && !errors.As(err, &timeoutErr) {
		return err
	}

	if historyFile != "" {
		if err := writeHistory(historyFile, eng.coordinator); err != nil {
			logger.Error("history_export_failed", "path", historyFile, "error", err.Error())
		}
	}

	logger.Info("janitor_stopped", "ticks", eng.coordinator.Status().Totals.Ticks)
	return serveErr
}

func writeHistory(path string, coordinator *kernel.Coordinator) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := coordinator.ExportHistory(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// =============================================================================
// once
// =============================================================================

func newOnceCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single cleanup tick and print its history entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.SetDryRun(true)
			}

			eng, err := newEngine(cfg, logger)
			if err != nil {
				return err
			}
			entry, err := eng.coordinator.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), entry); err != nil {
				return err
			}
			if entry.Partial() {
				return fmt.Errorf("tick %s completed with %d errors", entry.TickID, len(entry.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report sweep actions without touching files")
	return cmd
}

// =============================================================================
// terminate
// =============================================================================

func newTerminateCmd(opts *rootOptions) *cobra.Command {
	var (
		strategyName string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "terminate PID...",
		Short: "Terminate host processes",
		Long: "Terminate host processes. Without --strategy each process gets graceful\n" +
			"termination, escalating to force after scheduler.escalate_after failures.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				strategy kernel.Strategy
				err      error
			)
			if strategyName != "" {
				if strategy, err = kernel.ParseStrategy(strategyName); err != nil {
					return err
				}
			}
			pids := make([]int, 0, len(args))
			for _, arg := range args {
				pid, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("invalid pid %q: %w", arg, err)
				}
				pids = append(pids, pid)
			}

			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.Registry.DefaultTimeout = timeout
			}
			eng, err := newEngine(cfg, logger)
			if err != nil {
				return err
			}

			outcomes := make([]kernel.Outcome, 0, len(pids))
			failed := 0
			for _, pid := range pids {
				if _, err := eng.registry.Register(pid, "", map[string]any{"source": "cli"}); err != nil {
					return err
				}
				var outcome kernel.Outcome
				if strategyName == "" {
					outcome, err = terminateEscalating(cmd.Context(), eng.coordinator, pid)
				} else {
					outcome, err = eng.registry.Cleanup(cmd.Context(), pid, strategy, 0)
				}
				if err != nil {
					return err
				}
				if !outcome.Terminated() {
					failed++
				}
				outcomes = append(outcomes, outcome)
			}

			if err := writeJSON(cmd.OutOrStdout(), outcomes); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d processes still running", failed, len(pids))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&strategyName, "strategy", "s", "", "graceful, force or timeout (graceful then force); default escalates")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "graceful wait (overrides registry.default_timeout)")
	return cmd
}

// terminateEscalating applies the coordinator's termination policy until
// the process is gone or a forced attempt has failed.
func terminateEscalating(ctx context.Context, coordinator *kernel.Coordinator, pid int) (kernel.Outcome, error) {
	for {
		outcome, err := coordinator.TerminateProcess(ctx, pid)
		if err != nil || outcome.Terminated() || outcome.Strategy == kernel.StrategyForce {
			return outcome, err
		}
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
	}
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "janitor %s\n", version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := Run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "janitor: %v\n", err)
		os.Exit(1)
	}
}
