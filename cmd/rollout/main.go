package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitError carries a process exit status. A nil err means the summary
// already told the user what happened.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

var (
	cfg       *config.Config
	logCloser io.Closer
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// execute runs the root command and maps its error onto an exit status
func execute(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err == nil {
		return orchestrator.ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	return orchestrator.ExitFailure
}

var rootCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Rollout - deploy container images with verification and automatic rollback",
	Long: `Rollout deploys a tagged container image to a named environment using a
rolling, blue-green or recreate strategy, verifies it with health checks,
and restores the previous version automatically when verification fails.

Every deployment is recorded in a local state store, so the last known-good
version of each environment is always available as a rollback target.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Rollout version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Usage errors never touch anything
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: orchestrator.ExitPrecondition, err: err}
	})

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default ./"+config.DefaultFile+" when present)")
	flags.String("runtime", config.RuntimeDocker, "Runtime: docker, kubernetes or containerd")
	flags.String("store", config.StoreBolt, "State store backend: bolt, sqlite or memory")
	flags.String("state", ".rollout/state.db", "State store path")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log as JSON")
	flags.String("log-file", "", "Also write JSON logs to this rotated file")
	flags.String("pushgateway", "", "Prometheus Pushgateway URL for run metrics")
}

// loadConfig resolves configuration for every subcommand
func loadConfig(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")

	loaded, err := config.Load(path, cmd.Flags())
	if err != nil {
		return &exitError{code: orchestrator.ExitPrecondition, err: err}
	}
	if err := loaded.Validate(); err != nil {
		return &exitError{code: orchestrator.ExitPrecondition, err: fmt.Errorf("invalid configuration: %w", err)}
	}
	cfg = loaded

	logCfg := log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     cmd.ErrOrStderr(),
	}
	if cfg.Log.File != "" {
		logCfg.File = &log.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	if logCloser != nil {
		_ = logCloser.Close()
	}
	logCloser = log.Init(logCfg)
	return nil
}
