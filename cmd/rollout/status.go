package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/rollout/pkg/orchestrator"
	"github.com/cuemby/rollout/pkg/report"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest deployment of an environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := environment(cmd)
		if err != nil {
			return err
		}
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		return withStore(func(store storage.Store) error {
			rec, err := store.Latest(env)
			if errors.Is(err, types.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No deployments recorded for %s\n", env)
				return nil
			}
			if err != nil {
				return err
			}
			return report.Render(cmd.OutOrStdout(), format, rec)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past deployments of an environment, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := environment(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		return withStore(func(store storage.Store) error {
			recs, err := store.List(env, limit)
			if err != nil {
				return err
			}
			return report.Render(cmd.OutOrStdout(), format, recs)
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear a stale in-flight deployment",
	Long: `Mark the in-flight deployment of an environment as FAILED and release
the environment.

A deployment interrupted by a crash keeps its environment busy; it is never
resumed automatically. Check the runtime by hand, then clear the record so
new deployments can start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := environment(cmd)
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")

		return withStore(func(store storage.Store) error {
			rec, err := store.Clear(env, reason)
			if errors.Is(err, types.ErrNotFound) {
				return &exitError{code: orchestrator.ExitFailure, err: fmt.Errorf("environment %s has no in-flight deployment", env)}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared deployment %s (%s)\n", rec.ID, rec.Status)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, historyCmd, clearCmd} {
		c.Flags().StringP("environment", "e", "", "Environment (required)")
		rootCmd.AddCommand(c)
	}
	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	historyCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	historyCmd.Flags().Int("limit", 20, "Maximum number of records (0 for all)")
	clearCmd.Flags().String("reason", "cleared by operator", "Reason recorded on the cleared deployment")
}

// environment returns the normalized --environment flag
func environment(cmd *cobra.Command) (string, error) {
	env, _ := cmd.Flags().GetString("environment")
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		return "", &exitError{code: orchestrator.ExitPrecondition, err: errors.New("--environment is required")}
	}
	return env, nil
}

func outputFormat(cmd *cobra.Command) (report.Format, error) {
	output, _ := cmd.Flags().GetString("output")
	format, err := report.ParseFormat(output)
	if err != nil {
		return "", &exitError{code: orchestrator.ExitPrecondition, err: err}
	}
	return format, nil
}

func withStore(fn func(storage.Store) error) error {
	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()
	return fn(store)
}
