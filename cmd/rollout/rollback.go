package main

import (
	"fmt"

	"github.com/cuemby/rollout/pkg/orchestrator"
	"github.com/cuemby/rollout/pkg/report"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Redeploy the last known-good version of an environment",
	Long: `Redeploy the image tag of the last successful deployment of an environment.

Use it after a deployment failed with automatic rollback disabled. The
redeployment is recorded, validated and verified like any other deployment.

Examples:
  rollout rollback --environment staging
  rollout rollback -e prod --confirm prod`,
	RunE: runRollback,
}

func init() {
	flags := rollbackCmd.Flags()
	flags.StringP("environment", "e", "", "Target environment (required)")
	flags.StringP("strategy", "s", "rolling", "Strategy: rolling or recreate")
	flags.Bool("dry-run", false, "Validate and plan without changing anything")
	flags.String("confirm", "", "Environment name, to confirm a protected deployment")
	flags.BoolP("yes", "y", false, "Skip the confirmation prompt of protected environments")
	flags.Bool("allow-recreate", false, "Allow the recreate strategy on protected environments")
	flags.StringP("output", "o", "text", "Summary format: text, json or yaml")

	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	env, err := environment(cmd)
	if err != nil {
		return err
	}
	output, _ := flags.GetString("output")

	format, err := report.ParseFormat(output)
	if err != nil {
		return &exitError{code: orchestrator.ExitPrecondition, err: err}
	}

	s, err := openSession(env)
	if err != nil {
		return err
	}
	defer s.finish(env)

	tag, err := s.orch.RollbackTarget(env)
	if err != nil {
		return &exitError{code: orchestrator.ExitPrecondition, err: err}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Rolling back %s to %s\n", env, tag)

	req := orchestrator.Request{Environment: env, Tag: tag}
	req.Strategy, _ = flags.GetString("strategy")
	req.DryRun, _ = flags.GetBool("dry-run")
	req.Confirm, _ = flags.GetString("confirm")
	req.Yes, _ = flags.GetBool("yes")
	req.AllowRecreate, _ = flags.GetBool("allow-recreate")

	return s.deploy(cmd, req, format)
}
