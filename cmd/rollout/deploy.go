package main

import (
	"time"

	"github.com/cuemby/rollout/pkg/orchestrator"
	"github.com/cuemby/rollout/pkg/report"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy an image tag to an environment",
	Long: `Deploy an image tag to an environment and verify it.

The deployment is validated, executed with the chosen strategy and verified
with health checks. When verification fails and automatic rollback is
enabled, the previous version is redeployed and verified.

Exit status is 0 when the environment ends up healthy (the new version, or
the previous one after a rollback) and smoke checks pass, 1 when it needs
attention, and 2 when nothing was deployed because a precondition failed.

Examples:
  # Rolling deployment to staging
  rollout deploy --environment staging --tag v1.2.3

  # Blue-green deployment to production
  rollout deploy -e prod -t v1.2.3 --strategy blue-green --confirm prod

  # Show what would happen
  rollout deploy -e staging -t v1.2.3 --dry-run --output json`,
	RunE: runDeploy,
}

func init() {
	flags := deployCmd.Flags()
	flags.StringP("environment", "e", "", "Target environment (required)")
	flags.StringP("tag", "t", "", "Image tag to deploy (required)")
	flags.StringP("strategy", "s", "rolling", "Strategy: rolling, blue-green or recreate")
	flags.Bool("dry-run", false, "Validate and plan without changing anything")
	flags.Bool("no-rollback", false, "Leave a failed deployment in place")
	flags.Int("health-retries", 10, "Health check attempts before giving up")
	flags.Duration("health-interval", 5*time.Second, "Delay between health check attempts")
	flags.Duration("health-deadline", 0, "Overall health verification budget (0 means retries decide)")
	flags.String("confirm", "", "Environment name, to confirm a protected deployment")
	flags.BoolP("yes", "y", false, "Skip the confirmation prompt of protected environments")
	flags.Bool("allow-recreate", false, "Allow the recreate strategy on protected environments")
	flags.String("id", "", "Deployment ID (default: generated)")
	flags.StringP("output", "o", "text", "Summary format: text, json or yaml")

	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	env, _ := flags.GetString("environment")
	output, _ := flags.GetString("output")

	format, err := report.ParseFormat(output)
	if err != nil {
		return &exitError{code: orchestrator.ExitPrecondition, err: err}
	}

	req := orchestrator.Request{Environment: env}
	req.ID, _ = flags.GetString("id")
	req.Tag, _ = flags.GetString("tag")
	req.Strategy, _ = flags.GetString("strategy")
	req.DryRun, _ = flags.GetBool("dry-run")
	req.NoRollback, _ = flags.GetBool("no-rollback")
	req.Confirm, _ = flags.GetString("confirm")
	req.Yes, _ = flags.GetBool("yes")
	req.AllowRecreate, _ = flags.GetBool("allow-recreate")

	return deploy(cmd, req, format)
}

// deploy runs one orchestrated deployment and prints its summary
func deploy(cmd *cobra.Command, req orchestrator.Request, format report.Format) error {
	s, err := openSession(req.Environment)
	if err != nil {
		return err
	}
	defer s.finish(req.Environment)

	return s.deploy(cmd, req, format)
}

func (s *session) deploy(cmd *cobra.Command, req orchestrator.Request, format report.Format) error {
	res, err := s.orch.Run(cmd.Context(), req)
	if err != nil {
		return err
	}

	if err := report.Render(cmd.OutOrStdout(), format, report.FromResult(res)); err != nil {
		return err
	}
	if code := res.ExitCode(); code != orchestrator.ExitOK {
		return &exitError{code: code}
	}
	return nil
}
