/*
Package log provides structured logging for rollout using zerolog.

The package keeps one global zerolog.Logger that every component derives a
child logger from. Component loggers carry a "component" field; loggers
created for a deployment carry "deployment_id" and "environment" so the
lines of one run can be filtered out of a shared log.

# Configuration

	closer := log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false, // console output for humans
		File: &log.FileConfig{ // optional rotated JSON copy
			Path:       "/var/log/rollout/rollout.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
	})
	defer closer.Close()

Console output goes to stderr: stdout is reserved for the deployment summary
so that `rollout deploy --output json | jq` works.

When File is set, every line is also written as JSON to a lumberjack rotated
file, independent of the console format.

# Context Loggers

	logger := log.WithComponent("executor")
	logger.Info().Str("slot", "green").Msg("Switching traffic")

	runLog := log.WithDeployment(rec.ID, rec.Environment)
	runLog.Warn().Err(err).Msg("Smoke check failed")
*/
package log
