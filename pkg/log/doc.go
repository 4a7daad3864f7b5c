/*
Package log provides structured logging for the ShutterSense coordinator.

Built on zerolog, it exposes a global logger configured once at process
startup plus child-logger helpers that attach the identifiers most queries
filter on: component, tenant, agent_id, and job_id.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("coordinator")
	logger.Info().Str("job_id", job.GUID).Msg("job claimed")

Console output (human-readable, RFC3339 timestamps) is the default; JSON
output is intended for production deployments where logs are shipped to an
aggregator.
*/
package log
