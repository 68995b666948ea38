/*
Package log provides structured logging for shepherd using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level for production
debugging.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then derive contextual loggers in each component:

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("message_id", id).Msg("message dispatched")

# Context Loggers

WithComponent tags every line with the subsystem name. Components add
their own identifying fields (host_id, message_id, orchestration_id)
with zerolog's With() chain, which makes the JSON output directly
filterable: a single orchestration or a single host's traffic can be
followed across the queue, dispatcher and orchestrator components
with one field match.

# Output Formats

JSON (production):

	{"level":"info","component":"dispatcher","time":"2026-08-24T10:30:00Z","message":"message dispatched"}

Console (development, JSONOutput: false):

	10:30AM INF message dispatched component=dispatcher

The global logger is safe for concurrent use. Loggers obtained before
Init are no-ops, which keeps package construction order flexible in
tests.
*/
package log
