/*
Package log provides structured logging for nexmdm using zerolog.

The log package wraps zerolog to give every component JSON-structured
logging with a shared global level, component-scoped child loggers, and
helpers for the identifiers that recur across the pipeline: device_id,
request_id, partition_name.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("dispatch")
	logger.Info().Str("device_id", id).Msg("dispatch.sent")

Background jobs (the partition manager, the alert evaluator, the
reconciliation job) use a component logger plus a `*.failed` event on
any per-iteration error, and keep running — see SPEC_FULL §7.
*/
package log
