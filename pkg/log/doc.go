/*
Package log provides structured logging for flaxkv using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers and configurable log levels.
The embeddable façade leaves logging disabled by default; binaries
(cmd/flaxkv) call log.Init during startup.

Component loggers attach context that survives across the write path:

	logger := log.WithComponent("engine")
	logger.Info().Str("db", name).Int("buffer", n).Msg("flush complete")

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.WithDB("vectors").Debug().Msg("snapshot rotated")
*/
package log
