// Package logging provides structured logging for pmtscan runs.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation. A long raster scan emits one line per visited cell at
// DEBUG level, so logs are meant to be filtered and exported after the fact
// with the aggregation helpers rather than read raw.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context propagation (session ID, phase, component, axis)
//   - Size-based log rotation with optional gzip compression
//   - Log aggregation across rotated files, filtering, and export
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/pmtscan", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("scan started", "total", 441)
//
// # Context Propagation
//
//	sessionLogger := logger.WithSession(session.ID).WithPhase("coarse")
//	sessionLogger.WithAxis("x").Warn("move timed out", "target", 1.25)
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"move timed out","session_id":"...","phase":"coarse","axis":"x","target":1.25}
//
// # Aggregation
//
//	entries, err := logging.AggregateLogs(dir)
//	errs := logging.FilterLogs(entries, logging.LogFilter{Level: "WARN", Phase: "refine"})
//	err = logging.WriteLogEntries(os.Stdout, errs, "text")
package logging
