// Package logger builds slog.Logger instances with sane defaults for the
// queue engine and the applications embedding it.
//
// The factory defaults to JSON output at INFO level, which suits log
// aggregation in production. Development setups usually switch to the text
// format:
//
//	log := logger.New(
//		logger.WithTextFormatter(),
//		logger.WithLevel(slog.LevelDebug),
//		logger.WithAttr(slog.String("service", "worker")),
//	)
//	logger.SetAsDefault(log)
//
// The package also provides attribute helpers (Error, JobID, QueueName) used
// throughout the queue engine to keep log field names consistent.
package logger
