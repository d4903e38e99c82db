// Package logger provides the structured logging interface used across faceingest.
//
// It wraps zerolog. Output is human-readable console text when stderr is a
// terminal and JSON lines otherwise; a log file, when configured, always
// receives JSON.
//
//	log, err := logger.New(&cfg.Logging)
//	log.WithField("input", path).Info("Run started")
//	log.InfoWithFields("Batch committed", map[string]interface{}{"size": 1000})
//
// NewNopLogger and NewTestLogger are provided for tests.
package logger
