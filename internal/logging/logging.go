// Package logging provides the thin go-kit/log helper layer the rest of
// this codebase is written against, mirroring the Info/Error/Debug
// helper-logger convention used by github.com/Comcast/webpa-common/logging.
package logging

import (
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// MessageKey and ErrorKey are the conventional go-kit log field names used
// throughout this codebase, matching the teacher's call sites
// (errorLog.Log(logging.MessageKey(), "...", logging.ErrorKey(), err)).
func MessageKey() string { return "msg" }
func ErrorKey() string   { return "error" }

// NewDefaultLogger returns a logfmt logger writing to stderr with a UTC
// timestamp field, suitable as the base logger for production
// and for tests that don't care about output.
func NewDefaultLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

// Info returns a logger pre-filtered to the info level.
func Info(logger log.Logger) log.Logger {
	return level.Info(logger)
}

// Error returns a logger pre-filtered to the error level.
func Error(logger log.Logger) log.Logger {
	return level.Error(logger)
}

// Debug returns a logger pre-filtered to the debug level.
func Debug(logger log.Logger) log.Logger {
	return level.Debug(logger)
}

// DefaultLogger is used by components that were not explicitly configured
// with a logger, the same fallback role webpa-common/logging.DefaultLogger
// plays for xhttp.RetryOptions.
func DefaultLogger() log.Logger {
	return NewDefaultLogger()
}
