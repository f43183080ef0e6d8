// Package obslog sets up structured logging for linkctl and the library
// packages it wires together. Adapted from the reference system's
// internal/logging.go (InitLogging), generalized to return a configured
// *logrus.Logger instance instead of mutating logrus's global state, and
// to honor a configurable level alongside format.
package obslog

import (
	"github.com/sirupsen/logrus"

	"convlink/internal/config"
)

// Init builds a *logrus.Logger from cfg's format ("json" or "text") and
// level (parsed by logrus; defaults to info on an unrecognized value).
func Init(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
