package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Init configures the standard logrus logger from LOG_LEVEL and LOG_FILE.
func Init() {
	level := logrus.ErrorLevel // default: production only shows errors
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l)
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stderr)

	if path := os.Getenv("LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("cannot open log file, logging to stderr")
			return
		}
		logrus.SetOutput(f)
	}
}

// ParseLevel maps the LOG_LEVEL vocabulary onto logrus levels. Unknown values fall back
// to error.
func ParseLevel(s string) logrus.Level {
	switch s {
	case "trace":
		return logrus.TraceLevel
	case "dev", "development", "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error", "production", "prod":
		return logrus.ErrorLevel
	default:
		return logrus.ErrorLevel
	}
}
