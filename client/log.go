package client

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the package logger. Pass a logrus entry with
// pre-bound fields to tag every line from this package.
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		logger = l
	}
}

// SetLogLevel configures the standard logger's level and format.
// Unrecognized levels fall back to error, which keeps a misconfigured
// deployment quiet rather than noisy.
func SetLogLevel(level string) {
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = time.RFC3339
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)

	switch strings.ToLower(level) {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	default:
		logrus.SetLevel(logrus.ErrorLevel)
	}
}
