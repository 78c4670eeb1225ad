// Package logger holds the process-wide logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

// Configure sets the level ("debug", "info", ...) and format ("text" or
// "json"). Empty values keep the current setting.
func Configure(level, format string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		log.SetLevel(lvl)
	}
	switch format {
	case "":
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", format)
	}
	return nil
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) { log.SetOutput(w) }

// L returns the underlying logger.
func L() *logrus.Logger { return log }

func Info(args ...interface{})                 { log.Info(args...) }
func Infof(format string, args ...interface{}) { log.Infof(format, args...) }
func Warnf(format string, args ...interface{}) { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }

func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}
