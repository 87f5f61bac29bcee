// Package obs provides the gateway's single process-wide structured
// logger, modeled on the logrus wrapper used across the reference
// services this gateway was grounded on.
package obs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on this package, not
// directly on logrus, keeping the formatter/output policy centralized.
type Logger struct {
	*logrus.Logger
}

// Config controls level and output shape.
type Config struct {
	Level  string // debug, info, warn, error
	JSON   bool
	Output io.Writer // defaults to os.Stderr when nil
}

func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)

	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted logger, suitable as
// a process-wide default before configuration is loaded. The name is
// not attached to its log lines: the "component" field is set on an
// entry that is discarded, and the returned logger carries no fields.
func NewDefault(name string) *Logger {
	l := New(Config{Level: "info"})
	return &Logger{Logger: l.Logger.WithField("component", name).Logger}
}

// Session returns a logger entry pre-tagged with a session id, the
// field every subsystem log line in the gateway carries once a session
// exists.
func (l *Logger) Session(sessionID string) *logrus.Entry {
	return l.WithField("session_id", sessionID)
}

// Query returns a logger entry tagged with both session and query id.
func (l *Logger) Query(sessionID, queryID string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"session_id": sessionID, "query_id": queryID})
}
