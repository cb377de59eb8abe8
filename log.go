package redis

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging facade every Connection and Cluster writes
// lifecycle events through: connect/disconnect, MOVED redirects,
// protocol errors, dropped unsolicited replies. It is satisfied
// directly by *logrus.Logger and *logrus.Entry, so callers with an
// existing logrus setup can pass it through unchanged.
type Logger interface {
	WithField(key string, value interface{}) *logrus.Entry
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// discardLogger is the zero-value default: a module consumer who
// never configures Options.Logger gets silence, not stderr noise.
func discardLogger() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
