package fs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// The logging helpers take a leading object which is stringified into the
// log prefix, so call sites read Debugf(f, "...") / Debugf(o, "...") with
// whatever object gives the most context. nil is fine.

var logger = logrus.StandardLogger()

// SetLogLevel adjusts the verbosity of the package logger
func SetLogLevel(level logrus.Level) {
	logger.SetLevel(level)
}

func prefix(o interface{}) string {
	if o == nil {
		return ""
	}
	if s, ok := o.(fmt.Stringer); ok {
		return s.String() + ": "
	}
	return fmt.Sprintf("%v: ", o)
}

// Debugf logs at debug level with the object as prefix
func Debugf(o interface{}, format string, args ...interface{}) {
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		logger.Debugf(prefix(o)+format, args...)
	}
}

// Infof logs at info level with the object as prefix
func Infof(o interface{}, format string, args ...interface{}) {
	logger.Infof(prefix(o)+format, args...)
}

// Errorf logs at error level with the object as prefix
func Errorf(o interface{}, format string, args ...interface{}) {
	logger.Errorf(prefix(o)+format, args...)
}
