// Package logging - Shared logrus logger for the NMS engine and its tools.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	std = newLogger(os.Stderr, logrus.InfoLevel)
)

func newLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(w)
	log.SetLevel(level)
	return log
}

// New creates a logger writing to stderr at the named level.
//
// Arguments:
//   - level: A logrus level name such as "debug", "info" or "error".
//
// Returns:
//   - *logrus.Logger: The logger.
//   - error: If the level name is unknown.
func New(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	return newLogger(os.Stderr, lvl), nil
}

// Default returns the package logger used when a component is not given one.
func Default() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// SetDefault replaces the package logger. A nil logger is ignored.
func SetDefault(log *logrus.Logger) {
	if log == nil {
		return
	}
	mu.Lock()
	std = log
	mu.Unlock()
}

// Discard returns a logger that drops everything, for tests and benchmarks.
func Discard() *logrus.Logger {
	return newLogger(io.Discard, logrus.PanicLevel)
}
