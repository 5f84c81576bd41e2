// Package logging provides the structured logger used throughout pgscrub,
// wrapping github.com/hashicorp/go-hclog: a package-level registry of named
// loggers, chainable key/value context via With, and leveled
// Debug/Info/Warn/Error calls.
package logging

import (
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Logger is a named, context-carrying log handle.
type Logger struct {
	hc hclog.Logger
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*Logger)
	root    = hclog.New(&hclog.LoggerOptions{
		Name:  "pgscrub",
		Level: hclog.Info,
	})
)

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(level string) {
	root.SetLevel(hclog.LevelFromString(level))
}

// GetLogger returns the (cached) logger for name, creating it if needed.
func GetLogger(name string) *Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[name]; ok {
		return l
	}
	l := &Logger{hc: root.Named(name)}
	loggers[name] = l
	return l
}

// With returns a derived logger carrying the given key/value pairs on every
// subsequent call, without mutating the receiver.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{hc: l.hc.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.hc.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.hc.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.hc.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.hc.Error(msg, kv...) }

func init() {
	if os.Getenv("PGSCRUB_DEBUG") != "" {
		root.SetLevel(hclog.Debug)
	}
}
