// Package logger is the process wide logging front. Backends are attached
// once with Init; until then every call is a no-op, which keeps library
// packages quiet in tests.
package logger

import (
	"slices"
	"sync/atomic"
)

// LoggerInstance defines the interface for logging backends.
type LoggerInstance interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

type level uint8

const (
	levelPlain level = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelFatal
)

var backends atomic.Pointer[[]LoggerInstance]

// Init replaces the attached backends. Engines log from many goroutines, so
// the set is swapped atomically.
func Init(instances ...LoggerInstance) {
	b := slices.Clone(instances)
	backends.Store(&b)
}

// Enabled reports whether Init attached at least one backend.
func Enabled() bool {
	b := backends.Load()
	return b != nil && len(*b) > 0
}

func emit(lvl level, message string, keyvals []any) {
	b := backends.Load()
	if b == nil {
		return
	}
	for _, instance := range *b {
		switch lvl {
		case levelDebug:
			instance.Debug(message, keyvals...)
		case levelInfo:
			instance.Info(message, keyvals...)
		case levelWarn:
			instance.Warn(message, keyvals...)
		case levelError:
			instance.Error(message, keyvals...)
		case levelFatal:
			instance.Fatal(message, keyvals...)
		default:
			instance.Log(message, keyvals...)
		}
	}
}

// Log writes without a level.
func Log(message string, keyvals ...any) { emit(levelPlain, message, keyvals) }

func Debug(message string, keyvals ...any) { emit(levelDebug, message, keyvals) }

func Info(message string, keyvals ...any) { emit(levelInfo, message, keyvals) }

func Warn(message string, keyvals ...any) { emit(levelWarn, message, keyvals) }

func Error(message string, keyvals ...any) { emit(levelError, message, keyvals) }

// Fatal is expected to exit the process; console backends do.
func Fatal(message string, keyvals ...any) { emit(levelFatal, message, keyvals) }
