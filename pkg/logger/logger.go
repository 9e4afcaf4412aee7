// Package logger provides a process-wide structured logging facade backed by zap.
//
// It mirrors the teacher's package-level Debug/Info/Warn/Error/Panic family so
// call sites never reference the underlying logging library directly.
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

var singleton atomic.Pointer[zap.SugaredLogger]

// Initialize builds the process-wide logger. Safe to call multiple times;
// the last call wins. Honors DEBUG=true for development-mode (console,
// colorized, debug level) output, production JSON otherwise.
func Initialize() {
	var cfg zap.Config
	if os.Getenv("DEBUG") == "true" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Logging must never prevent startup; fall back to a no-op logger.
		l = zap.NewNop()
	}
	singleton.Store(l.Sugar())
}

// Get returns the current process-wide logger, initializing a default
// (production) one on first use if Initialize was never called.
func Get() *zap.SugaredLogger {
	if l := singleton.Load(); l != nil {
		return l
	}
	Initialize()
	return singleton.Load()
}

// With returns a child logger annotated with the given key/value pairs.
// Used at request ingress to stamp request_id and generation onto every
// subsequent log record for that request (spec: "Logging & tracing").
func With(kv ...interface{}) *zap.SugaredLogger {
	return Get().With(kv...)
}

func Debug(args ...interface{})                  { Get().Debug(args...) }
func Debugf(template string, args ...interface{}) { Get().Debugf(template, args...) }
func Debugw(msg string, kv ...interface{})        { Get().Debugw(msg, kv...) }

func Info(args ...interface{})                  { Get().Info(args...) }
func Infof(template string, args ...interface{}) { Get().Infof(template, args...) }
func Infow(msg string, kv ...interface{})        { Get().Infow(msg, kv...) }

func Warn(args ...interface{})                  { Get().Warn(args...) }
func Warnf(template string, args ...interface{}) { Get().Warnf(template, args...) }
func Warnw(msg string, kv ...interface{})        { Get().Warnw(msg, kv...) }

func Error(args ...interface{})                  { Get().Error(args...) }
func Errorf(template string, args ...interface{}) { Get().Errorf(template, args...) }
func Errorw(msg string, kv ...interface{})        { Get().Errorw(msg, kv...) }

func Panic(args ...interface{})                  { Get().Panic(args...) }
func Panicf(template string, args ...interface{}) { Get().Panicf(template, args...) }
