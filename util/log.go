// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Messages are formatted by zap and annotated with the caller's source
// location.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	z       *zap.SugaredLogger
	verbose bool
	debug   bool
}

var (
	fallbackOnce sync.Once
	fallback     *zap.SugaredLogger
)

// NewLogger returns a Logger that writes to stderr.
func NewLogger(verbose, debug bool) *Logger {
	return &Logger{z: newStderrLogger(), verbose: verbose, debug: debug}
}

// NewLoggerWithZap returns a Logger that sends its output to the given
// zap.Logger; it's mostly useful for tests, which can pass zap.NewNop() or
// an observer core.
func NewLoggerWithZap(z *zap.Logger, verbose, debug bool) *Logger {
	return &Logger{z: z.WithOptions(zap.AddCallerSkip(1)).Sugar(),
		verbose: verbose, debug: debug}
}

func newStderrLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "zap: %v\n", err)
		return zap.NewNop().Sugar()
	}
	return z.Sugar()
}

// sugar returns the logger to write to; a nil Logger logs everything to
// stderr.
func (l *Logger) sugar() *zap.SugaredLogger {
	if l == nil || l.z == nil {
		fallbackOnce.Do(func() { fallback = newStderrLogger() })
		return fallback
	}
	return l.z
}

func (l *Logger) Print(f string, args ...interface{}) {
	s := fmt.Sprintf(f, args...)
	if len(s) == 0 || s[len(s)-1] != '\n' {
		s += "\n"
	}
	fmt.Print(s)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l != nil && !l.debug {
		return
	}
	l.sugar().Debugf(f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l != nil && !l.verbose {
		return
	}
	l.sugar().Infof(f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l.sugar().Warnf(f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	l.countError()
	l.sugar().Errorf(f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	l.countError()
	s := l.sugar()
	s.Errorf(f, args...)
	_ = s.Sync()
	os.Exit(1)
}

// Errors returns the number of errors that have been logged.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.NErrors
}

// Sync flushes any buffered log output.
func (l *Logger) Sync() {
	_ = l.sugar().Sync()
}

func (l *Logger) countError() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NErrors++
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	l.countError()
	s := l.sugar()
	if len(msg) == 0 {
		s.Error("Check failed")
	} else {
		s.Errorf(msg[0].(string), msg[1:]...)
	}
	_ = s.Sync()
	os.Exit(1)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	l.countError()
	s := l.sugar()
	if len(msg) == 0 {
		s.Errorf("Error: %+v", err)
	} else {
		s.Errorf(msg[0].(string), msg[1:]...)
	}
	_ = s.Sync()
	os.Exit(1)
}
