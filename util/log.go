// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Logger provides a simple logging system with a few different log levels
// on top of zerolog; debugging and verbose output may both be suppressed
// independently via the underlying logger's level.
type Logger struct {
	nErrors *atomic.Int64
	zl      zerolog.Logger
	out     io.Writer
}

// NewLogger returns a Logger that writes human-readable output to stderr.
// Warnings and errors are always reported.
func NewLogger(verbose, debug bool) *Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
	return NewZeroLogger(zl)
}

// NewZeroLogger wraps an existing zerolog.Logger.
func NewZeroLogger(zl zerolog.Logger) *Logger {
	return &Logger{nErrors: new(atomic.Int64), zl: zl, out: os.Stdout}
}

// Discard returns a Logger that drops everything; handy for tests.
func Discard() *Logger {
	return NewZeroLogger(zerolog.Nop())
}

// With returns a child logger that tags every message with the given
// component name. The error count is shared with the parent.
func (l *Logger) With(component string) *Logger {
	l = l.orDefault()
	return &Logger{
		nErrors: l.nErrors,
		zl:      l.zl.With().Str("component", component).Logger(),
		out:     l.out,
	}
}

// Zero returns the underlying zerolog.Logger.
func (l *Logger) Zero() zerolog.Logger {
	return l.orDefault().zl
}

// NErrors returns the number of errors reported so far.
func (l *Logger) NErrors() int {
	return int(l.orDefault().nErrors.Load())
}

var fallback = NewLogger(false, false)

func (l *Logger) orDefault() *Logger {
	if l == nil {
		return fallback
	}
	return l
}

// Print writes a line of user-facing output to stdout.
func (l *Logger) Print(f string, args ...interface{}) {
	l = l.orDefault()
	s := fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	fmt.Fprint(l.out, s)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	l = l.orDefault()
	l.zl.Debug().Str("src", caller()).Msgf(f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	l = l.orDefault()
	l.zl.Info().Str("src", caller()).Msgf(f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l = l.orDefault()
	l.zl.Warn().Str("src", caller()).Msgf(f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	l = l.orDefault()
	l.nErrors.Add(1)
	l.zl.Error().Str("src", caller()).Msgf(f, args...)
}

// caller returns the last two path components and line number of the
// function that called into the Logger.
func caller() string {
	// Two levels up the call stack
	_, fn, line, ok := runtime.Caller(2)
	if !ok {
		return "?"
	}
	return path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
}
