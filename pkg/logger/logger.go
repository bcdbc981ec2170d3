// Package logger provides the process-wide structured logger used by every
// other package in this module. It wraps log/slog behind a small singleton
// so call sites don't have to thread a *slog.Logger through every
// constructor.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newDefault())
}

func newDefault() *slog.Logger {
	level := slog.LevelInfo
	if unstructuredLogs() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// unstructuredLogs mirrors the teacher's UNSTRUCTURED_LOGS switch: text
// output for local development terminals, JSON for anything collected by a
// log pipeline. Any value other than the literal string "false" keeps the
// human-readable default.
func unstructuredLogs() bool {
	return os.Getenv("UNSTRUCTURED_LOGS") != "false"
}

// Initialize replaces the singleton logger. Call once at process startup
// after configuration has been loaded.
func Initialize(l *slog.Logger) {
	singleton.Store(l)
}

// Get returns the current singleton logger.
func Get() *slog.Logger {
	return singleton.Load()
}

func log(ctx context.Context, level slog.Level, msg string, args ...any) {
	singleton.Load().Log(ctx, level, msg, args...)
}

// Debug logs msg at debug level.
func Debug(msg string) { log(context.Background(), slog.LevelDebug, msg) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) {
	log(context.Background(), slog.LevelDebug, sprintf(format, args...))
}

// Debugw logs msg at debug level with structured key/value pairs.
func Debugw(msg string, kv ...any) { log(context.Background(), slog.LevelDebug, msg, kv...) }

// Info logs msg at info level.
func Info(msg string) { log(context.Background(), slog.LevelInfo, msg) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) {
	log(context.Background(), slog.LevelInfo, sprintf(format, args...))
}

// Infow logs msg at info level with structured key/value pairs.
func Infow(msg string, kv ...any) { log(context.Background(), slog.LevelInfo, msg, kv...) }

// Warn logs msg at warn level.
func Warn(msg string) { log(context.Background(), slog.LevelWarn, msg) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) {
	log(context.Background(), slog.LevelWarn, sprintf(format, args...))
}

// Warnw logs msg at warn level with structured key/value pairs.
func Warnw(msg string, kv ...any) { log(context.Background(), slog.LevelWarn, msg, kv...) }

// Error logs msg at error level.
func Error(msg string) { log(context.Background(), slog.LevelError, msg) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) {
	log(context.Background(), slog.LevelError, sprintf(format, args...))
}

// Errorw logs msg at error level with structured key/value pairs.
func Errorw(msg string, kv ...any) { log(context.Background(), slog.LevelError, msg, kv...) }

// Fatalf logs a formatted message at error level and terminates the process.
// Used only at startup (config load, listener bind) — never inside a
// request handler, per the "programmer errors crash the worker" policy.
func Fatalf(format string, args ...any) {
	log(context.Background(), slog.LevelError, sprintf(format, args...))
	os.Exit(1)
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
