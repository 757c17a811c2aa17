// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package logger provides component-scoped structured logging.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu      sync.RWMutex
	current = newLogger(os.Stderr, "info", "text")
)

// Init replaces the process logger. format is "text" or "json".
func Init(level, format string) {
	SetOutput(os.Stderr, level, format)
}

// SetOutput is Init with an explicit writer, mostly for tests.
func SetOutput(w io.Writer, level, format string) {
	l := newLogger(w, level, format)
	mu.Lock()
	current = l
	mu.Unlock()
}

func ParseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level).slogLevel()}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func logCF(level LogLevel, component, message string, fields map[string]interface{}) {
	l := get()
	lvl := level.slogLevel()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.LogAttrs(context.Background(), lvl, message, attrs...)
}

func Debug(message string) { logCF(DEBUG, "", message, nil) }
func Info(message string)  { logCF(INFO, "", message, nil) }
func Warn(message string)  { logCF(WARN, "", message, nil) }
func Error(message string) { logCF(ERROR, "", message, nil) }

func DebugC(component, message string) { logCF(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logCF(INFO, component, message, nil) }
func WarnC(component, message string)  { logCF(WARN, component, message, nil) }
func ErrorC(component, message string) { logCF(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logCF(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logCF(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logCF(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logCF(ERROR, component, message, fields)
}
