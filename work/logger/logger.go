package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Leveled logging over the stdlib logger. Messages follow the
// "{pkg - Func} ..." convention so a grep for a package name finds its
// output. The level is process-wide; there are no per-component loggers.

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	level = INFO
)

// ParseLogLevel maps a config string onto a level. Unknown values mean INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the process-wide log level from its config string form.
func SetLogLevel(s string) {
	mu.Lock()
	defer mu.Unlock()
	level = ParseLogLevel(s)
}

func shouldLog(l LogLevel) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= level
}

func output(tag string, format string, v ...interface{}) {
	log.Printf("[%s] %s", tag, fmt.Sprintf(format, v...))
}

// Debug logs at DEBUG level.
func Debug(format string, v ...interface{}) {
	if shouldLog(DEBUG) {
		output("DEBUG", format, v...)
	}
}

// Info logs at INFO level.
func Info(format string, v ...interface{}) {
	if shouldLog(INFO) {
		output("INFO", format, v...)
	}
}

// Warn logs at WARN level.
func Warn(format string, v ...interface{}) {
	if shouldLog(WARN) {
		output("WARN", format, v...)
	}
}

// Error logs at ERROR level.
func Error(format string, v ...interface{}) {
	if shouldLog(ERROR) {
		output("ERROR", format, v...)
	}
}
