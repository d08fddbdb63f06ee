package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Log levels, ordered by verbosity.
const (
	None    = 0
	Error   = 1
	Warning = 2
	Info    = 3
	Debug   = 4
)

var (
	currentLevel atomic.Int32
	logger       atomic.Pointer[log.Logger]
)

func init() {
	logger.Store(log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds))
	currentLevel.Store(Info)
}

// SetOutput redirects log output. Flags are preserved.
func SetOutput(w io.Writer) {
	logger.Store(log.New(w, "", logger.Load().Flags()))
}

// SetFlags changes the std log flags used for every line.
func SetFlags(flags int) {
	l := logger.Load()
	logger.Store(log.New(l.Writer(), "", flags))
}

// Writer returns the writer log lines are sent to.
func Writer() io.Writer {
	return logger.Load().Writer()
}

// SetLevel sets the global logging level.
func SetLevel(level int) {
	currentLevel.Store(int32(level))
	Logf(Debug, "Log level set to %s", LevelName(level))
}

// GetLevel returns the current logging level.
func GetLevel() int {
	return int(currentLevel.Load())
}

// Enabled reports whether a message at level would be written.
func Enabled(level int) bool {
	return level != None && int32(level) <= currentLevel.Load()
}

// ParseLevel converts a level name to its numeric value.
func ParseLevel(levelStr string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "none":
		return None, nil
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		return Info, fmt.Errorf("invalid log level string: '%s'", levelStr)
	}
}

// LevelName is the inverse of ParseLevel.
func LevelName(level int) string {
	switch level {
	case None:
		return "none"
	case Error:
		return "error"
	case Warning:
		return "warn"
	case Info:
		return "info"
	case Debug:
		return "debug"
	}
	return fmt.Sprintf("level(%d)", level)
}

// SetupLogging parses levelStr, falling back to info, and applies it.
func SetupLogging(levelStr string) int {
	level, err := ParseLevel(levelStr)
	if err != nil {
		Logf(Warning, "Invalid log level '%s' provided, defaulting to 'info'. %v", levelStr, err)
		level = Info
	}
	SetLevel(level)
	return level
}

func prefix(level int) string {
	switch level {
	case Error:
		return "[ERROR] "
	case Warning:
		return "[WARN]  "
	case Info:
		return "[INFO]  "
	case Debug:
		return "[DEBUG] "
	}
	return ""
}

// Logf writes a formatted message if level is enabled.
func Logf(level int, format string, v ...interface{}) {
	if !Enabled(level) {
		return
	}
	msg := format
	if len(v) > 0 {
		msg = fmt.Sprintf(format, v...)
	}
	// depth 2 so Lshortfile points at the caller
	logger.Load().Output(2, prefix(level)+msg)
}
