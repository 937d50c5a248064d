package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a config string such as "debug" or "WARN" to a LogLevel.
// Unknown values fall back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

var (
	mu           sync.RWMutex
	currentLevel = INFO
	console      io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	fileSink     *os.File
	base         = newBase()
)

func newBase() zerolog.Logger {
	var w io.Writer = console
	if fileSink != nil {
		w = zerolog.MultiLevelWriter(console, fileSink)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(toZerolog(currentLevel))
}

func toZerolog(l LogLevel) zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	base = newBase()
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput replaces the console writer. Tests use it to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	console = w
	base = newBase()
}

// EnableFileLogging mirrors every entry as JSON lines into path.
func EnableFileLogging(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		_ = fileSink.Close()
	}
	fileSink = f
	base = newBase()
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
	base = newBase()
}

func logMessage(level LogLevel, component string, message string, fields map[string]any) {
	mu.RLock()
	l := base
	mu.RUnlock()

	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.Debug()
	case WARN:
		ev = l.Warn()
	case ERROR:
		ev = l.Error()
	case FATAL:
		// WithLevel does not exit; the caller owns shutdown.
		ev = l.WithLevel(zerolog.FatalLevel)
	default:
		ev = l.Info()
	}
	if ev == nil {
		return
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }

func DebugC(component string, message string) { logMessage(DEBUG, component, message, nil) }

func DebugF(message string, fields map[string]any) { logMessage(DEBUG, "", message, fields) }

func DebugCF(component string, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) { logMessage(INFO, "", message, nil) }

func InfoC(component string, message string) { logMessage(INFO, component, message, nil) }

func InfoF(message string, fields map[string]any) { logMessage(INFO, "", message, fields) }

func InfoCF(component string, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) { logMessage(WARN, "", message, nil) }

func WarnC(component string, message string) { logMessage(WARN, component, message, nil) }

func WarnF(message string, fields map[string]any) { logMessage(WARN, "", message, fields) }

func WarnCF(component string, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) { logMessage(ERROR, "", message, nil) }

func ErrorC(component string, message string) { logMessage(ERROR, component, message, nil) }

func ErrorF(message string, fields map[string]any) { logMessage(ERROR, "", message, fields) }

func ErrorCF(component string, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func FatalCF(component string, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}
