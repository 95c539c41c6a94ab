package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "CRITICAL":
		return LevelCritical
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Logger is a named, leveled logger. Writes below the configured level
// are dropped.
type Logger struct {
	name   string
	level  Level
	writer io.Writer
	mu     sync.Mutex
}

func NewLogger(name, level string, writer io.Writer) *Logger {
	if writer == nil {
		writer = os.Stdout
	}
	return &Logger{
		name:   name,
		level:  ParseLevel(level),
		writer: writer,
	}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s | %-8s | [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level.String(), l.name, msg)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.writer, line)
}

func (l *Logger) Debugf(format string, args ...any)    { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)     { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)     { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any)    { l.logf(LevelError, format, args...) }
func (l *Logger) Criticalf(format string, args ...any) { l.logf(LevelCritical, format, args...) }
