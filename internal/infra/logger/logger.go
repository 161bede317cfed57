package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

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
	default:
		return "FATAL"
	}
}

type Logger struct {
	file          *os.File
	fileLogger    *log.Logger
	console       io.Writer
	level         Level
	includeStdout bool
}

// New appends to the log file at filePath, creating it and its directory
// when missing.
func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	l := NewWithWriter(f, level, includeStdout)
	l.file = f
	return l, nil
}

// NewWithWriter logs to w instead of a file.
func NewWithWriter(w io.Writer, level Level, includeStdout bool) *Logger {
	return &Logger{
		fileLogger:    log.New(w, "", 0),
		console:       os.Stdout,
		level:         level,
		includeStdout: includeStdout,
	}
}

// Discard drops everything. Handy for tests and library callers.
func Discard() *Logger {
	return NewWithWriter(io.Discard, LevelFatal+1, false)
}

// Close closes the log file. Writers passed to NewWithWriter are left open.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// SetConsole redirects the stdout echo, e.g. above a progress bar.
func (l *Logger) SetConsole(w io.Writer) {
	l.console = w
}

func (l *Logger) log(lvl Level, format string, v ...interface{}) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	fullMsg := fmt.Sprintf("%s [%s] %s", timestamp, lvl, msg)

	l.fileLogger.Println(fullMsg)

	// Debug stays in the file so chunk-level chatter does not flood the terminal
	if l.includeStdout && lvl >= LevelInfo {
		fmt.Fprintln(l.console, fullMsg)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, f, v...); os.Exit(1) }

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
