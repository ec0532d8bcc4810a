package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

type Logger struct {
	mu           sync.Mutex
	terminal     io.Writer
	jsonOut      io.Writer
	logFile      *os.File
	colorEnabled bool
	minLevel     LogLevel
}

// NewLogger writes coloured lines to stdout and JSON lines to
// <dir>/admission-<date>.log.
func NewLogger(dir string, minLevel LogLevel) (*Logger, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	logFileName := filepath.Join(dir, fmt.Sprintf("admission-%s.log", time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &Logger{
		terminal:     os.Stdout,
		jsonOut:      logFile,
		logFile:      logFile,
		colorEnabled: !color.NoColor,
		minLevel:     minLevel,
	}
	l.Info("LOGGER", fmt.Sprintf("Log file: %s", logFileName))
	return l, nil
}

// NewLoggerWithWriter writes uncoloured terminal lines to w and no JSON.
func NewLoggerWithWriter(w io.Writer, minLevel LogLevel) *Logger {
	return &Logger{terminal: w, minLevel: minLevel}
}

// NewNop discards everything.
func NewNop() *Logger {
	return NewLoggerWithWriter(io.Discard, FATAL+1)
}

func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l *Logger) log(level LogLevel, category, message string) {
	if level < l.minLevel {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Level:     styleOf(level).name,
		Category:  strings.ToUpper(category),
		Message:   message,
		File:      file,
		Line:      line,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprint(l.terminal, l.format(level, entry))
	if l.jsonOut != nil {
		if b, err := json.Marshal(entry); err == nil {
			l.jsonOut.Write(append(b, '\n'))
		}
	}
}

type levelStyle struct {
	name  string
	color color.Attribute
}

var levelStyles = map[LogLevel]levelStyle{
	DEBUG: {"DEBUG", color.FgCyan},
	INFO:  {"INFO", color.FgGreen},
	WARN:  {"WARN", color.FgYellow},
	ERROR: {"ERROR", color.FgRed},
	FATAL: {"FATAL", color.FgRed},
}

func styleOf(level LogLevel) levelStyle {
	if st, ok := levelStyles[level]; ok {
		return st
	}
	return levelStyles[INFO]
}

func (l *Logger) format(level LogLevel, entry LogEntry) string {
	clockTime := entry.Timestamp[11:19]
	if !l.colorEnabled {
		return fmt.Sprintf("%s %-5s [%-10s] %s\n", clockTime, entry.Level, entry.Category, entry.Message)
	}

	st := styleOf(level)
	base := color.New(st.color)
	if level >= ERROR {
		base.Add(color.Bold)
	}
	line := fmt.Sprintf("%s %s %s %s",
		color.New(color.FgBlue).Sprint(clockTime),
		base.Sprintf("%-5s", entry.Level),
		color.New(st.color, color.Bold).Sprintf("[%-10s]", entry.Category),
		entry.Message,
	)
	if entry.File != "" && entry.Line > 0 {
		line += color.New(color.FgMagenta).Sprintf(" (%s:%d)", entry.File, entry.Line)
	}
	return line + "\n"
}

func (l *Logger) Debug(category, message string) { l.log(DEBUG, category, message) }
func (l *Logger) Info(category, message string)  { l.log(INFO, category, message) }
func (l *Logger) Warn(category, message string)  { l.log(WARN, category, message) }
func (l *Logger) Error(category, message string) { l.log(ERROR, category, message) }

func (l *Logger) Fatal(category, message string) {
	l.log(FATAL, category, message)
	os.Exit(1)
}

// Specialized logging methods for different components

// LogAdmission records a gate decision. Unknown identifiers are routine
// noise at a busy gate and only show up at debug level.
func (l *Logger) LogAdmission(decision, ticket, message string) {
	line := fmt.Sprintf("[%s] %s - %s", decision, ticket, message)
	switch decision {
	case "NOT_FOUND":
		l.log(DEBUG, "ADMISSION", line)
	case "ALLOWED":
		l.log(INFO, "ADMISSION", line)
	default:
		l.log(WARN, "ADMISSION", line)
	}
}

func (l *Logger) LogIssuance(ticketID, eventID, message string) {
	l.log(INFO, "ISSUANCE", fmt.Sprintf("%s (event %s) - %s", ticketID, eventID, message))
}

func (l *Logger) LogAPI(method, path, status, duration string) {
	l.log(INFO, "API", fmt.Sprintf("%s %s - %s (%s)", method, path, status, duration))
}

func (l *Logger) LogKafka(action, topic, message string) {
	l.log(INFO, "KAFKA", fmt.Sprintf("[%s] %s - %s", action, topic, message))
}

func (l *Logger) LogDatabase(operation, table, message string) {
	l.log(INFO, "DATABASE", fmt.Sprintf("[%s] %s - %s", operation, table, message))
}

func (l *Logger) LogSecurity(event, message string) {
	l.log(WARN, "SECURITY", fmt.Sprintf("[%s] %s", event, message))
}

func (l *Logger) Close() {
	if l.logFile != nil {
		l.Info("LOGGER", "Closing log file")
		l.logFile.Close()
	}
}
