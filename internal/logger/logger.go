// Package logger provides the process-wide structured logger. Records go to a
// rotating JSON file, or to stderr as text for console runs; WARN and ERROR
// records are also kept in a small ring buffer that the agent reports in its
// status.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// recentSize is how many WARN and ERROR entries the agent status reports.
const recentSize = 100

// LogEntry is a captured WARN or ERROR record. Connection holds the
// record's "connection" attribute, when it has one.
type LogEntry struct {
	Time       time.Time  `json:"time"`
	Level      slog.Level `json:"level"`
	Message    string     `json:"message"`
	Connection string     `json:"connection,omitempty"`
}

// Format renders an entry as a single line.
func (e LogEntry) Format() string {
	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(e.Level.String())
	b.WriteByte(' ')
	if e.Connection != "" {
		b.WriteString("[" + e.Connection + "] ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ringBuffer keeps the last len(entries) captured records and running
// totals per level.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool

	warnings int
	errors   int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{entries: make([]LogEntry, size)}
}

func (rb *ringBuffer) add(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.next] = entry
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.full = true
	}

	if entry.Level >= slog.LevelError {
		rb.errors++
	} else {
		rb.warnings++
	}
}

// getAll returns the buffered entries, oldest first.
func (rb *ringBuffer) getAll() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		return append([]LogEntry(nil), rb.entries[:rb.next]...)
	}
	out := make([]LogEntry, 0, len(rb.entries))
	out = append(out, rb.entries[rb.next:]...)
	return append(out, rb.entries[:rb.next]...)
}

func (rb *ringBuffer) getCounts() (warn, err int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.warnings, rb.errors
}

// captureHandler copies WARN and ERROR records into a ring buffer before
// passing them on. connection is a "connection" attribute bound with With.
type captureHandler struct {
	inner      slog.Handler
	buffer     *ringBuffer
	connection string
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		entry := LogEntry{Time: r.Time, Level: r.Level, Message: r.Message, Connection: h.connection}
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "connection" {
				entry.Connection = a.Value.String()
				return false
			}
			return true
		})
		h.buffer.add(entry)
	}
	return h.inner.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &captureHandler{inner: h.inner.WithAttrs(attrs), buffer: h.buffer, connection: h.connection}
	for _, a := range attrs {
		if a.Key == "connection" {
			next.connection = a.Value.String()
		}
	}
	return next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{inner: h.inner.WithGroup(name), buffer: h.buffer, connection: h.connection}
}

var (
	// Log is the global structured logger
	Log *slog.Logger
	// LogPath is the path to the current log file, empty for console output
	LogPath string

	logWriter    *lumberjack.Logger
	recent       *ringBuffer
	debugEnabled bool
)

// LogLevel is a logging threshold.
type LogLevel slog.Level

const (
	LevelDebug = LogLevel(slog.LevelDebug)
	LevelInfo  = LogLevel(slog.LevelInfo)
	LevelWarn  = LogLevel(slog.LevelWarn)
	LevelError = LogLevel(slog.LevelError)
)

// ParseLevel maps a config value ("debug", "info", "warn", "error") to a
// LogLevel. Unknown values map to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// DefaultLogPath returns ~/.config/sqlstep/<name>.log.
func DefaultLogPath(name string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return filepath.Join(homeDir, ".config", "sqlstep", name+".log")
}

// InitLogger installs a logger writing JSON records to a rotating file at
// logPath. An empty logPath means DefaultLogPath("sqlstep").
func InitLogger(level LogLevel, logPath string) {
	if logPath == "" {
		logPath = DefaultLogPath("sqlstep")
	}
	_ = os.MkdirAll(filepath.Dir(logPath), 0o755)
	LogPath = logPath

	Close()
	logWriter = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}
	install(level, slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: slog.Level(level)}))
}

// InitConsole installs a logger writing text records to w. The CLI passes
// stderr so log lines never mix with script output on stdout.
func InitConsole(level LogLevel, w io.Writer) {
	LogPath = ""
	install(level, slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.Level(level)}))
}

func install(level LogLevel, inner slog.Handler) {
	debugEnabled = level <= LevelDebug
	recent = newRingBuffer(recentSize)

	Log = slog.New(&captureHandler{inner: inner, buffer: recent})
	slog.SetDefault(Log)
}

// Close closes the log file, if one is open.
func Close() {
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }

// With returns a logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// GetCounts returns how many warnings and errors were logged since the
// logger was installed.
func GetCounts() (warn, err int) {
	if recent == nil {
		return 0, 0
	}
	return recent.getCounts()
}

// GetEntries returns the captured WARN and ERROR entries, oldest first.
func GetEntries() []LogEntry {
	if recent == nil {
		return nil
	}
	return recent.getAll()
}

// IsDebugEnabled reports whether the installed logger emits debug records.
func IsDebugEnabled() bool {
	return debugEnabled
}
