package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalJSON encodes the level by name so the status endpoint stays readable.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel maps a level name to a Level. Unknown names return false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem  Category = "system"
	CatContext Category = "context"
	CatCard    Category = "card"
	CatDriver  Category = "driver"
	CatRelay   Category = "relay"
	CatHTTP    Category = "http"
)

// Entry is a single log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stats summarises the buffered entries.
type Stats struct {
	Total      int              `json:"total"`
	Buffered   int              `json:"buffered"`
	Capacity   int              `json:"capacity"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger keeps the most recent entries in a ring buffer and optionally
// mirrors every accepted entry to a writer.
type Logger struct {
	mu         sync.RWMutex
	entries    []Entry
	next       int
	full       bool
	total      int
	minLevel   Level
	out        io.Writer
	fileCloser io.Closer
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// New creates a logger holding at most maxEntries entries.
func New(maxEntries int, minLevel Level) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Logger{
		entries:  make([]Entry, maxEntries),
		minLevel: minLevel,
	}
}

// Init replaces the package logger.
func Init(maxEntries int, minLevel Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = New(maxEntries, minLevel)
}

// Get returns the package logger, creating a default one on first use.
func Get() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(1000, LevelInfo)
	}
	return global
}

// SetOutput mirrors accepted entries to w as single-line text. A nil writer
// disables mirroring.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// SetFile mirrors accepted entries into a size-rotated file.
func (l *Logger) SetFile(path string) {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 3,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileCloser != nil {
		_ = l.fileCloser.Close()
	}
	l.out = lj
	l.fileCloser = lj
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileCloser == nil {
		return nil
	}
	err := l.fileCloser.Close()
	l.fileCloser = nil
	l.out = nil
	return err
}

// SetLevel changes the minimum accepted level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

func (l *Logger) log(level Level, cat Category, msg string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	e := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  cat,
		Message:   msg,
		Data:      data,
	}
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.total++

	if l.out != nil {
		line := fmt.Sprintf("%s [%s] %s: %s", e.Timestamp.Format(time.RFC3339), level, cat, msg)
		if len(data) > 0 {
			if b, err := json.Marshal(data); err == nil {
				line += " " + string(b)
			}
		}
		if _, err := io.WriteString(l.out, line+"\n"); err != nil {
			// give up, the ring buffer still has it
			l.out = nil
		}
	}
}

// snapshot returns buffered entries oldest first. Caller must hold the lock.
func (l *Logger) snapshot() []Entry {
	if !l.full {
		out := make([]Entry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// GetEntries returns up to limit of the newest entries, newest first,
// optionally filtered by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	all := l.snapshot()
	l.mu.RUnlock()

	out := []Entry{}
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := all[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats reports counters over the buffered entries.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.snapshot()
	s := Stats{
		Total:      l.total,
		Buffered:   len(all),
		Capacity:   len(l.entries),
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for _, e := range all {
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops all buffered entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
	l.total = 0
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().log(LevelWarn, cat, msg, data)
}

func Error(cat Category, msg string, data map[string]any) {
	Get().log(LevelError, cat, msg, data)
}

// Writer returns an io.Writer that records every written line as an entry at
// level in cat. It lets line-oriented loggers such as HTTP access logs feed
// the buffer.
func (l *Logger) Writer(level Level, cat Category) io.Writer {
	return lineWriter{l: l, level: level, cat: cat}
}

type lineWriter struct {
	l     *Logger
	level Level
	cat   Category
}

func (w lineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.l.log(w.level, w.cat, line, nil)
		}
	}
	return len(p), nil
}
