package logging

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerMinLevel(t *testing.T) {
	l := New(10, LevelInfo)
	l.log(LevelDebug, CatCard, "dropped", nil)
	l.log(LevelInfo, CatCard, "kept", nil)

	entries := l.GetEntries(0, nil, nil)
	if len(entries) != 1 || entries[0].Message != "kept" {
		t.Fatalf("GetEntries() = %+v, want only the info entry", entries)
	}
}

func TestLoggerRingBuffer(t *testing.T) {
	l := New(3, LevelDebug)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		l.log(LevelInfo, CatSystem, msg, nil)
	}

	entries := l.GetEntries(0, nil, nil)
	var got []string
	for _, e := range entries {
		got = append(got, e.Message)
	}
	if strings.Join(got, "") != "edc" {
		t.Errorf("entries newest first = %v, want [e d c]", got)
	}

	stats := l.Stats()
	if stats.Total != 5 || stats.Buffered != 3 || stats.Capacity != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestLoggerFilters(t *testing.T) {
	l := New(10, LevelDebug)
	l.log(LevelDebug, CatCard, "card debug", nil)
	l.log(LevelWarn, CatCard, "card warn", nil)
	l.log(LevelError, CatRelay, "relay error", nil)

	tests := []struct {
		name     string
		limit    int
		minLevel *Level
		category *Category
		want     int
	}{
		{"all", 0, nil, nil, 3},
		{"limit", 2, nil, nil, 2},
		{"warn and above", 0, ptr(LevelWarn), nil, 2},
		{"card only", 0, nil, ptr(CatCard), 2},
		{"card warn", 0, ptr(LevelWarn), ptr(CatCard), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(l.GetEntries(tt.limit, tt.minLevel, tt.category)); got != tt.want {
				t.Errorf("GetEntries() returned %d entries, want %d", got, tt.want)
			}
		})
	}
}

func TestLoggerClear(t *testing.T) {
	l := New(5, LevelDebug)
	l.log(LevelInfo, CatSystem, "x", nil)
	l.Clear()

	if n := len(l.GetEntries(0, nil, nil)); n != 0 {
		t.Errorf("expected empty buffer after Clear, got %d", n)
	}
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(5, LevelDebug)
	l.SetOutput(&buf)
	l.log(LevelWarn, CatContext, "released with open cards", map[string]any{"cards": 2})

	line := buf.String()
	if !strings.Contains(line, "[warn] context: released with open cards") || !strings.Contains(line, `"cards":2`) {
		t.Errorf("unexpected output line %q", line)
	}
}

func TestLoggerFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	l := New(5, LevelDebug)
	l.SetFile(path)
	l.log(LevelInfo, CatSystem, "to file", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "warn", "warning", "error"} {
		if _, ok := ParseLevel(name); !ok {
			t.Errorf("ParseLevel(%q) not recognised", name)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Error("ParseLevel accepted an unknown level")
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestLoggerWriter(t *testing.T) {
	l := New(10, LevelDebug)
	w := l.Writer(LevelInfo, CatHTTP)

	n, err := w.Write([]byte("GET /v1/status 200\nGET /v1/relay 101\n"))
	if err != nil || n != 37 {
		t.Fatalf("Write() = %d, %v", n, err)
	}

	entries := l.GetEntries(10, nil, nil)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "GET /v1/relay 101" || entries[0].Category != CatHTTP {
		t.Errorf("newest entry = %+v", entries[0])
	}
}
