package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	t.Run("creates pool.log in directory", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug, RotationConfig{})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		logger.Info("hello")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		content, err := os.ReadFile(filepath.Join(dir, LogFileName))
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		lines := decodeLines(t, content)
		if len(lines) != 1 || lines[0]["msg"] != "hello" {
			t.Errorf("unexpected log content: %v", lines)
		}
	})

	t.Run("writes to stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo, RotationConfig{})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close on stderr logger should be a no-op, got %v", err)
		}
	})
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn, false)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["level"] != "WARN" || lines[1]["level"] != "ERROR" {
		t.Errorf("unexpected levels: %v", lines)
	}
}

func TestSetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, LevelError, false)
	child := root.WithComponent("router")

	child.Info("dropped")
	root.SetLevel("debug")
	child.Debug("kept")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Fatalf("expected only the post-SetLevel record, got %v", lines)
	}
	if got := child.Level(); got != LevelDebug {
		t.Errorf("Level() = %q, want %q", got, LevelDebug)
	}
}

func TestContextPropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, false).WithGroup("jobs").WithWorker(3).With("pid", 42)

	logger.Info("spawned", "attempt", 1)

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	rec := lines[0]
	if rec["group"] != "jobs" {
		t.Errorf("group = %v", rec["group"])
	}
	if rec["worker_id"] != float64(3) {
		t.Errorf("worker_id = %v", rec["worker_id"])
	}
	if rec["pid"] != float64(42) || rec["attempt"] != float64(1) {
		t.Errorf("missing attrs: %v", rec)
	}
}

func TestEmit(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, false).WithWorker(7)

	logger.Emit("warning", "forwarded", map[string]any{"b": 2, "a": "x"})
	logger.Emit("debug", "filtered", nil)

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["level"] != "WARN" || lines[0]["a"] != "x" || lines[0]["worker_id"] != float64(7) {
		t.Errorf("unexpected record: %v", lines[0])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"Error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("discarded", "k", "v")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelInfo, RotationConfig{})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			child := logger.WithWorker(n)
			for j := 0; j < 20; j++ {
				child.Info("tick", "n", j)
			}
		}(i)
	}
	wg.Wait()
	logger.Close()

	content, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := len(decodeLines(t, content)); got != 200 {
		t.Errorf("expected 200 lines, got %d", got)
	}
}
