package logging

import (
	"errors"
	"sync"
	"testing"
)

type captured struct {
	level, msg string
	fields     map[string]any
}

type captureSink struct {
	mu      sync.Mutex
	records []captured
}

func (c *captureSink) sink(level, msg string, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, captured{level, msg, fields})
	return nil
}

func TestForwardingLogger(t *testing.T) {
	var cs captureSink
	logger := NewForwarding(cs.sink, LevelInfo).With("worker_id", 4)

	logger.Debug("dropped")
	logger.Warn("slow job", "job", "j1", "err", errors.New("boom"))
	logger.Slog().WithGroup("http").Info("request", "status", 200)

	if len(cs.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(cs.records))
	}

	first := cs.records[0]
	if first.level != LevelWarn || first.msg != "slow job" {
		t.Errorf("unexpected record: %+v", first)
	}
	if first.fields["worker_id"] != int64(4) {
		t.Errorf("worker_id = %#v", first.fields["worker_id"])
	}
	if first.fields["err"] != "boom" {
		t.Errorf("errors should be flattened to strings, got %#v", first.fields["err"])
	}

	second := cs.records[1]
	if second.fields["http.status"] != int64(200) {
		t.Errorf("grouped attr = %#v", second.fields)
	}
	if second.fields["worker_id"] != int64(4) {
		t.Error("handler attrs should survive WithGroup")
	}
}
