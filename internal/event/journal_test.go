package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestJournal_RecordsEvents(t *testing.T) {
	bus := NewBus(nil)
	var buf bytes.Buffer
	j := NewJournal(bus, &buf)

	bus.Publish(NewWorkerSpawnedEvent(1, "jobs", 100))
	bus.Publish(NewWorkerSpawnedEvent(2, "jobs", 101))
	bus.Publish(NewWorkerExitedEvent(2, "jobs", 1, false, "exit status 1"))
	bus.Publish(NewPoolFailedEvent("jobs", "minimum not met", errors.New("worker 2 gave up")))

	if got := j.Count(TypeWorkerSpawned); got != 2 {
		t.Errorf("spawned count = %d, want 2", got)
	}
	if got := j.Count(TypeWorkerRestart); got != 0 {
		t.Errorf("restart count = %d, want 0", got)
	}

	var lines []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4", len(lines))
	}
	if lines[0]["type"] != TypeWorkerSpawned {
		t.Errorf("first type = %v", lines[0]["type"])
	}
	ev, _ := lines[2]["event"].(map[string]any)
	if ev["Reason"] != "exit status 1" {
		t.Errorf("exited event = %v", ev)
	}
	if lines[3]["error"] != "worker 2 gave up" {
		t.Errorf("failure error = %v", lines[3]["error"])
	}
	if j.Err() != nil {
		t.Errorf("unexpected write error: %v", j.Err())
	}
}

func TestJournal_CountOnlyAndClose(t *testing.T) {
	bus := NewBus(nil)
	j := NewJournal(bus, nil)

	bus.Publish(NewGroupScaledEvent("jobs", 1, 3, "queue depth"))
	j.Close()
	bus.Publish(NewGroupScaledEvent("jobs", 3, 1, "idle"))

	counts := j.Counts()
	if counts[TypeGroupScaled] != 1 {
		t.Errorf("scaled count = %d, want 1", counts[TypeGroupScaled])
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("journal should unsubscribe on Close, %d left", bus.SubscriptionCount())
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("disk full")
}

func TestJournal_StopsWritingAfterError(t *testing.T) {
	bus := NewBus(nil)
	w := &failingWriter{}
	j := NewJournal(bus, w)

	bus.Publish(NewPoolStoppedEvent(true, 2))
	bus.Publish(NewPoolStoppedEvent(true, 2))

	if j.Err() == nil {
		t.Fatal("expected the write error to be kept")
	}
	if w.writes != 1 {
		t.Errorf("writes = %d, want 1", w.writes)
	}
	if j.Count(TypePoolStopped) != 2 {
		t.Errorf("events are still counted after a write error")
	}
}
