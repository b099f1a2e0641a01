package event

import (
	"encoding/json"
	"io"
	"maps"
	"sync"
	"time"
)

// Journal subscribes to every event on a bus, counts them by type and,
// when given a writer, records each one as a JSON line.
type Journal struct {
	bus *Bus
	id  string

	mu     sync.Mutex
	enc    *json.Encoder
	counts map[string]int
	err    error
}

type journalRecord struct {
	Type  string    `json:"type"`
	Time  time.Time `json:"time"`
	Event Event     `json:"event"`
	Error string    `json:"error,omitempty"`
}

// NewJournal starts recording events published on bus. w may be nil to
// only count events.
func NewJournal(bus *Bus, w io.Writer) *Journal {
	j := &Journal{bus: bus, counts: make(map[string]int)}
	if w != nil {
		j.enc = json.NewEncoder(w)
	}
	j.id = bus.SubscribeAll(j.record)
	return j
}

func (j *Journal) record(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.counts[e.EventType()]++
	if j.enc == nil || j.err != nil {
		return
	}
	rec := journalRecord{Type: e.EventType(), Time: e.Timestamp(), Event: e}
	if failed, ok := e.(PoolFailedEvent); ok && failed.Err != nil {
		rec.Error = failed.Err.Error()
	}
	// The first write error stops the journal; counting continues.
	j.err = j.enc.Encode(rec)
}

// Count returns how many events of eventType were published.
func (j *Journal) Count(eventType string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counts[eventType]
}

// Counts returns a copy of the per-type counts.
func (j *Journal) Counts() map[string]int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return maps.Clone(j.counts)
}

// Err returns the first write error, if any.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Close stops recording.
func (j *Journal) Close() {
	j.bus.Unsubscribe(j.id)
}
