package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/forkpool/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil)

	called := false
	id := bus.Subscribe(TypeWorkerSpawned, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	bus.Subscribe(TypeWorkerSpawned, func(e Event) {
		received = e
	})
	bus.Publish(NewWorkerSpawnedEvent(3, "jobs", 1234))

	spawned, ok := received.(WorkerSpawnedEvent)
	if !ok {
		t.Fatalf("Handler received %T", received)
	}
	if spawned.WorkerID != 3 || spawned.Group != "jobs" || spawned.PID != 1234 {
		t.Errorf("unexpected event: %+v", spawned)
	}
	if spawned.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_OnlyMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)

	var exited, restarted int
	bus.Subscribe(TypeWorkerExited, func(Event) { exited++ })
	bus.Subscribe(TypeWorkerRestart, func(Event) { restarted++ })

	bus.Publish(NewWorkerExitedEvent(1, "jobs", 1, false, "exit code 1"))
	bus.Publish(NewWorkerExitedEvent(2, "jobs", -1, true, "channel lost"))

	if exited != 2 || restarted != 0 {
		t.Errorf("exited=%d restarted=%d, want 2 and 0", exited, restarted)
	}
}

func TestBus_WildcardAfterSpecific(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypePoolStopped, func(Event) { order = append(order, "specific") })

	bus.Publish(NewPoolStoppedEvent(true, 2))

	if strings.Join(order, ",") != "specific,all" {
		t.Errorf("order = %v", order)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	id := bus.Subscribe(TypeGroupScaled, func(Event) { count++ })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should report false")
	}
	bus.Publish(NewGroupScaledEvent("jobs", 1, 2, "queue"))
	if count != 0 {
		t.Error("handler called after Unsubscribe")
	}
}

func TestBus_PanickingHandler(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.New(&buf, logging.LevelError, false))

	reached := false
	bus.Subscribe(TypePoolFailed, func(Event) { panic("boom") })
	bus.Subscribe(TypePoolFailed, func(Event) { reached = true })

	bus.Publish(NewPoolFailedEvent("jobs", "restart policy \"never\"", nil))

	if !reached {
		t.Error("a panicking handler must not block later handlers")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic should be logged, got %q", buf.String())
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeWorkerSpawned, func(Event) {})
	bus.SubscribeAll(func(Event) {})
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear", bus.SubscriptionCount())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeWorkerExited, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				bus.Publish(NewWorkerExitedEvent(id, "jobs", 0, false, ""))
			}
		}(i)
	}
	wg.Wait()

	if count != 100 {
		t.Errorf("count = %d, want 100", count)
	}
}

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"spawned", NewWorkerSpawnedEvent(1, "g", 0), TypeWorkerSpawned},
		{"exited", NewWorkerExitedEvent(1, "g", 0, false, ""), TypeWorkerExited},
		{"restart", NewWorkerRestartEvent(1, "g", "limited", "restart_after", time.Second, ""), TypeWorkerRestart},
		{"scaled", NewGroupScaledEvent("g", 1, 3, ""), TypeGroupScaled},
		{"failed", NewPoolFailedEvent("g", "r", nil), TypePoolFailed},
		{"stopped", NewPoolStoppedEvent(false, 0), TypePoolStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ev.EventType() != tt.want {
				t.Errorf("EventType() = %q, want %q", tt.ev.EventType(), tt.want)
			}
		})
	}

	if d := NewGroupScaledEvent("g", 3, 1, "").Delta(); d != -2 {
		t.Errorf("Delta() = %d, want -2", d)
	}
}
