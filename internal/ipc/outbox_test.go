package ipc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/forkpool/internal/errors"
)

func TestOutboxPreservesOrder(t *testing.T) {
	a, b := Pipe()
	defer b.Close()
	out := NewOutbox(a, nil)

	// Nobody reads yet: on an unbuffered pipe a direct Send would block.
	for i := 0; i < 50; i++ {
		require.NoError(t, out.Post(JobResult{WorkerID: i}))
	}

	for i := 0; i < 50; i++ {
		msg, err := b.Receive()
		require.NoError(t, err)
		assert.Equal(t, i, msg.(JobResult).WorkerID)
	}

	<-out.Close()
	assert.Zero(t, out.Pending())
	assert.True(t, errors.Is(out.Post(SoftShutdown{}), errors.ErrChannelClosed))
	a.Close()
}

func TestOutboxFlushesOnClose(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	out := NewOutbox(a, nil)

	require.NoError(t, out.Post(Shutdown{AfterLastJob: true}))
	require.NoError(t, out.Post(IpcShutdown{}))
	done := out.Close()

	msg, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, Shutdown{AfterLastJob: true}, msg)
	msg, err = b.Receive()
	require.NoError(t, err)
	assert.Equal(t, IpcShutdown{}, msg)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("outbox did not exit after flushing")
	}
}

func TestOutboxReportsUndeliverable(t *testing.T) {
	a, b := Pipe()
	var (
		mu      sync.Mutex
		dropped []Message
	)
	out := NewOutbox(a, func(msg Message, err error) {
		assert.True(t, errors.Is(err, errors.ErrChannelClosed))
		mu.Lock()
		dropped = append(dropped, msg)
		mu.Unlock()
	})

	require.NoError(t, out.Post(SoftShutdown{}))
	b.Close()
	a.Close()

	select {
	case <-out.Close():
	case <-time.After(2 * time.Second):
		t.Fatal("outbox did not exit")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Message{SoftShutdown{}}, dropped)
	assert.True(t, errors.Is(out.Post(SoftShutdown{}), errors.ErrChannelClosed))
}
