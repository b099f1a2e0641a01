package ipc

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/forkpool/internal/errors"
)

func TestMarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"ipc shutdown", IpcShutdown{}},
		{"soft shutdown", SoftShutdown{}},
		{"shutdown", Shutdown{AfterLastJob: true}},
		{"worker started", WorkerStarted{WorkerID: 3, IsOK: true}},
		{"log", Log{Message: "hi", Level: "INFO", Context: map[string]any{"k": "v"}}},
		{"job", Job{Envelope: JobEnvelope{
			ID: "j1", Data: []byte{0, 1, 2}, AllowedGroups: []int{2}, Priority: 5,
			Weight: 3, AwaitResult: true, TimeLimit: time.Second, OriginWorker: 4,
		}}},
		{"job result", JobResult{JobID: "j1", WorkerID: 2, Result: []byte("ok")}},
		{"scaling", ScalingRequest{ToGroupID: 2, ExData: []byte("x")}},
		{"initiate", InitiateSocketTransfer{RequestID: "r", WorkerID: 1, GroupID: 1, Address: "127.0.0.1:0"}},
		{"info", SocketTransferInfo{RequestID: "r", Key: "k", URI: "/tmp/s"}},
		{"listen", SocketListen{Address: ":80"}},
		{"free", SocketFree{SocketID: "k"}},
		{"transfer", SocketTransfer{SocketID: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.msg)
			require.NoError(t, err)
			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestChannelOrdering(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			_ = a.Send(JobResult{JobID: "j", WorkerID: i})
		}
	}()

	for i := 0; i < n; i++ {
		msg, err := b.Receive()
		require.NoError(t, err)
		res, ok := msg.(JobResult)
		require.True(t, ok, "unexpected %T", msg)
		assert.Equal(t, i, res.WorkerID)
	}
}

func TestChannelConcurrentSend(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = a.Send(Log{Message: "tick", Level: "INFO"})
			}
		}()
	}

	for i := 0; i < 80; i++ {
		msg, err := b.Receive()
		require.NoError(t, err)
		assert.IsType(t, Log{}, msg)
	}
	wg.Wait()
}

func TestChannelClose(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := b.Receive()
	assert.ErrorIs(t, err, errors.ErrChannelClosed)
	assert.ErrorIs(t, a.Send(IpcShutdown{}), errors.ErrChannelClosed)

	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
	b.Close()
}

func TestChannelOversizedFrameClosesChannel(t *testing.T) {
	raw, conn := net.Pipe()
	ch := NewChannel(conn)
	defer raw.Close()

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
		raw.Write(hdr[:])
		raw.Write([]byte(`garbage that must not be read as a frame`))
	}()

	_, err := ch.Receive()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChannelClosed)

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel should close on an oversized frame")
	}

	_, err = ch.Receive()
	assert.ErrorIs(t, err, errors.ErrChannelClosed)
	assert.ErrorIs(t, ch.Send(IpcShutdown{}), errors.ErrChannelClosed)
}

func TestFuture(t *testing.T) {
	t.Run("resolves once", func(t *testing.T) {
		f := NewFuture("j1")
		assert.True(t, f.Resolve([]byte("a"), nil))
		assert.False(t, f.Resolve([]byte("b"), nil))

		got, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
	})

	t.Run("await honours context", func(t *testing.T) {
		f := NewFuture("j2")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := f.Await(ctx)
		assert.ErrorIs(t, err, errors.ErrTimeout)
	})
}

func TestResultErrorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"time limit", errors.ErrJobTimeLimit, ResultTimeLimit},
		{"lost", errors.ErrWorkerLost, ResultLost},
		{"rejected", errors.ErrWorkerStopping, ResultRejected},
		{"no worker", errors.ErrNoReadyWorker, ResultNoWorker},
		{"queue full", errors.ErrQueueFull, ResultQueueFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind := ResultKind(tt.err)
			assert.Equal(t, tt.kind, kind)
			err := ResultError(JobResult{JobID: "j", Error: tt.err.Error(), Kind: kind})
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, ResultError(JobResult{JobID: "j", Result: []byte("ok")}))
	assert.Equal(t, ResultHandler, ResultKind(errors.New("boom")))
}
