package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/Iron-Ham/forkpool/internal/errors"
)

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 64 << 20

type frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes msg as a JSON frame body (without length prefix).
func Marshal(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return json.Marshal(frame{Type: msg.MessageType(), Payload: payload})
}

// Unmarshal decodes a frame body produced by Marshal.
func Unmarshal(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var msg Message
	switch f.Type {
	case TypeIpcShutdown:
		return IpcShutdown{}, nil
	case TypeSoftShutdown:
		return SoftShutdown{}, nil
	case TypeShutdown:
		msg = &Shutdown{}
	case TypeWorkerStarted:
		msg = &WorkerStarted{}
	case TypeLog:
		msg = &Log{}
	case TypeJob:
		msg = &Job{}
	case TypeJobResult:
		msg = &JobResult{}
	case TypeScalingRequest:
		msg = &ScalingRequest{}
	case TypeSocketListen:
		msg = &SocketListen{}
	case TypeSocketFree:
		msg = &SocketFree{}
	case TypeSocketTransfer:
		msg = &SocketTransfer{}
	case TypeInitiateTransfer:
		msg = &InitiateSocketTransfer{}
	case TypeTransferInfo:
		msg = &SocketTransferInfo{}
	default:
		return nil, errors.NewValidationError("unknown message type").WithField("type").WithValue(f.Type)
	}

	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
	}
	return deref(msg), nil
}

// deref returns message values rather than pointers so receivers can switch
// on concrete value types.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Shutdown:
		return *m
	case *WorkerStarted:
		return *m
	case *Log:
		return *m
	case *Job:
		return *m
	case *JobResult:
		return *m
	case *ScalingRequest:
		return *m
	case *SocketListen:
		return *m
	case *SocketFree:
		return *m
	case *SocketTransfer:
		return *m
	case *InitiateSocketTransfer:
		return *m
	case *SocketTransferInfo:
		return *m
	}
	return msg
}

// Channel is a bidirectional, ordered message stream between the pool and one
// worker. Send is safe for concurrent use; Receive must be called from a
// single goroutine.
type Channel struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader

	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewChannel wraps conn. The channel owns conn and closes it on Close.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{
		conn:   conn,
		r:      bufio.NewReader(conn),
		closed: make(chan struct{}),
	}
}

// Pipe returns two connected in-memory channels.
func Pipe() (*Channel, *Channel) {
	a, b := net.Pipe()
	return NewChannel(a), NewChannel(b)
}

// Send writes msg as one frame.
func (c *Channel) Send(msg Message) error {
	body, err := Marshal(msg)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return errors.NewValidationError("frame too large").WithField("size").WithValue(len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.closed:
		return errors.ErrChannelClosed
	default:
	}
	if _, err := c.conn.Write(buf); err != nil {
		return errors.Wrap(errors.ErrChannelClosed, err.Error())
	}
	return nil
}

// Receive blocks for the next message. Any read failure, including a clean
// EOF, is reported as ErrChannelClosed. A length header above MaxFrameSize
// closes the channel.
func (c *Channel) Receive() (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, errors.Wrap(errors.ErrChannelClosed, err.Error())
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		// The body cannot be skipped safely, so the stream is lost.
		c.Close()
		return nil, errors.Wrapf(errors.ErrChannelClosed, "frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, errors.Wrap(errors.ErrChannelClosed, err.Error())
	}
	return Unmarshal(body)
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Done is closed once Close has been called.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}
