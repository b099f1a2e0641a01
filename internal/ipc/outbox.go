package ipc

import (
	"sync"

	"github.com/Iron-Ham/forkpool/internal/errors"
)

// Outbox sends messages to a channel from a dedicated goroutine. Post never
// blocks on the peer, so a supervisor can talk to many workers from one loop
// while each worker is free to write back at the same time. Messages are
// sent in post order.
type Outbox struct {
	ch      *Channel
	onError func(Message, error)

	mu     sync.Mutex
	queue  []Message
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewOutbox starts an outbox for ch. onError, if set, is called from the
// outbox goroutine for every message that could not be sent.
func NewOutbox(ch *Channel, onError func(Message, error)) *Outbox {
	o := &Outbox{
		ch:      ch,
		onError: onError,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Post queues msg. It fails with ErrChannelClosed once the outbox or its
// channel is closed.
func (o *Outbox) Post(msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.ErrChannelClosed
	}
	select {
	case <-o.ch.Done():
		return errors.ErrChannelClosed
	default:
	}
	o.queue = append(o.queue, msg)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued messages.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close stops accepting messages. Queued messages are still sent; the
// returned channel is closed once the outbox goroutine has exited.
func (o *Outbox) Close() <-chan struct{} {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}
	o.mu.Unlock()
	return o.done
}

func (o *Outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, msg := range batch {
			if err := o.ch.Send(msg); err != nil && o.onError != nil {
				o.onError(msg, err)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-o.wake:
		case <-o.ch.Done():
			o.mu.Lock()
			o.closed = true
			dropped := o.queue
			o.queue = nil
			o.mu.Unlock()
			if o.onError != nil {
				for _, msg := range dropped {
					o.onError(msg, errors.ErrChannelClosed)
				}
			}
			return
		}
	}
}
