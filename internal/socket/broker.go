package socket

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/logging"
)

// shared is a bound listener and the number of holders keeping it open.
type shared struct {
	address string
	ln      net.Listener
	refs    int
	pinned  bool
}

// transfer is a SocketTransferRecord: created by Initiate, redeemed once,
// then kept until the socket is freed.
type transfer struct {
	key      string
	workerID int
	groupID  int
	socket   *shared
	consumed bool
	acked    bool
	created  time.Time
}

// Broker owns bound listening sockets and hands them to workers.
// It is safe for concurrent use.
type Broker struct {
	logger    *logging.Logger
	transport Transport

	mu        sync.Mutex
	listeners map[string]*shared
	transfers map[string]*transfer
	spent     map[string]struct{}
	closed    bool
}

// NewBroker starts a broker with the given transport kind. dir holds the
// control socket of the fdpass transport and must be short enough for a
// unix socket path.
func NewBroker(kind, dir string, logger *logging.Logger) (*Broker, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	b := &Broker{
		logger:    logger.WithComponent("broker"),
		listeners: make(map[string]*shared),
		transfers: make(map[string]*transfer),
		spent:     make(map[string]struct{}),
	}
	t, err := NewTransport(kind, dir, b.consume, logger)
	if err != nil {
		return nil, err
	}
	b.transport = t
	return b, nil
}

// TransportName returns the kind of the transport in use.
func (b *Broker) TransportName() string { return b.transport.Name() }

// URI returns the transport endpoint handed to workers.
func (b *Broker) URI() string { return b.transport.URI() }

// Listen binds address ahead of any transfer and keeps it bound until the
// broker closes, so restarted workers receive the same socket.
func (b *Broker) Listen(address string) (net.Addr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.bindLocked(address)
	if err != nil {
		return nil, err
	}
	if !s.pinned {
		s.pinned = true
		s.refs++
	}
	return s.ln.Addr(), nil
}

// Initiate creates a single-use transfer for req.Address on behalf of
// req.WorkerID. Failures are reported in the Error field of the reply.
func (b *Broker) Initiate(req ipc.InitiateSocketTransfer) ipc.SocketTransferInfo {
	info := ipc.SocketTransferInfo{RequestID: req.RequestID}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.bindLocked(req.Address)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	s.refs++

	key := uuid.NewString()
	b.transfers[key] = &transfer{
		key:      key,
		workerID: req.WorkerID,
		groupID:  req.GroupID,
		socket:   s,
		created:  time.Now(),
	}

	info.Key = key
	info.URI = b.transport.URI()
	info.Address = s.ln.Addr().String()
	b.logger.Debug("transfer initiated", "key", key, "worker_id", req.WorkerID, "address", info.Address)
	return info
}

// consume redeems a transfer key. It is called by the transport.
func (b *Broker) consume(key string) (net.Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.transfers[key]
	if !ok {
		if _, spent := b.spent[key]; spent {
			return nil, errors.NewTransferError("transfer key already redeemed", errors.ErrTransferKeyUsed).WithKey(key).WithRetryable(false)
		}
		return nil, errors.NewTransferError("unknown transfer key", errors.ErrTransferNotFound).WithKey(key).WithRetryable(false)
	}
	if t.consumed {
		return nil, errors.NewTransferError("transfer key already redeemed", errors.ErrTransferKeyUsed).WithKey(key).WithRetryable(false)
	}
	t.consumed = true
	return t.socket.ln, nil
}

// Acknowledge records that workerID now holds socketID.
func (b *Broker) Acknowledge(workerID int, socketID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.transfers[socketID]
	if !ok || !t.consumed || t.workerID != workerID {
		return errors.NewTransferError("acknowledged socket is not held by worker", errors.ErrSocketNotFound).WithKey(socketID)
	}
	t.acked = true
	return nil
}

// Free releases socketID. The listener is closed once no holder remains.
// Freeing an unknown or already freed id fails with ErrSocketNotFound.
func (b *Broker) Free(socketID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.transfers[socketID]
	if !ok {
		return errors.NewTransferError("free of unknown socket", errors.ErrSocketNotFound).WithKey(socketID).WithRetryable(false)
	}
	b.freeLocked(t)
	return nil
}

// ReleaseWorker frees every socket transferred to workerID and returns how
// many were released.
func (b *Broker) ReleaseWorker(workerID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, t := range b.transfers {
		if t.workerID == workerID {
			b.freeLocked(t)
			n++
		}
	}
	return n
}

// Outstanding returns the number of transfers that have not been freed.
func (b *Broker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transfers)
}

// Close closes every listener and stops the transport.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for addr, s := range b.listeners {
		s.ln.Close()
		delete(b.listeners, addr)
	}
	for key := range b.transfers {
		delete(b.transfers, key)
		b.spent[key] = struct{}{}
	}
	b.mu.Unlock()

	return b.transport.Close()
}

func (b *Broker) freeLocked(t *transfer) {
	delete(b.transfers, t.key)
	b.spent[t.key] = struct{}{}
	b.transport.Release(t.key)

	s := t.socket
	s.refs--
	if s.refs <= 0 {
		s.ln.Close()
		delete(b.listeners, s.address)
		b.logger.Debug("listener closed", "address", s.address)
	}
}

func (b *Broker) bindLocked(address string) (*shared, error) {
	if b.closed {
		return nil, errors.NewTransferError("broker closed", errors.ErrBrokerUnavailable).WithAddress(address).WithRetryable(false)
	}
	if s, ok := b.listeners[address]; ok {
		return s, nil
	}

	network, addr := splitAddress(address)
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.NewTransferError("bind listener", err).WithAddress(address)
	}
	s := &shared{address: address, ln: ln}
	b.listeners[address] = s
	b.logger.Info("listener bound", "address", ln.Addr().String())
	return s, nil
}

// splitAddress accepts "host:port", "tcp://host:port" and "unix:///path".
func splitAddress(address string) (string, string) {
	if network, rest, ok := strings.Cut(address, "://"); ok {
		return network, rest
	}
	return "tcp", address
}
