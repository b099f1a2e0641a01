package socket

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/logging"
)

// Relay control verbs.
const (
	verbClaim  = "CLAIM"
	verbAccept = "ACCEPT"
)

// hubBacklog bounds client connections accepted by the broker but not yet
// paired with a worker.
const hubBacklog = 64

// hub runs the broker-side accept loop of one shared listener.
type hub struct {
	ln    net.Listener
	conns chan net.Conn
	done  chan struct{}
}

type relayTransport struct {
	ln      net.Listener
	consume ConsumeFunc
	logger  *logging.Logger

	mu       sync.Mutex
	sessions map[string]*hub
	hubs     map[net.Listener]*hub
	active   map[net.Conn]struct{}

	closing   chan struct{}
	closeOnce sync.Once
	wg        conc.WaitGroup
}

func newRelayTransport(consume ConsumeFunc, logger *logging.Logger) (Transport, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.NewTransferError("bind relay rendezvous endpoint", err).WithRetryable(false)
	}
	t := &relayTransport{
		ln:       ln,
		consume:  consume,
		logger:   logger.WithComponent("relay"),
		sessions: make(map[string]*hub),
		hubs:     make(map[net.Listener]*hub),
		active:   make(map[net.Conn]struct{}),
		closing:  make(chan struct{}),
	}
	t.wg.Go(t.serve)
	return t, nil
}

func (t *relayTransport) Name() string { return TransportRelay }

func (t *relayTransport) URI() string { return "tcp://" + t.ln.Addr().String() }

func (t *relayTransport) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, key)
}

func (t *relayTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)
		err = t.ln.Close()

		t.mu.Lock()
		for c := range t.active {
			c.Close()
		}
		t.mu.Unlock()

		t.wg.Wait()
	})
	return err
}

func (t *relayTransport) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closing:
		return false
	default:
	}
	t.active[c] = struct{}{}
	return true
}

func (t *relayTransport) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.active, c)
	t.mu.Unlock()
	c.Close()
}

func (t *relayTransport) serve() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		if !t.track(conn) {
			conn.Close()
			return
		}
		t.wg.Go(func() {
			defer t.untrack(conn)
			t.handle(conn)
		})
	}
}

func (t *relayTransport) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	line, err := r.ReadString('\n')
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	verb, key, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch verb {
	case verbClaim:
		ln, err := t.consume(key)
		if err != nil {
			_ = writeReply(conn, statusFor(err), err.Error())
			return
		}
		h := t.hubFor(ln)
		t.mu.Lock()
		t.sessions[key] = h
		t.mu.Unlock()
		_ = writeReply(conn, statusOK, ln.Addr().String())

	case verbAccept:
		t.mu.Lock()
		h := t.sessions[key]
		t.mu.Unlock()
		if h == nil {
			_ = writeReply(conn, statusNotFound, "no relay session for key")
			return
		}
		t.serveAccept(conn, r, h)

	default:
		_ = writeReply(conn, statusError, "unknown verb "+verb)
	}
}

func (t *relayTransport) hubFor(ln net.Listener) *hub {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.hubs[ln]; ok {
		return h
	}
	h := &hub{ln: ln, conns: make(chan net.Conn, hubBacklog), done: make(chan struct{})}
	t.hubs[ln] = h
	t.wg.Go(func() { t.acceptLoop(h) })
	return h
}

func (t *relayTransport) acceptLoop(h *hub) {
	defer func() {
		t.mu.Lock()
		delete(t.hubs, h.ln)
		t.mu.Unlock()
		close(h.done)
		for {
			select {
			case c := <-h.conns:
				c.Close()
			default:
				return
			}
		}
	}()

	for {
		c, err := h.ln.Accept()
		if err != nil {
			return
		}
		select {
		case h.conns <- c:
		case <-t.closing:
			c.Close()
			return
		}
	}
}

// serveAccept parks a worker's accept request until a client arrives, then
// relays bytes between the two connections.
func (t *relayTransport) serveAccept(worker net.Conn, r *bufio.Reader, h *hub) {
	// The first read from the worker doubles as hang-up detection. Peek
	// leaves the data in r for the relay below.
	watch := make(chan error, 1)
	go func() {
		_, err := r.Peek(1)
		watch <- err
	}()

	select {
	case client := <-h.conns:
		if err := writeReply(worker, statusOK, client.RemoteAddr().String()); err != nil {
			select {
			case h.conns <- client:
			default:
				client.Close()
			}
			return
		}
		if !t.track(client) {
			client.Close()
			return
		}
		defer t.untrack(client)
		t.relay(worker, r, client, watch)
	case <-watch:
	case <-h.done:
		_ = writeReply(worker, statusNotFound, "listener closed")
	case <-t.closing:
	}
}

func (t *relayTransport) relay(worker net.Conn, r *bufio.Reader, client net.Conn, watch <-chan error) {
	var wg conc.WaitGroup
	wg.Go(func() {
		_, _ = io.Copy(worker, client)
		closeWrite(worker)
	})
	wg.Go(func() {
		if err := <-watch; err == nil {
			_, _ = io.Copy(client, r)
		}
		closeWrite(client)
	})
	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// -----------------------------------------------------------------------------
// Worker side
// -----------------------------------------------------------------------------

type relayAddr string

func (a relayAddr) Network() string { return "tcp" }
func (a relayAddr) String() string  { return string(a) }

// claimRelay redeems key at the rendezvous endpoint and returns a listener
// whose connections are relayed by the broker.
func claimRelay(ctx context.Context, endpoint, key string) (net.Listener, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, brokerUnavailable(key, endpoint, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline(ctx))

	if _, err := conn.Write([]byte(verbClaim + " " + key + "\n")); err != nil {
		return nil, brokerUnavailable(key, endpoint, err)
	}
	status, text, err := readReply(bufio.NewReader(conn))
	if err != nil {
		return nil, brokerUnavailable(key, endpoint, err)
	}
	if status != statusOK {
		return nil, errorFor(status, text, key)
	}

	return &relayListener{
		endpoint: endpoint,
		key:      key,
		addr:     relayAddr(text),
		closed:   make(chan struct{}),
		pending:  make(map[net.Conn]struct{}),
	}, nil
}

type relayListener struct {
	endpoint string
	key      string
	addr     net.Addr

	mu      sync.Mutex
	pending map[net.Conn]struct{}
	closed  chan struct{}
	once    sync.Once
}

func (l *relayListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}

	conn, err := net.Dial("tcp", l.endpoint)
	if err != nil {
		return nil, brokerUnavailable(l.key, l.endpoint, err)
	}
	if !l.hold(conn) {
		conn.Close()
		return nil, net.ErrClosed
	}
	defer l.release(conn)

	if _, err := conn.Write([]byte(verbAccept + " " + l.key + "\n")); err != nil {
		conn.Close()
		return nil, l.acceptErr(err)
	}
	r := bufio.NewReader(conn)
	status, text, err := readReply(r)
	if err != nil {
		conn.Close()
		return nil, l.acceptErr(err)
	}
	if status != statusOK {
		conn.Close()
		if status == statusNotFound {
			return nil, net.ErrClosed
		}
		return nil, errorFor(status, text, l.key)
	}
	return &relayConn{Conn: conn, r: r, remote: relayAddr(text)}, nil
}

func (l *relayListener) acceptErr(err error) error {
	select {
	case <-l.closed:
		return net.ErrClosed
	default:
		return brokerUnavailable(l.key, l.endpoint, err)
	}
}

func (l *relayListener) hold(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return false
	default:
	}
	l.pending[c] = struct{}{}
	return true
}

func (l *relayListener) release(c net.Conn) {
	l.mu.Lock()
	delete(l.pending, c)
	l.mu.Unlock()
}

func (l *relayListener) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.closed)
		for c := range l.pending {
			c.Close()
		}
		l.mu.Unlock()
	})
	return nil
}

func (l *relayListener) Addr() net.Addr { return l.addr }

// relayConn reads through the buffered reader used for the accept header so
// no client bytes are lost.
type relayConn struct {
	net.Conn
	r      *bufio.Reader
	remote net.Addr
}

func (c *relayConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *relayConn) RemoteAddr() net.Addr { return c.remote }
