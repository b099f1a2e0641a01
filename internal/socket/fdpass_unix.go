//go:build unix

package socket

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/logging"
)

// FDPassSupported reports whether descriptors can be passed between
// processes on this platform.
const FDPassSupported = true

// controlSocketName is the broker's control socket inside the run dir.
const controlSocketName = "broker.sock"

// filer is implemented by listeners that expose their descriptor.
type filer interface {
	File() (*os.File, error)
}

type fdPassTransport struct {
	path    string
	ln      *net.UnixListener
	consume ConsumeFunc
	logger  *logging.Logger

	wg     conc.WaitGroup
	closed atomic.Bool
}

func newFDPassTransport(dir string, consume ConsumeFunc, logger *logging.Logger) (Transport, error) {
	path := filepath.Join(dir, controlSocketName)
	_ = os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.NewTransferError("bind broker control socket", err).WithAddress(path).WithRetryable(false)
	}

	t := &fdPassTransport{
		path:    path,
		ln:      ln,
		consume: consume,
		logger:  logger.WithComponent("fdpass"),
	}
	t.wg.Go(t.serve)
	return t, nil
}

func (t *fdPassTransport) Name() string { return TransportFDPass }

func (t *fdPassTransport) URI() string { return "unix://" + t.path }

// Release is a no-op: once passed, a descriptor belongs to the receiver.
func (t *fdPassTransport) Release(string) {}

func (t *fdPassTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.ln.Close()
	t.wg.Wait()
	return err
}

func (t *fdPassTransport) serve() {
	for {
		conn, err := t.ln.AcceptUnix()
		if err != nil {
			if !t.closed.Load() {
				t.logger.Warn("control socket accept failed", "error", err)
			}
			return
		}
		t.wg.Go(func() { t.handle(conn) })
	}
}

func (t *fdPassTransport) handle(conn *net.UnixConn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.logger.Debug("control request read failed", "error", err)
		return
	}
	key := strings.TrimSpace(line)

	ln, err := t.consume(key)
	if err != nil {
		_ = writeReply(conn, statusFor(err), err.Error())
		return
	}

	fl, ok := ln.(filer)
	if !ok {
		_ = writeReply(conn, statusError, "listener does not expose a descriptor")
		return
	}
	f, err := fl.File()
	if err != nil {
		_ = writeReply(conn, statusError, err.Error())
		return
	}
	defer f.Close()

	payload := append([]byte{statusOK}, ln.Addr().String()+"\n"...)
	if _, _, err := conn.WriteMsgUnix(payload, unix.UnixRights(int(f.Fd())), nil); err != nil {
		t.logger.Warn("descriptor send failed", "key", key, "error", err)
		return
	}
	t.logger.Debug("descriptor passed", "key", key, "address", ln.Addr().String())
}

// receiveFD asks the broker at path for the descriptor behind key.
func receiveFD(ctx context.Context, path, key string) (net.Listener, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, brokerUnavailable(key, path, err)
	}
	conn := c.(*net.UnixConn)
	defer conn.Close()
	_ = conn.SetDeadline(deadline(ctx))

	if _, err := conn.Write([]byte(key + "\n")); err != nil {
		return nil, brokerUnavailable(key, path, err)
	}

	buf := make([]byte, 1024)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, brokerUnavailable(key, path, err)
	}
	if n == 0 {
		return nil, brokerUnavailable(key, path, errors.New("empty reply"))
	}
	status, text := buf[0], strings.TrimSpace(string(buf[1:n]))
	if status != statusOK {
		return nil, errorFor(status, text, key)
	}

	fd, err := passedDescriptor(oob[:oobn])
	if err != nil {
		return nil, errors.NewTransferError("reply carried no descriptor", err).WithKey(key)
	}

	f := os.NewFile(uintptr(fd), "forkpool-listener")
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, errors.NewTransferError("attach passed descriptor", err).WithKey(key).WithAddress(text)
	}
	return ln, nil
}

// passedDescriptor extracts the first descriptor from a control message
// buffer and closes any others.
func passedDescriptor(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, err
	}
	if len(msgs) == 0 {
		return -1, errors.Wrap(errors.ErrInvalidInput, "no control message")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, err
	}
	if len(fds) == 0 {
		return -1, errors.Wrap(errors.ErrInvalidInput, "no descriptor in rights")
	}
	for _, extra := range fds[1:] {
		unix.Close(extra)
	}
	return fds[0], nil
}
