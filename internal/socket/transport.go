package socket

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/logging"
)

// Transport kinds.
const (
	TransportAuto   = "auto"
	TransportFDPass = "fdpass"
	TransportRelay  = "relay"
)

// ValidTransports lists the accepted transport kinds.
func ValidTransports() []string {
	return []string{TransportAuto, TransportFDPass, TransportRelay}
}

// handshakeTimeout bounds a single control exchange with the broker.
const handshakeTimeout = 5 * time.Second

// Control reply status codes. Every reply starts with one status byte.
const (
	statusOK byte = iota
	statusKeyUsed
	statusNotFound
	statusError
)

// ConsumeFunc redeems a transfer key for the listener it refers to. It
// succeeds at most once per key.
type ConsumeFunc func(key string) (net.Listener, error)

// Transport is the broker side of a handoff mechanism.
type Transport interface {
	// Name returns the transport kind.
	Name() string
	// URI addresses the endpoint workers contact to complete a transfer.
	URI() string
	// Release drops any per-key state once the key's socket is freed.
	Release(key string)
	// Close stops serving transfers.
	Close() error
}

// NewTransport starts the broker side of kind. dir holds any filesystem
// endpoints the transport needs.
func NewTransport(kind, dir string, consume ConsumeFunc, logger *logging.Logger) (Transport, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	switch kind {
	case TransportAuto, "":
		if FDPassSupported {
			return newFDPassTransport(dir, consume, logger)
		}
		return newRelayTransport(consume, logger)
	case TransportFDPass:
		return newFDPassTransport(dir, consume, logger)
	case TransportRelay:
		return newRelayTransport(consume, logger)
	default:
		return nil, errors.NewValidationError("unknown socket transport").WithField("socket.transport").WithValue(kind)
	}
}

// Receive completes a transfer from the worker side, picking the transport
// from the uri scheme.
func Receive(ctx context.Context, uri, key string) (net.Listener, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.NewTransferError("invalid transfer uri", err).WithKey(key).WithRetryable(false)
	}
	switch u.Scheme {
	case "unix":
		return receiveFD(ctx, u.Path, key)
	case "tcp":
		return claimRelay(ctx, u.Host, key)
	default:
		return nil, errors.NewTransferError("unsupported transfer uri", errors.ErrInvalidInput).
			WithKey(key).WithAddress(uri).WithRetryable(false)
	}
}

func statusFor(err error) byte {
	switch {
	case errors.Is(err, errors.ErrTransferKeyUsed):
		return statusKeyUsed
	case errors.Is(err, errors.ErrTransferNotFound):
		return statusNotFound
	default:
		return statusError
	}
}

func errorFor(status byte, msg, key string) error {
	var cause error
	switch status {
	case statusKeyUsed:
		cause = errors.ErrTransferKeyUsed
	case statusNotFound:
		cause = errors.ErrTransferNotFound
	default:
		cause = errors.New(msg)
	}
	return errors.NewTransferError("broker refused transfer", cause).WithKey(key).WithRetryable(status == statusError)
}

// writeReply sends a status byte followed by a newline-terminated text.
func writeReply(c net.Conn, status byte, text string) error {
	text = strings.ReplaceAll(text, "\n", " ")
	_, err := c.Write(append([]byte{status}, text+"\n"...))
	return err
}

// readReply reads a reply written by writeReply.
func readReply(r *bufio.Reader) (byte, string, error) {
	status, err := r.ReadByte()
	if err != nil {
		return 0, "", err
	}
	text, err := r.ReadString('\n')
	if err != nil {
		return 0, "", err
	}
	return status, strings.TrimSuffix(text, "\n"), nil
}

func brokerUnavailable(key, endpoint string, err error) error {
	return errors.NewTransferError(fmt.Sprintf("contact broker at %s", endpoint), errors.Join(errors.ErrBrokerUnavailable, err)).
		WithKey(key)
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(handshakeTimeout)
}
