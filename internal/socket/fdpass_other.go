//go:build !unix

package socket

import (
	"context"
	"net"

	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/logging"
)

// FDPassSupported reports whether descriptors can be passed between
// processes on this platform.
const FDPassSupported = false

func newFDPassTransport(string, ConsumeFunc, *logging.Logger) (Transport, error) {
	return nil, errors.NewValidationError("descriptor passing is not supported on this platform").
		WithField("socket.transport").WithValue(TransportFDPass)
}

func receiveFD(_ context.Context, _ string, key string) (net.Listener, error) {
	return nil, errors.NewTransferError("descriptor passing is not supported on this platform", errors.ErrInvalidInput).
		WithKey(key).WithRetryable(false)
}
