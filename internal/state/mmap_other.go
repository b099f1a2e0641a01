//go:build !unix

package state

import (
	"github.com/Iron-Ham/forkpool/internal/errors"
)

// SharedMemorySupported reports whether segments can be shared between
// processes on this platform.
const SharedMemorySupported = false

func mapFile(path string, size int, create bool) (*arena, error) {
	if create {
		return newHeapArena(size / wordSize), nil
	}
	return nil, errors.Wrapf(errors.ErrInvalidInput, "shared state segment %s cannot be attached on this platform", path)
}
