//go:build unix

package state

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedMemorySupported reports whether segments can be shared between
// processes on this platform.
const SharedMemorySupported = true

// mapFile maps path read-write and shared. When create is true the file is
// created (or truncated) to size bytes; otherwise size is taken from the file.
func mapFile(path string, size int, create bool) (*arena, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state segment: %w", err)
	}
	defer f.Close()

	if create {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("size state segment: %w", err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat state segment: %w", err)
		}
		size = int(fi.Size())
	}
	if size < headerWords*wordSize || size%wordSize != 0 {
		return nil, fmt.Errorf("state segment %s has invalid size %d", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap state segment: %w", err)
	}

	// Mappings are page aligned, so every word is 8-byte aligned.
	words := unsafe.Slice((*int64)(unsafe.Pointer(&data[0])), size/wordSize)
	return &arena{
		words:   words,
		release: func() error { return unix.Munmap(data) },
	}, nil
}
