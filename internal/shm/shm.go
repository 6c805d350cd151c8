// Package shm provides named, process-shared memory regions backed by
// POSIX shared memory (tmpfs-backed files under /dev/shm), the mechanism
// spec.md §3 assumes for every "named shared region": the status area and
// every ring buffer block.
//
// Grounded on the teacher's controlplane/internal/ffi "AttachSharedMemory"
// shape (attach-or-create, named by a short id, returns a handle with a
// Detach method) translated from cgo into golang.org/x/sys/unix syscalls,
// since this module has no C dataplane library to link against.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Region is a memory-mapped, process-shared region of fixed size.
type Region struct {
	name string
	data []byte
}

// Name used for shared regions created/attached by this process,
// e.g. "guppi_databuf_1", "guppi_status".
func regionPath(name string) string {
	return filepath.Join("/dev/shm", name)
}

// Create allocates a new named region of the given size. It is an error
// for a region with this name to already exist.
func Create(name string, size int) (*Region, error) {
	path := regionPath(name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm: create %q: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("shm: truncate %q to %d bytes: %w", name, size, err)
	}

	return mapRegion(name, fd, size)
}

// Attach maps an existing named region. The caller must know its size in
// advance (a ring embeds its dimensions in a fixed-size header, so
// databuf.Attach reads that header first, then re-Attaches sized to the
// full region; the status area always uses its fixed DefaultSize).
func Attach(name string, size int) (*Region, error) {
	path := regionPath(name)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %q: %w", name, err)
	}
	defer unix.Close(fd)

	return mapRegion(name, fd, size)
}

// CreateOrAttach creates the region if absent, or attaches to it if a
// concurrent process has already created it. This resolves the ordinary
// startup race between the capture and fold stages, both of which try to
// create ring A if neither has run yet (spec.md §4.2 create/attach table
// says create requires the region not exist; in practice the first stage
// up wins the create and the second attaches).
func CreateOrAttach(name string, size int) (*Region, error) {
	r, err := Create(name, size)
	if err == nil {
		return r, nil
	}
	if !os.IsExist(unwrapErrno(err)) {
		return nil, err
	}
	return Attach(name, size)
}

func unwrapErrno(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}

func mapRegion(name string, fd int, size int) (*Region, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %q (%d bytes): %w", name, size, err)
	}
	return &Region{name: name, data: data}, nil
}

// Name returns the region's identifying name.
func (r *Region) Name() string {
	return r.name
}

// Bytes returns the full mapped region.
func (r *Region) Bytes() []byte {
	return r.data
}

// Slice returns a sub-slice of the mapped region, panicking on an
// out-of-range request -- a programmer error, since offsets are always
// computed from the region's own fixed layout.
func (r *Region) Slice(offset, length int) []byte {
	return r.data[offset : offset+length]
}

// Detach unmaps the region. It does not remove the backing /dev/shm file:
// spec.md §3 "Ownership" assigns destruction to an out-of-band cleanup
// utility, never to the stages themselves.
func (r *Region) Detach() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// Remove unlinks a named region's backing file. This is the out-of-band
// cleanup operation spec.md mentions but explicitly keeps outside of the
// stages' own responsibility; exposed here only for test teardown, never
// called by capture/fold/status code.
func Remove(name string) error {
	return os.Remove(regionPath(name))
}
