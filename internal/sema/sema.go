// Package sema implements a process-shared counting semaphore over a
// shared-memory int32 slot, using Linux futex syscalls for blocking
// wait/wake. This is the primitive behind every wait_free/set_filled/
// wait_filled/set_free call in spec.md §4.2's ring buffer protocol: the
// "free" and "filled" semaphore pair attached to each block.
//
// No off-the-shelf process-shared semaphore package appears anywhere in
// the example corpus (golang.org/x/sync/semaphore is an in-process
// weighted semaphore, unusable across the capture/fold/writer process
// boundary spec.md assumes), so this is built directly on
// golang.org/x/sys/unix, the same package the teacher and the rest of the
// corpus already use for raw syscalls.
package sema

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Size is the number of bytes a Sema occupies in shared memory.
const Size = 4

// Sema is a counting semaphore whose value lives at a fixed offset inside
// a shm.Region. Multiple processes mapping the same region and
// constructing a Sema over the same offset observe and block on the same
// counter.
type Sema struct {
	word *int32
}

// At constructs a semaphore view over 4 bytes of shared memory starting at
// the given slice, which must be at least Size bytes and must come from a
// page that will not move (i.e. a slice of an mmap'd shm.Region).
func At(mem []byte) *Sema {
	if len(mem) < Size {
		panic(fmt.Sprintf("sema: region too small: %d < %d", len(mem), Size))
	}
	return &Sema{word: (*int32)(unsafe.Pointer(&mem[0]))}
}

// Init sets the semaphore's initial value. Only the creator of the backing
// region should call this, and only before any other process attaches.
func (s *Sema) Init(value int32) {
	atomic.StoreInt32(s.word, value)
}

// Value returns the current count, for diagnostics only.
func (s *Sema) Value() int32 {
	return atomic.LoadInt32(s.word)
}

// Post increments the semaphore and wakes at most one waiter. Equivalent
// to sem_post / a ring buffer's set_filled / set_free.
func (s *Sema) Post() {
	atomic.AddInt32(s.word, 1)
	_, _, _ = unix.Syscall(unix.SYS_FUTEX, uintptr(unsafe.Pointer(s.word)),
		uintptr(futexWake), 1)
}

// Wait blocks until the semaphore is positive, then decrements it.
// Equivalent to sem_wait / a ring buffer's wait_free / wait_filled.
//
// spec.md §4.2's failure semantics require that an interrupting signal
// retries rather than fails the wait; EINTR from the futex syscall is
// handled the same way here.
func (s *Sema) Wait() {
	for {
		for {
			v := atomic.LoadInt32(s.word)
			if v <= 0 {
				break
			}
			if atomic.CompareAndSwapInt32(s.word, v, v-1) {
				return
			}
		}

		_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(s.word)),
			uintptr(futexWait), 0, 0, 0, 0)
		if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
			// Any other futex failure (e.g. a stale/unmapped address) is
			// not recoverable by retrying; surface it loudly rather than
			// spin forever. Stages treat this as fatal, per spec.md §7's
			// "shared-region errors ... fatal to the stage".
			panic(fmt.Sprintf("sema: futex wait failed: %v", errno))
		}
	}
}

// TryWait attempts a non-blocking decrement, returning true on success.
func (s *Sema) TryWait() bool {
	for {
		v := atomic.LoadInt32(s.word)
		if v <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(s.word, v, v-1) {
			return true
		}
	}
}

const (
	futexWait = 0 // FUTEX_WAIT
	futexWake = 1 // FUTEX_WAKE
)
