//go:build linux

package page

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// notifier on Linux is a real futex: wait/wake operate directly on the
// lock word's memory address, so no extra allocation or bookkeeping is
// needed per Lock.
type notifier struct{}

func newNotifier() notifier { return notifier{} }

const (
	futexWaitOp = 0
	futexWakeOp = 1
)

func (notifier) wait(word *atomic.Uint32, expect uint32, timeout time.Duration) bool {
	addr := (*uint32)(unsafe.Pointer(word))

	var ts *unix.Timespec
	if timeout > 0 {
		sec := int64(timeout / time.Second)
		nsec := int64(timeout % time.Second)
		t := unix.NsecToTimespec(sec*int64(time.Second) + nsec)
		ts = &t
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(expect),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	if errno == unix.ETIMEDOUT {
		return false
	}
	// EAGAIN means the word already changed under us; EINTR means a
	// spurious wake. Both are fine: the caller re-checks the word.
	return true
}

func (notifier) wake(word *atomic.Uint32) {
	addr := (*uint32)(unsafe.Pointer(word))
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(0x7fffffff),
		0, 0, 0,
	)
}
