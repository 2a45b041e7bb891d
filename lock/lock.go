// Package lock implements the spinlock every shared BOOT-BLOCK field and
// kernel data structure is guarded by: a CAS-based lock with a force-take
// escape hatch for the panic path, parameterized on an Interrupts trait the
// way machine.Machine threads a vcpu index through its own per-core
// bookkeeping rather than relying on ambient global state.
package lock

import (
	"runtime"
	"sync/atomic"
)

// Interrupts supplies the core-awareness a real spinlock needs: whether
// the calling context may safely block, and which core is asking. In this
// userspace reimplementation cores never truly run with interrupts
// enabled inside the nucleus, so the only implementation provided
// (NopInterrupts) reports that.
type Interrupts interface {
	InInterrupt() bool
	InException() bool
	CoreID() int
}

// NopInterrupts is the Interrupts implementation for code that never
// enables interrupts: every query reports the "safe to spin" answer,
// collapsing the lock to a plain spinlock.
type NopInterrupts struct{ Core int }

func (n NopInterrupts) InInterrupt() bool { return false }
func (n NopInterrupts) InException() bool { return false }
func (n NopInterrupts) CoreID() int       { return n.Core }

const unlockedOwner = -1

// SpinLock is a CAS-acquired lock recording the owning core id, so the
// panic path can force its way past a lock already held by a wedged core
// without deadlocking.
type SpinLock struct {
	owner int32 // unlockedOwner when free, else CoreID()+1
}

// New returns an unlocked SpinLock.
func New() *SpinLock {
	return &SpinLock{owner: unlockedOwner}
}

// Lock spins with a pause hint until the lock is acquired.
func (l *SpinLock) Lock(in Interrupts) {
	me := int32(in.CoreID()) + 1

	for !atomic.CompareAndSwapInt32(&l.owner, unlockedOwner, me) {
		runtime.Gosched()
	}
}

// TryLock attempts a single CAS and reports whether it succeeded.
func (l *SpinLock) TryLock(in Interrupts) bool {
	me := int32(in.CoreID()) + 1

	return atomic.CompareAndSwapInt32(&l.owner, unlockedOwner, me)
}

// Unlock releases the lock. Unlock on a lock acquired via ForceTake is a
// caller error (ForceTake intentionally does not mark itself releasable);
// callers on the force-take path must not call Unlock.
func (l *SpinLock) Unlock() {
	atomic.StoreInt32(&l.owner, unlockedOwner)
}

// ForceTake bypasses acquisition entirely, for the panic path to dump
// state guarded by a lock some other (possibly wedged) core holds. It
// does not record a new owner and the caller must never call Unlock
// afterward — the original owner, if it ever resumes, still believes it
// holds the lock.
func (l *SpinLock) ForceTake() {
}

// Held reports whether the lock is currently owned by anyone. Intended
// for diagnostics only — racy by construction, same as peeking at any
// spinlock from the outside.
func (l *SpinLock) Held() bool {
	return atomic.LoadInt32(&l.owner) != unlockedOwner
}
