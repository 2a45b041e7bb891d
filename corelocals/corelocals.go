// Package corelocals models the per-core record every vCPU goroutine
// consults: in bare-metal terms, the structure addressed through GS;
// here, the struct backing machine.Machine's per-vcpu slices
// (vcpuFds/runs), generalized into an explicit per-core state machine
// with a free-list and a core-id assignment, the way the distillation's
// "per-core locals" component names it.
package corelocals

import "sync/atomic"

// State is a core's position in the boot/online lifecycle.
type State int32

const (
	// StateOffline is the initial state: not yet launched.
	StateOffline State = iota
	// StateLaunched means the BSP has sent the INIT-SIPI-SIPI sequence
	// and is waiting for the core to reach Online.
	StateLaunched
	// StateOnline means the core has reached its online barrier.
	StateOnline
	// StateHalted means the core saw the panic flag set on reaching the
	// kernel and halted itself before doing any further work.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateLaunched:
		return "launched"
	case StateOnline:
		return "online"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// freelistBuckets is the number of power-of-two size classes a core's
// free-list caches, covering 4K..4M allocations without cross-core
// traffic.
const freelistBuckets = 11

// Locals is one core's record: its assigned id, current lifecycle state,
// and per-core free-list buckets of previously freed physical pages
// (by power-of-two size class), cached for cheap reuse.
type Locals struct {
	CoreID int
	APICID uint8

	state State

	freelist [freelistBuckets][]uint64
}

// New returns a Locals for the given core and APIC id, starting Offline.
func New(coreID int, apicID uint8) *Locals {
	return &Locals{CoreID: coreID, APICID: apicID, state: StateOffline}
}

// State returns the core's current lifecycle state.
func (l *Locals) State() State {
	return State(atomic.LoadInt32((*int32)(&l.state)))
}

// SetState transitions the core's lifecycle state.
func (l *Locals) SetState(s State) {
	atomic.StoreInt32((*int32)(&l.state), int32(s))
}

// bucketFor returns the free-list bucket index for a page of the given
// power-of-two size (log2(size) - 12, since the smallest bucket is 4K).
func bucketFor(size uint64) (int, bool) {
	if size == 0 || size&(size-1) != 0 {
		return 0, false
	}

	bit := 0
	for v := size; v > 1; v >>= 1 {
		bit++
	}

	idx := bit - 12
	if idx < 0 || idx >= freelistBuckets {
		return 0, false
	}

	return idx, true
}

// FreePage pushes addr onto the free-list bucket matching size, or
// drops it silently if size falls outside the cached range (the caller's
// underlying allocator still owns it; this is a cache, not the source of
// truth).
func (l *Locals) FreePage(addr, size uint64) {
	idx, ok := bucketFor(size)
	if !ok {
		return
	}

	l.freelist[idx] = append(l.freelist[idx], addr)
}

// AllocPage pops a cached page of the given size from this core's
// free-list, returning ok=false if none is cached.
func (l *Locals) AllocPage(size uint64) (addr uint64, ok bool) {
	idx, ok := bucketFor(size)
	if !ok {
		return 0, false
	}

	bucket := l.freelist[idx]
	if len(bucket) == 0 {
		return 0, false
	}

	addr = bucket[len(bucket)-1]
	l.freelist[idx] = bucket[:len(bucket)-1]

	return addr, true
}

// Registry is the BSP's view of every core in the system, indexed by
// core id.
type Registry struct {
	cores []*Locals
}

// NewRegistry allocates a Registry with n cores, core 0 reserved for the
// bootstrap processor and started Online; the rest Offline.
func NewRegistry(apicIDs []uint8) *Registry {
	r := &Registry{cores: make([]*Locals, len(apicIDs))}

	for i, id := range apicIDs {
		r.cores[i] = New(i, id)
	}

	if len(r.cores) > 0 {
		r.cores[0].SetState(StateOnline)
	}

	return r
}

// Core returns the Locals for core id, or nil if out of range.
func (r *Registry) Core(id int) *Locals {
	if id < 0 || id >= len(r.cores) {
		return nil
	}

	return r.cores[id]
}

// Len reports the number of cores in the registry.
func (r *Registry) Len() int {
	return len(r.cores)
}

// OnlineCount reports how many cores currently report StateOnline.
func (r *Registry) OnlineCount() int {
	n := 0

	for _, c := range r.cores {
		if c.State() == StateOnline {
			n++
		}
	}

	return n
}

// AllOnline reports whether every registered core has reached Online.
func (r *Registry) AllOnline() bool {
	return r.OnlineCount() == r.Len()
}
