package kvm

import (
	"fmt"

	"github.com/flugzeug/flugzeug/lock"
)

// maxASIDs bounds the SVM ASID bitmap: hardware exposes up to 2048 on
// current AMD parts (CPUID 0x8000000A.EBX).
const maxASIDs = 2048

// ASIDAllocator hands out globally unique address-space identifiers for
// nested-paging vcpus, one per guest vcpu, so TLB entries tagged by one
// guest vcpu are never reused by another without a flush. ASID 0 is
// reserved (host context) and never allocated.
type ASIDAllocator struct {
	mu     *lock.SpinLock
	in     lock.NopInterrupts
	bitmap [maxASIDs / 64]uint64
}

// NewASIDAllocator returns an allocator with ASID 0 pre-marked reserved.
func NewASIDAllocator() *ASIDAllocator {
	a := &ASIDAllocator{mu: lock.New()}
	a.bitmap[0] |= 1

	return a
}

// Alloc reserves and returns the lowest free ASID.
func (a *ASIDAllocator) Alloc() (uint32, error) {
	a.mu.Lock(a.in)
	defer a.mu.Unlock()

	for word := 0; word < len(a.bitmap); word++ {
		if a.bitmap[word] == ^uint64(0) {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			if a.bitmap[word]&(1<<uint(bit)) == 0 {
				a.bitmap[word] |= 1 << uint(bit)

				return uint32(word*64 + bit), nil
			}
		}
	}

	return 0, fmt.Errorf("asid: exhausted %d identifiers", maxASIDs)
}

// Free releases an ASID previously returned by Alloc.
func (a *ASIDAllocator) Free(asid uint32) {
	a.mu.Lock(a.in)
	defer a.mu.Unlock()

	a.bitmap[asid/64] &^= 1 << (asid % 64)
}
