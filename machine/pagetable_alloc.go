package machine

import (
	"fmt"

	"github.com/flugzeug/flugzeug/pagetable"
)

// identityMapRegionSize bounds the PML4/PDPT/PD tables backing the 4GiB
// identity map: 1 PML4 + 1 PDPT + 4 PD tables, the same six 4K pages
// the hand-rolled byte layout this replaces used.
const identityMapRegionSize = 0x6000

// identityAllocator is a bump allocator over the reserved page-table
// region at pageTableBase. It satisfies pagetable.Allocator; every
// allocation is a zeroed 4K page (the identity map only ever needs
// intermediate tables, never 2M/1G leaf pages of its own), and Free is a
// no-op because the identity map lives for the machine's lifetime.
type identityAllocator struct {
	mem    []byte
	cursor uint64
	limit  uint64
}

func newIdentityAllocator(mem []byte) *identityAllocator {
	return &identityAllocator{mem: mem, cursor: pageTableBase, limit: pageTableBase + identityMapRegionSize}
}

func (a *identityAllocator) Alloc(size pagetable.PageSize) (uint64, error) {
	if size != pagetable.Page4K {
		return 0, fmt.Errorf("machine: identity map only allocates 4K tables, got %s", size)
	}

	if a.cursor+uint64(size) > a.limit {
		return 0, fmt.Errorf("machine: identity-map page-table region exhausted at %#x", a.limit)
	}

	addr := a.cursor
	a.cursor += uint64(size)

	buf := a.mem[addr : addr+uint64(size)]
	for i := range buf {
		buf[i] = 0
	}

	return addr, nil
}

func (a *identityAllocator) Free(uint64, pagetable.PageSize) {}

func (a *identityAllocator) Bytes(addr uint64, size int) []byte {
	return a.mem[addr : addr+uint64(size)]
}

// buildIdentityMap constructs the 4GiB 2M-page identity map every vcpu's
// CR3 points at, memoized on first call since every core shares the same
// mapping.
func (m *Machine) buildIdentityMap() (uint64, error) {
	if m.identityRoot != 0 {
		return m.identityRoot, nil
	}

	table, err := pagetable.New(m.mem, newIdentityAllocator(m.mem))
	if err != nil {
		return 0, fmt.Errorf("machine: building identity map: %w", err)
	}

	for va := uint64(0); va < 0x1_0000_0000; va += uint64(pagetable.Page2M) {
		if err := table.MapRaw(va, pagetable.Page2M, va, true, true, false, true); err != nil {
			return 0, fmt.Errorf("machine: mapping %#x: %w", va, err)
		}
	}

	m.identityRoot = table.Root()

	return m.identityRoot, nil
}
