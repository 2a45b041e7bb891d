package pagetable_test

import (
	"testing"

	"github.com/flugzeug/flugzeug/pagetable"
)

// bumpAllocator is a trivial physical-memory provider over an in-test
// byte slice: it never reuses freed pages, which is fine for exercising
// Map/Translate/Destroy bookkeeping.
type bumpAllocator struct {
	mem  []byte
	next uint64
	free map[uint64]bool
}

func newBumpAllocator(size int) *bumpAllocator {
	return &bumpAllocator{mem: make([]byte, size), next: 0x1000, free: map[uint64]bool{}}
}

func (b *bumpAllocator) Alloc(size pagetable.PageSize) (uint64, error) {
	addr := (b.next + uint64(size) - 1) &^ (uint64(size) - 1)
	b.next = addr + uint64(size)

	for i := addr; i < addr+uint64(size); i++ {
		b.mem[i] = 0
	}

	return addr, nil
}

func (b *bumpAllocator) Free(addr uint64, size pagetable.PageSize) {
	b.free[addr] = true
}

func (b *bumpAllocator) Bytes(addr uint64, size int) []byte {
	return b.mem[addr : addr+uint64(size)]
}

func TestMapThenVirtToPhysRoundTrips(t *testing.T) {
	t.Parallel()

	alloc := newBumpAllocator(64 << 20)

	tbl, err := pagetable.New(alloc.mem, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const va = 0x40_0000

	if err := tbl.Map(va, pagetable.Page4K, uint64(pagetable.Page4K), true, true, false); err != nil {
		t.Fatalf("Map: %v", err)
	}

	pa, err := tbl.VirtToPhys(va + 0x10)
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}

	if pa&0xfff != 0x10 {
		t.Errorf("VirtToPhys offset: got %#x, want offset 0x10 preserved", pa&0xfff)
	}
}

func TestMapInitFillsBackingPage(t *testing.T) {
	t.Parallel()

	alloc := newBumpAllocator(64 << 20)

	tbl, err := pagetable.New(alloc.mem, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const va = 0x80_0000

	want := byte(0xAB)

	err = tbl.MapInit(va, pagetable.Page4K, uint64(pagetable.Page4K), true, false, false, func(offset uint64) byte {
		return want
	})
	if err != nil {
		t.Fatalf("MapInit: %v", err)
	}

	pa, err := tbl.VirtToPhys(va)
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}

	if got := alloc.mem[pa]; got != want {
		t.Errorf("backing byte: got %#x, want %#x", got, want)
	}
}

func TestMapRejectsNonCanonicalAddress(t *testing.T) {
	t.Parallel()

	alloc := newBumpAllocator(4 << 20)

	tbl, err := pagetable.New(alloc.mem, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tbl.Map(0x0000_8000_0000_0000, pagetable.Page4K, uint64(pagetable.Page4K), true, true, false); err == nil {
		t.Error("Map(non-canonical): got nil error")
	}
}

func TestDestroyFreesLeafAndReportsUnmapped(t *testing.T) {
	t.Parallel()

	alloc := newBumpAllocator(64 << 20)

	tbl, err := pagetable.New(alloc.mem, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const va = 0x40_0000

	if err := tbl.Map(va, pagetable.Page4K, uint64(pagetable.Page4K), true, true, false); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := tbl.Destroy(va, pagetable.Page4K, uint64(pagetable.Page4K)); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := tbl.VirtToPhys(va); err == nil {
		t.Error("VirtToPhys after Destroy: got nil error, want unmapped")
	}
}

func TestMapRejectsOverlapWithoutUpdate(t *testing.T) {
	t.Parallel()

	alloc := newBumpAllocator(64 << 20)

	tbl, err := pagetable.New(alloc.mem, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const va = 0x40_0000

	if err := tbl.Map(va, pagetable.Page4K, uint64(pagetable.Page4K), true, true, false); err != nil {
		t.Fatalf("Map: %v", err)
	}

	pa, err := alloc.Alloc(pagetable.Page4K)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := tbl.MapRaw(va, pagetable.Page4K, pa, true, true, false, false); err == nil {
		t.Error("MapRaw(update=false) over existing mapping: got nil error")
	}
}
