// Package pagetable implements a 4-level x86_64 page-table builder over a
// flat []byte physical-memory window: a map/translate/destroy API
// supporting 4K, 2M and 1G pages, which machine.buildIdentityMap uses to
// build the 4GiB identity map.
package pagetable

import (
	"encoding/binary"
	"fmt"
)

// PageSize is one of the three leaf granularities x86_64 long-mode paging
// supports.
type PageSize int

const (
	Page4K PageSize = 1 << 12
	Page2M PageSize = 1 << 21
	Page1G PageSize = 1 << 30
)

func (p PageSize) String() string {
	switch p {
	case Page4K:
		return "4K"
	case Page2M:
		return "2M"
	case Page1G:
		return "1G"
	default:
		return fmt.Sprintf("PageSize(%d)", int(p))
	}
}

// Entry bits, matching the architectural PTE/PDE/PDPTE/PML4E layout.
const (
	flagPresent  = 1 << 0
	flagWrite    = 1 << 1
	flagUser     = 1 << 2
	flagAccessed = 1 << 5
	flagDirty    = 1 << 6
	flagPS       = 1 << 7 // large page at PD/PDPT level
	flagGlobal   = 1 << 8
	flagNX       = 1 << 63
)

const entrySize = 8
const entriesPerTable = 512

// Allocator hands out zeroed, page-aligned physical pages from a flat
// guest-memory buffer and reports a page's backing bytes for Init
// callbacks and table walks. It is the physical-memory provider every map
// operation is parameterized over, so pagetable itself never owns memory.
type Allocator interface {
	// Alloc returns the physical address of a freshly zeroed page of the
	// given size.
	Alloc(size PageSize) (uint64, error)
	// Free releases a page previously returned by Alloc.
	Free(addr uint64, size PageSize)
	// Bytes returns a mutable view of size bytes at physical address addr.
	Bytes(addr uint64, size int) []byte
}

// Table is a page-table root over mem, built via alloc.
type Table struct {
	mem   []byte
	alloc Allocator
	root  uint64
}

// New builds a Table rooted at a freshly allocated PML4.
func New(mem []byte, alloc Allocator) (*Table, error) {
	root, err := alloc.Alloc(Page4K)
	if err != nil {
		return nil, fmt.Errorf("pagetable: allocating root: %w", err)
	}

	return &Table{mem: mem, alloc: alloc, root: root}, nil
}

// Root returns the physical address of the PML4, the value to load into
// CR3.
func (t *Table) Root() uint64 {
	return t.root
}

func (t *Table) entries(tableAddr uint64) []byte {
	return t.mem[tableAddr : tableAddr+entriesPerTable*entrySize]
}

func readEntry(tbl []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(tbl[i*entrySize:])
}

func writeEntry(tbl []byte, i int, v uint64) {
	binary.LittleEndian.PutUint64(tbl[i*entrySize:], v)
}

func pml4Index(va uint64) int { return int((va >> 39) & 0x1ff) }
func pdptIndex(va uint64) int { return int((va >> 30) & 0x1ff) }
func pdIndex(va uint64) int   { return int((va >> 21) & 0x1ff) }
func ptIndex(va uint64) int   { return int((va >> 12) & 0x1ff) }

// isCanonical reports whether va is a canonical x86_64 virtual address:
// bits 63:47 must all match bit 47.
func isCanonical(va uint64) bool {
	top := va >> 47

	return top == 0 || top == 0x1ffff
}

// Map installs length bytes of mapping starting at va, backed by freshly
// allocated pages of granularity size, with the requested
// write/exec/user permissions. length must be a positive multiple of
// size.
func (t *Table) Map(va uint64, size PageSize, length uint64, write, exec, user bool) error {
	return t.MapInit(va, size, length, write, exec, user, nil)
}

// MapInit behaves like Map but additionally calls init(offset) once per
// byte of each newly allocated backing page, the way the loader's ELF
// segment load fills pages from file bytes and zero-pads the rest.
func (t *Table) MapInit(va uint64, size PageSize, length uint64, write, exec, user bool, initFn func(offset uint64) byte) error {
	if !isCanonical(va) {
		return fmt.Errorf("pagetable: %#x is not a canonical virtual address", va)
	}

	if length == 0 || length%uint64(size) != 0 {
		return fmt.Errorf("pagetable: length %#x is not a positive multiple of page size %s", length, size)
	}

	for off := uint64(0); off < length; off += uint64(size) {
		pa, err := t.alloc.Alloc(size)
		if err != nil {
			return fmt.Errorf("pagetable: allocating leaf at va %#x: %w", va+off, err)
		}

		if initFn != nil {
			buf := t.alloc.Bytes(pa, int(size))
			for i := range buf {
				buf[i] = initFn(off + uint64(i))
			}
		}

		if err := t.MapRaw(va+off, size, pa, write, exec, user, true); err != nil {
			return err
		}
	}

	return nil
}

// MapRaw installs a single leaf mapping of va -> pa at the given size,
// without allocating or initializing the backing page. update controls
// whether an existing present terminal entry may be overwritten.
func (t *Table) MapRaw(va uint64, size PageSize, pa uint64, write, exec, user, update bool) error {
	if !isCanonical(va) {
		return fmt.Errorf("pagetable: %#x is not a canonical virtual address", va)
	}

	table := t.root
	// levels[0]=PML4, levels[1]=PDPT, levels[2]=PD, levels[3]=PT.
	levels := []int{pml4Index(va), pdptIndex(va), pdIndex(va), ptIndex(va)}

	var terminalLevel int // index into levels of the leaf entry

	switch size {
	case Page1G:
		terminalLevel = 1 // PDPT entry is the leaf
	case Page2M:
		terminalLevel = 2 // PD entry is the leaf
	case Page4K:
		terminalLevel = 3 // PT entry is the leaf
	default:
		return fmt.Errorf("pagetable: unsupported page size %s", size)
	}

	large := size != Page4K

	for level := 0; level <= terminalLevel; level++ {
		idx := levels[level]
		tbl := t.entries(table)
		e := readEntry(tbl, idx)

		if level == terminalLevel {
			if e&flagPresent != 0 {
				if !update {
					return fmt.Errorf("pagetable: va %#x already mapped and update=false", va)
				}

				if (e&flagPS != 0) != large {
					return fmt.Errorf("pagetable: va %#x present entry's page size disagrees with request", va)
				}
			}

			writeEntry(tbl, idx, leafEntry(pa, large, write, exec, user))

			return nil
		}

		if e&flagPresent == 0 {
			child, err := t.alloc.Alloc(Page4K)
			if err != nil {
				return fmt.Errorf("pagetable: allocating level-%d table: %w", level, err)
			}

			writeEntry(tbl, idx, child|flagPresent|flagWrite|flagUser)
			table = child

			continue
		}

		if e&flagPS != 0 {
			return fmt.Errorf("pagetable: va %#x: level-%d entry is a large page, cannot descend", va, level)
		}

		table = e &^ (flagNX | 0xfff)
	}

	return nil
}

func leafEntry(pa uint64, large, write, exec, user bool) uint64 {
	e := pa&^uint64(0xfff) | flagPresent | flagAccessed | flagDirty

	if write {
		e |= flagWrite
	}

	if user {
		e |= flagUser
	}

	if !exec {
		e |= flagNX
	}

	if large {
		e |= flagPS
	}

	return e
}

// VirtToPhys walks the table for va and returns the backing physical
// address, or an error if no mapping exists.
func (t *Table) VirtToPhys(va uint64) (uint64, error) {
	if !isCanonical(va) {
		return 0, fmt.Errorf("pagetable: %#x is not a canonical virtual address", va)
	}

	table := t.root
	levels := []int{pml4Index(va), pdptIndex(va), pdIndex(va), ptIndex(va)}
	offsets := []uint64{1 << 39, 1 << 30, 1 << 21, 1 << 12}

	for level := 0; level < 4; level++ {
		tbl := t.entries(table)
		e := readEntry(tbl, levels[level])

		if e&flagPresent == 0 {
			return 0, fmt.Errorf("pagetable: va %#x not mapped", va)
		}

		if e&flagPS != 0 || level == 3 {
			mask := offsets[level] - 1

			return (e &^ (flagNX | 0xfff)) | (va & mask), nil
		}

		table = e &^ (flagNX | 0xfff)
	}

	return 0, fmt.Errorf("pagetable: va %#x not mapped", va)
}

// Destroy walks the table over [va, va+length) in post order, freeing
// every terminal leaf and every intermediate table left fully empty.
// length must be a positive multiple of size.
func (t *Table) Destroy(va uint64, size PageSize, length uint64) error {
	if length == 0 || length%uint64(size) != 0 {
		return fmt.Errorf("pagetable: length %#x is not a positive multiple of page size %s", length, size)
	}

	for off := uint64(0); off < length; off += uint64(size) {
		if err := t.destroyOne(va+off, size); err != nil {
			return err
		}
	}

	return nil
}

func (t *Table) destroyOne(va uint64, size PageSize) error {
	// levels[0]=PML4, levels[1]=PDPT, levels[2]=PD, levels[3]=PT, matching MapRaw.
	levels := []int{pml4Index(va), pdptIndex(va), pdIndex(va), ptIndex(va)}

	var terminalLevel int

	switch size {
	case Page1G:
		terminalLevel = 1
	case Page2M:
		terminalLevel = 2
	case Page4K:
		terminalLevel = 3
	default:
		return fmt.Errorf("pagetable: unsupported page size %s", size)
	}

	// chain[i] is the physical address of the table consulted at level i.
	chain := []uint64{t.root}

	for level := 0; level < terminalLevel; level++ {
		tbl := t.entries(chain[level])
		e := readEntry(tbl, levels[level])

		if e&flagPresent == 0 {
			return fmt.Errorf("pagetable: va %#x not mapped", va)
		}

		chain = append(chain, e&^(flagNX|0xfff))
	}

	idx := levels[terminalLevel]
	tbl := t.entries(chain[terminalLevel])
	e := readEntry(tbl, idx)

	if e&flagPresent == 0 {
		return fmt.Errorf("pagetable: va %#x not mapped", va)
	}

	leaf := e &^ (flagNX | 0xfff)
	t.alloc.Free(leaf, size)
	writeEntry(tbl, idx, 0)

	// Post-order: free any intermediate table left with no present entries.
	for level := terminalLevel; level >= 1; level-- {
		parent := chain[level-1]
		child := chain[level]

		if !tableEmpty(t.entries(child)) {
			break
		}

		t.alloc.Free(child, Page4K)
		writeEntry(t.entries(parent), levels[level-1], 0)
	}

	return nil
}

func tableEmpty(tbl []byte) bool {
	for i := 0; i < entriesPerTable; i++ {
		if readEntry(tbl, i)&flagPresent != 0 {
			return false
		}
	}

	return true
}
