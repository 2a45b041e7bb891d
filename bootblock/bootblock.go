// Package bootblock builds the BOOT-BLOCK handoff structure the kernel's
// entrypoint reads on every core's first instruction, whether that core
// came up via the BSP's initial entry or via INIT-SIPI-SIPI. In this
// userspace reimplementation the "SIPI" is a goroutine calling
// kvm.CreateVCPU and pointing RIP at the same entrypoint; BOOT-BLOCK is how
// that goroutine tells the guest core who it is and where the rest of the
// world lives.
package bootblock

import (
	"bytes"
	"encoding/binary"
)

// Block is the fixed-layout structure placed at a well-known guest-physical
// address before any core is started. Every field is written once by the
// host before VMRUN/KVM_RUN and is treated as read-only by the guest.
type Block struct {
	// Magic lets the guest entrypoint sanity-check it was actually handed
	// a boot block and not garbage memory.
	Magic uint64

	// CoreID is this core's index, 0 for the bootstrap processor.
	CoreID uint64

	// CoreCount is the total number of cores the host intends to start.
	CoreCount uint64

	// EntryPoint is the guest-virtual address execution resumes at; every
	// core is handed the same value.
	EntryPoint uint64

	// KernelPhysBase/KernelPhysSize bound the ELF image's load window in
	// guest-physical memory.
	KernelPhysBase uint64
	KernelPhysSize uint64

	// FreeMemBase/FreeMemSize describe the range available for the
	// kernel's own physical allocator, starting just past the loaded image.
	FreeMemBase uint64
	FreeMemSize uint64

	// RSDPPhysAddr is the guest-physical address of the ACPI RSDP, or 0 if
	// none was synthesized.
	RSDPPhysAddr uint64

	// LocalAPICID is the APIC ID KVM assigned this vcpu, read from the
	// vcpu's LAPIC state (apic.Open) before the core starts so the
	// kernel's apic package can address itself without re-deriving it.
	LocalAPICID uint32
	_           uint32

	// FramebufferBase/FramebufferSize bound the linear frame's MMIO
	// window in guest-physical memory; FramebufferWidth/Height/Pitch
	// describe its geometry and FramebufferFormat its pixel layout
	// (0 = RGB, 1 = BGR, 2 = custom/grayscale-union), the same values
	// package console's Frame carries host-side.
	FramebufferBase   uint64
	FramebufferSize   uint64
	FramebufferWidth  uint32
	FramebufferHeight uint32
	FramebufferPitch  uint32
	FramebufferFormat uint32
}

// Magic identifies a valid Block; chosen to be recognizable in a hex dump.
const Magic = 0x424f4f54424c4b31 // "BOOTBLK1"

// New returns a Block with Magic and CoreID/CoreCount/EntryPoint filled in.
// Callers fill the remaining fields once the values are known.
func New(coreID, coreCount int, entryPoint uint64) *Block {
	return &Block{
		Magic:      Magic,
		CoreID:     uint64(coreID),
		CoreCount:  uint64(coreCount),
		EntryPoint: entryPoint,
	}
}

// Bytes serializes the block in little-endian byte order, the layout the
// guest's entrypoint expects to find at bootBlockAddr.
func (b *Block) Bytes() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Size is the on-wire size of a Block.
const Size = 8*9 + 4 + 4 + 8*2 + 4*4
