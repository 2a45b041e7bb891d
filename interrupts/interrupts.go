// Package interrupts builds the long-mode GDT, TSS and IDT a vcpu's Sregs
// need before exceptions can be delivered through the standard x86
// descriptor-table mechanism rather than left at KVM's power-on defaults.
// Every hardware interrupt actually reaching this guest is still delivered
// by KVM's in-kernel IRQ chip without a userspace trap, so the per-vector
// trampolines built here are never themselves executed; they exist so the
// tables handed to Sregs.GDT/IDT/TR describe a real, self-consistent
// descriptor set instead of zeroed placeholders, and so Dispatch has real
// vector/IST data to classify a fault against once RunOnce observes one.
package interrupts

import "encoding/binary"

const (
	// NullSelector is GDT index 0, required to be empty by the
	// architecture.
	NullSelector uint16 = 0
	// CodeSelector and DataSelector are the flat 64-bit code/data
	// descriptors every segment register but TR is loaded with.
	CodeSelector uint16 = 1 << 3
	DataSelector uint16 = 2 << 3
	// TSSSelector is a system descriptor; it occupies two 8-byte GDT
	// slots in long mode, so it follows code/data rather than sharing a
	// slot with either.
	TSSSelector uint16 = 3 << 3

	// NumVectors is the architectural IDT size.
	NumVectors = 256

	// IST1 is the interrupt-stack-table slot reserved for the fault
	// classes severe enough to need a stack that isn't the interrupted
	// context's own, matching TSS.IST[0] below (IST indices are 1-based
	// in the descriptor, 0-based in the TSS array).
	IST1 = 1

	stubSize = 16
)

// ISTVector reports the IST index a hardware vector's IDT gate must carry.
// NMI (2), double fault (8) and machine check (18) run on IST1 regardless
// of what the interrupted context's own RSP looked like; everything else
// runs on the current stack.
func ISTVector(vector int) uint8 {
	switch vector {
	case 2, 8, 18:
		return IST1
	default:
		return 0
	}
}

// TSS64 is the x86_64 task-state segment layout the TSSSelector descriptor
// points at. Only the IST slots are populated; RSP0-2 and the I/O bitmap
// are unused since this hypervisor never runs guest code at a lower
// privilege ring than the one the IDT gates target.
type TSS64 struct {
	_         uint32
	RSP       [3]uint64
	_         uint64
	IST       [7]uint64
	_         uint64
	_         uint16
	IOMapBase uint16
}

// Bytes serializes the TSS in the little-endian layout the CPU reads it in.
func (t *TSS64) Bytes() []byte {
	b := make([]byte, 104)
	binary.LittleEndian.PutUint32(b[0:4], 0)

	for i, v := range t.RSP {
		binary.LittleEndian.PutUint64(b[4+8*i:], v)
	}

	for i, v := range t.IST {
		binary.LittleEndian.PutUint64(b[36+8*i:], v)
	}

	binary.LittleEndian.PutUint16(b[102:104], t.IOMapBase)

	return b
}

// encodeSegDescriptor builds a flat (base 0, limit max) code or data
// descriptor; typ carries the access byte's type nibble (0xA execute/read
// for code, 0x2 read/write for data), long marks it a 64-bit code segment.
func encodeSegDescriptor(typ uint8, long bool) uint64 {
	const (
		present = 1 << 7
		dpl0    = 0 << 5
		s       = 1 << 4
		gran    = 1 << 23 // granularity, 4K units
	)

	access := uint64(present | dpl0 | s | typ)
	flags := uint64(0)

	if long {
		flags |= 1 << 5 // L bit
	} else {
		flags |= 1 << 6 // D/B bit for 32-bit data/code
	}

	limit := uint64(0xFFFFF)

	return limit&0xFFFF |
		access<<40 |
		flags<<48 |
		(limit>>16)<<48 |
		gran<<32
}

// encodeSystemDescriptor builds the 16-byte TSS descriptor: the low 8
// bytes follow the same shape as a segment descriptor with typ=0x9
// (64-bit TSS, available), the high 8 bytes extend Base to 64 bits.
func encodeSystemDescriptor(base uint64, limit uint32) [16]byte {
	const (
		present = 1 << 7
		dpl0    = 0 << 5
		typ     = 0x9
	)

	low := uint64(limit) & 0xFFFF
	low |= (base & 0xFFFFFF) << 16
	low |= uint64(present|dpl0|typ) << 40
	low |= ((uint64(limit) >> 16) & 0xF) << 48
	low |= ((base >> 24) & 0xFF) << 56

	high := base >> 32

	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], low)
	binary.LittleEndian.PutUint64(out[8:16], high)

	return out
}

// GDT is the flat descriptor table every segment register but TR loads
// from CodeSelector/DataSelector, plus the TSS descriptor TR loads from.
type GDT struct {
	table []byte
}

// NewGDT builds the five-slot GDT (null, code64, data64, TSS-low,
// TSS-high) pointing its TSS descriptor at tssAddr.
func NewGDT(tssAddr uint64) *GDT {
	table := make([]byte, 0, 8*5)

	var nullDesc [8]byte
	table = append(table, nullDesc[:]...)

	var codeDesc [8]byte
	binary.LittleEndian.PutUint64(codeDesc[:], encodeSegDescriptor(0xA, true))
	table = append(table, codeDesc[:]...)

	var dataDesc [8]byte
	binary.LittleEndian.PutUint64(dataDesc[:], encodeSegDescriptor(0x2, false))
	table = append(table, dataDesc[:]...)

	tssDesc := encodeSystemDescriptor(tssAddr, 103)
	table = append(table, tssDesc[:]...)

	return &GDT{table: table}
}

func (g *GDT) Bytes() []byte { return g.table }

// encodeIDTGate builds one 16-byte interrupt-gate descriptor pointing at
// offset, selecting codeSelector and running on interrupt-stack-table
// slot ist (0 for "current stack").
func encodeIDTGate(offset uint64, codeSelector uint16, ist uint8) [16]byte {
	const (
		present = 1 << 7
		dpl0    = 0 << 5
		typ     = 0xE // 64-bit interrupt gate
	)

	var out [16]byte
	binary.LittleEndian.PutUint16(out[0:2], uint16(offset))
	binary.LittleEndian.PutUint16(out[2:4], codeSelector)
	out[4] = ist & 0x7
	out[5] = present | dpl0 | typ
	binary.LittleEndian.PutUint16(out[6:8], uint16(offset>>16))
	binary.LittleEndian.PutUint32(out[8:12], uint32(offset>>32))

	return out
}

// IDT is the 256-entry interrupt descriptor table plus the per-vector
// trampoline stubs its gates point at.
type IDT struct {
	table      []byte
	trampoline []byte
}

// NewIDT builds every gate pointing at a 16-byte trampoline stub at
// trampolineBase+vector*16: "push imm32 vector; jmp common". The common
// handler appended after the last stub is a single HLT — it is never
// reached in practice (KVM's in-kernel IRQ chip never traps a delivered
// vector out to this table), but keeping it a real, decodable instruction
// rather than zero bytes matches Poison's own "force a clean trap instead
// of executing garbage" reasoning.
func NewIDT(codeSelector uint16, trampolineBase uint64) *IDT {
	table := make([]byte, 0, 16*NumVectors)
	trampoline := make([]byte, NumVectors*stubSize+1)

	commonAddr := trampolineBase + uint64(NumVectors*stubSize)

	for v := 0; v < NumVectors; v++ {
		stubAddr := trampolineBase + uint64(v*stubSize)
		stub := trampoline[v*stubSize : v*stubSize+stubSize]

		stub[0] = 0x68 // push imm32
		binary.LittleEndian.PutUint32(stub[1:5], uint32(v))

		stub[5] = 0xE9 // jmp rel32
		next := stubAddr + 10
		rel := int32(int64(commonAddr) - int64(next))
		binary.LittleEndian.PutUint32(stub[6:10], uint32(rel))

		for i := 10; i < stubSize; i++ {
			stub[i] = 0x90 // nop padding
		}

		gate := encodeIDTGate(stubAddr, codeSelector, ISTVector(v))
		table = append(table, gate[:]...)
	}

	trampoline[NumVectors*stubSize] = 0xF4 // hlt

	return &IDT{table: table, trampoline: trampoline}
}

func (i *IDT) Bytes() []byte      { return i.table }
func (i *IDT) Trampoline() []byte { return i.trampoline }

// Tables is the full set of byte blobs Build assembles, each ready to be
// copied verbatim to its corresponding *Addr in guest memory.
type Tables struct {
	GDT     []byte
	GDTAddr uint64

	TSS     []byte
	TSSAddr uint64

	IDT     []byte
	IDTAddr uint64

	Trampoline     []byte
	TrampolineAddr uint64
}

// Build lays out the TSS, GDT and IDT/trampoline pair back to back
// starting at base, in that order, with ist1Stack as the top of the stack
// IST1-routed vectors run on.
func Build(base uint64, ist1Stack uint64) *Tables {
	tssAddr := base

	tss := &TSS64{}
	tss.IST[IST1-1] = ist1Stack
	tssBytes := tss.Bytes()

	gdtAddr := tssAddr + uint64(len(tssBytes))
	gdt := NewGDT(tssAddr)
	gdtBytes := gdt.Bytes()

	idtAddr := gdtAddr + uint64(len(gdtBytes))
	trampolineAddr := idtAddr + 16*NumVectors
	idt := NewIDT(CodeSelector, trampolineAddr)

	return &Tables{
		GDT: gdtBytes, GDTAddr: gdtAddr,
		TSS: tssBytes, TSSAddr: tssAddr,
		IDT: idt.Bytes(), IDTAddr: idtAddr,
		Trampoline: idt.Trampoline(), TrampolineAddr: trampolineAddr,
	}
}

// Frame is the hardware-pushed interrupt frame, the portion of the stack
// layout handle_interrupt inspects ahead of the general-purpose registers.
type Frame struct {
	RIP, CS, RFLAGS, RSP, SS uint64
}

// Classification is Dispatch's verdict on one vector: whether it is one of
// the three IST1-routed fault classes, and whether the architecture
// defines it as pushing a hardware error code (needed to know how far
// below Frame the general-purpose registers actually start).
type Classification struct {
	Vector     int
	Name       string
	IST        uint8
	HasErrCode bool
}

var vectorNames = map[int]string{
	0: "#DE", 1: "#DB", 2: "NMI", 3: "#BP", 4: "#OF", 5: "#BR", 6: "#UD",
	7: "#NM", 8: "#DF", 10: "#TS", 11: "#NP", 12: "#SS", 13: "#GP",
	14: "#PF", 16: "#MF", 17: "#AC", 18: "#MC", 19: "#XM", 20: "#VE",
}

// vectorsWithErrorCode pushes an error code onto the exception frame per
// the x86_64 architecture manual; every other vector, including all
// user-defined ones above 31, does not.
var vectorsWithErrorCode = map[int]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true, 30: true,
}

// Dispatch classifies vector the way handle_interrupt's prologue would
// before deciding whether to hand the fault to panicsvc: RunOnce's NMI
// exit branch calls this (with vector 2) to recognize an IST1-class fault
// and shorten panicsvc's halt-fan-out timeout for it, since a core that
// took an NMI/#DF/#MC is less likely to still be capable of observing the
// halt line in time.
func Dispatch(vector int) Classification {
	name, ok := vectorNames[vector]
	if !ok {
		name = "vector"
	}

	return Classification{
		Vector:     vector,
		Name:       name,
		IST:        ISTVector(vector),
		HasErrCode: vectorsWithErrorCode[vector],
	}
}
