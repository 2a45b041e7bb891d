package machine

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"runtime"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/flugzeug/flugzeug/acpi"
	"github.com/flugzeug/flugzeug/apic"
	"github.com/flugzeug/flugzeug/bootblock"
	"github.com/flugzeug/flugzeug/console"
	"github.com/flugzeug/flugzeug/corelocals"
	"github.com/flugzeug/flugzeug/hpet"
	"github.com/flugzeug/flugzeug/interrupts"
	"github.com/flugzeug/flugzeug/kvm"
	"github.com/flugzeug/flugzeug/panicsvc"
	"github.com/flugzeug/flugzeug/procmgr"
	"github.com/flugzeug/flugzeug/rangeset"
	"github.com/flugzeug/flugzeug/serial"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"
)

var ErrZeroSizeKernel = errors.New("kernel is 0 bytes")

// ErrWriteToCF9 indicates a write to cf9, the standard x86 reset port.
var ErrWriteToCF9 = fmt.Errorf("power cycle via 0xcf9")

// ErrBadVA indicates a bad virtual address was used.
var ErrBadVA = fmt.Errorf("bad virtual address")

// ErrBadCPU indicates a cpu number is invalid.
var ErrBadCPU = fmt.Errorf("bad cpu number")

// ErrNotELF indicates the kernel image is not an ELF file; this VMM only
// ever loads the custom kernel, never a Linux bzImage.
var ErrNotELF = fmt.Errorf("kernel image is not ELF64")

// ErrUnsupported indicates something we do not yet do.
var ErrUnsupported = fmt.Errorf("unsupported")

// ErrMemTooSmall indicates the requested memory size is too small.
var ErrMemTooSmall = fmt.Errorf("mem request must be at least 1<<20")

// Machine is one guest: the /dev/kvm VM fd, its vcpus, and the flat guest
// physical memory backing it. Every vcpu is its own OS thread, the
// userspace analogue of the per-core world switch: KVM_RUN plays the role
// of VMRUN/VMEXIT, and the ioctls in package kvm play the role of the VMCB
// control/save-area fields.
type Machine struct {
	kvmFd, vmFd    uintptr
	vcpuFds        []uintptr
	mem            []byte
	runs           []*kvm.RunData
	serial         *serial.Serial
	console        *console.Framebuffer
	fbBase         uint64
	ioportHandlers [0x10000][2]func(port uint64, bytes []byte) error

	// nextMMIOSlot is the next free memory-region slot index handed to
	// KVM_SET_USER_MEMORY_REGION when faultInPage installs a new mapping.
	nextMMIOSlot uint32

	// identityRoot caches the PML4 physical address of the 4GiB identity
	// map built by buildIdentityMap, shared by every core's CR3.
	identityRoot uint64

	// interruptTables caches the GDT/TSS/IDT/trampoline blob built by
	// buildInterruptTables, shared by every core's Sregs.
	interruptTables *interrupts.Tables

	// registry and panicSvc are populated by StartCores; both are nil for
	// a Machine driven directly through SetupRegs/RunOnce in tests, so
	// every use of them below is nil-checked.
	registry *corelocals.Registry
	panicSvc *panicsvc.Service
}

// New opens the kvm device, creates the VM, creates nCpus vcpus (not yet
// running), and attaches memSize bytes of anonymous guest memory.
func New(kvmPath string, nCpus int, memSize int) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, fmt.Errorf("memory size %d:%w", memSize, ErrMemTooSmall)
	}

	m := &Machine{nextMMIOSlot: 1}

	kvmFd, err := kvm.OpenDev(kvmPath)
	if err != nil {
		return m, err
	}

	m.kvmFd = kvmFd
	m.vcpuFds = make([]uintptr, nCpus)
	m.runs = make([]*kvm.RunData, nCpus)

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return m, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd, 0xfffbd000); err != nil {
		return m, err
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd, 0xfffbc000); err != nil {
		return m, err
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return m, err
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return m, err
	}

	for cpu := 0; cpu < nCpus; cpu++ {
		m.vcpuFds[cpu], err = kvm.CreateVCPU(m.vmFd, cpu)
		if err != nil {
			return m, err
		}

		if err := m.initCPUID(cpu); err != nil {
			return m, err
		}

		r, err := syscall.Mmap(int(m.vcpuFds[cpu]), 0, int(mmapSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return m, err
		}

		m.runs[cpu] = (*kvm.RunData)(unsafe.Pointer(&r[0]))
	}

	if m.mem, err = syscall.Mmap(-1, 0, memSize,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS); err != nil {
		return m, err
	}

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	})
	if err != nil {
		return m, err
	}

	// Poison memory above the BOOT-BLOCK/kernel load window so a core that
	// jumps somewhere uninitialized vmexits instead of executing zero
	// bytes (a valid instruction, and so impossible to diagnose).
	for i := highMemBase; i < len(m.mem); i += len(Poison) {
		copy(m.mem[i:], Poison)
	}

	var err2 error
	if m.serial, err2 = serial.New(m); err2 != nil {
		return m, err2
	}

	m.fbBase = uint64(len(m.mem) - fbSize)

	fbMem := m.mem[m.fbBase:]
	for i := range fbMem {
		fbMem[i] = 0
	}

	m.console = console.New(console.Frame{
		Width: fbWidth, Height: fbHeight, PixelsPerScanline: fbWidth,
		Format: console.FormatBGR, BytesPerPixel: 4, MMIO: fbMem,
	}, 0xffffff, 0)

	m.initIOPortHandlers()

	return m, nil
}

// LoadKernel loads the custom ELF64 kernel image, writes the ACPI tables
// and the BOOT-BLOCK, and returns the entrypoint. Long-mode paging is built
// later, by initSregs, when StartCores sets up each core. There is no bzImage
// fallback: the kernel is handed off via BOOT-BLOCK, not the Linux boot
// protocol.
func (m *Machine) LoadKernel(kernel *elf.File) (uint64, error) {
	if kernel.Class != elf.ELFCLASS64 {
		return 0, ErrNotELF
	}

	var (
		kernSize int
		physBase = ^uint64(0)
		physTop  uint64
	)

	for i, p := range kernel.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		log.Printf("Load elf segment @%#x from file %#x %#x bytes", p.Paddr, p.Off, p.Filesz)

		n, err := p.ReadAt(m.mem[p.Paddr:], 0)
		if n == 0 && err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("reading ELF prog %d@%#x: %d/%d bytes, err %w", i, p.Paddr, n, p.Filesz, err)
		}

		kernSize += n

		if p.Paddr < physBase {
			physBase = p.Paddr
		}

		if top := p.Paddr + p.Memsz; top > physTop {
			physTop = top
		}
	}

	if kernSize == 0 {
		return 0, ErrZeroSizeKernel
	}

	tablesBase := (physTop + 0xfff) &^ 0xfff

	rsdpAddr, tablesEnd, err := m.writeACPITables(tablesBase)
	if err != nil {
		return 0, fmt.Errorf("building ACPI tables: %w", err)
	}

	freeBase := (tablesEnd + 0xfff) &^ 0xfff

	free := rangeset.New()
	if err := free.Insert(rangeset.Range{Start: freeBase, End: uint64(len(m.mem)) - 1}); err != nil {
		return 0, fmt.Errorf("tracking free memory: %w", err)
	}

	// Carving the kernel+ACPI region back out is a no-op here (it's
	// already excluded from the inserted range), but goes through
	// Remove so this stays the same bookkeeping path a loader that
	// started from one whole-RAM range would use.
	if err := free.Remove(rangeset.Range{Start: physBase, End: freeBase - 1}); err != nil {
		return 0, fmt.Errorf("excluding kernel+ACPI region: %w", err)
	}

	entries := free.Entries()
	if len(entries) == 0 {
		return 0, fmt.Errorf("no free memory left after kernel+ACPI load")
	}

	bb := bootblock.New(0, len(m.vcpuFds), kernel.Entry)
	bb.KernelPhysBase = physBase
	bb.KernelPhysSize = physTop - physBase
	bb.FreeMemBase = entries[0].Start
	bb.FreeMemSize = entries[0].End - entries[0].Start + 1
	bb.RSDPPhysAddr = rsdpAddr
	m.fillFramebufferBlock(bb)

	if err := m.writeBootBlock(bb); err != nil {
		return 0, err
	}

	return kernel.Entry, nil
}

// writeACPITables builds the DSDT/FADT/MADT/XSDT/RSDP chain describing
// every vcpu's APIC ID (the vcpu index, KVM's default assignment absent
// an explicit override), the COM1 serial port, and the panicsvc halt
// line, then copies it into guest memory starting at base. It returns
// the RSDP's physical address and the first byte past the table set.
func (m *Machine) writeACPITables(base uint64) (uint64, uint64, error) {
	apicIDs := make([]uint8, len(m.vcpuFds))
	for i := range apicIDs {
		apicIDs[i] = uint8(i)
	}

	tables, err := acpi.Build(base, apicIDs, ioapicMMIOBase, serial.COM1Addr, serialIRQ, haltIRQ)
	if err != nil {
		return 0, 0, err
	}

	copy(m.mem[tables.DSDTAddr:], tables.DSDT)
	copy(m.mem[tables.FADTAddr:], tables.FADT)
	copy(m.mem[tables.MADTAddr:], tables.MADT)
	copy(m.mem[tables.XSDTAddr:], tables.XSDT)
	copy(m.mem[tables.RSDPAddr:], tables.RSDP)

	return tables.RSDPAddr, tables.RSDPAddr + uint64(len(tables.RSDP)), nil
}

// fillFramebufferBlock records the framebuffer's geometry and guest-
// physical location in bb, the "framebuffer description" field every
// core's BOOT-BLOCK carries.
func (m *Machine) fillFramebufferBlock(bb *bootblock.Block) {
	bb.FramebufferBase = m.fbBase
	bb.FramebufferSize = fbSize
	bb.FramebufferWidth = fbWidth
	bb.FramebufferHeight = fbHeight
	bb.FramebufferPitch = fbPitch
	bb.FramebufferFormat = uint32(console.FormatBGR)
}

func (m *Machine) writeBootBlock(bb *bootblock.Block) error {
	b, err := bb.Bytes()
	if err != nil {
		return err
	}

	copy(m.mem[bootBlockAddr:], b)

	return nil
}

// StartCores brings up every vcpu: the BSP (core 0) starts directly, then
// procmgr.Manager.BringUp launches the APs one at a time, spinning on each
// reaching corelocals.StateOnline before starting the next — the
// userspace analogue of a loader that only tolerates one AP mid-bring-up.
func (m *Machine) StartCores(entryPoint uint64) error {
	apicIDs := make([]uint8, len(m.vcpuFds))

	for cpu := range m.vcpuFds {
		lapic, err := apic.Open(m.vcpuFds[cpu])
		if err != nil {
			return fmt.Errorf("core %d lapic: %w", cpu, err)
		}

		apicIDs[cpu] = lapic.ID()
	}

	m.registry = corelocals.NewRegistry(apicIDs)
	m.panicSvc = panicsvc.New(m.registry, m)
	registry := m.registry

	var g errgroup.Group

	launch := func(core *corelocals.Locals, entry uint64) error {
		cpu := core.CoreID

		bb := bootblock.New(cpu, len(m.vcpuFds), entry)
		bb.LocalAPICID = uint32(core.APICID)
		m.fillFramebufferBlock(bb)

		if err := m.writeBootBlock(bb); err != nil {
			return fmt.Errorf("core %d boot block: %w", cpu, err)
		}

		if err := m.initRegs(m.vcpuFds[cpu], entry, bootBlockAddr); err != nil {
			return fmt.Errorf("core %d regs: %w", cpu, err)
		}

		if err := m.initSregs(m.vcpuFds[cpu], true); err != nil {
			return fmt.Errorf("core %d sregs: %w", cpu, err)
		}

		if _, warn := hpet.Pin(func(khz uint64) error {
			return kvm.SetTSCKHz(m.vcpuFds[cpu], khz)
		}); warn != nil {
			log.Printf("core %d: %v", cpu, warn)
		}

		g.Go(func() error {
			// There is no guest-side online signal in this BOOT-BLOCK
			// protocol, so the core is marked Online once its vcpu thread
			// is actually about to run — the host-observable equivalent of
			// reaching the kernel's online barrier.
			core.SetState(corelocals.StateOnline)

			return m.RunInfiniteLoop(cpu)
		})

		return nil
	}

	if err := launch(registry.Core(0), entryPoint); err != nil {
		return fmt.Errorf("core 0: %w", err)
	}

	mgr := procmgr.New(registry, launch)
	if err := mgr.BringUp(context.Background(), entryPoint); err != nil {
		return err
	}

	return g.Wait()
}

// SetupRegs sets up the general purpose and special registers for every
// vcpu directly, bypassing the BOOT-BLOCK handoff. Tests use this to drop a
// vcpu at an arbitrary RIP without loading a real kernel image.
func (m *Machine) SetupRegs(rip, bp uint64, amd64 bool) error {
	for _, cpu := range m.vcpuFds {
		if err := m.initRegs(cpu, rip, bp); err != nil {
			return err
		}

		if err := m.initSregs(cpu, amd64); err != nil {
			return err
		}
	}

	return nil
}

// RunData returns the kvm.RunData for the VM.
func (m *Machine) RunData() []*kvm.RunData {
	return m.runs
}

// GetInputChan returns a chan <- byte for serial.
func (m *Machine) GetInputChan() chan<- byte {
	return m.serial.GetInputChan()
}

// GetRegs gets regs for vCPU.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetRegs(fd)
}

// GetSRegs gets sregs for vCPU.
func (m *Machine) GetSRegs(cpu int) (*kvm.Sregs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetSregs(fd)
}

// SetRegs sets regs for vCPU.
func (m *Machine) SetRegs(cpu int, r *kvm.Regs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	return kvm.SetRegs(fd, r)
}

// SetSRegs sets sregs for vCPU.
func (m *Machine) SetSRegs(cpu int, s *kvm.Sregs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	return kvm.SetSregs(fd, s)
}

// initRegs sets RIP to the entrypoint and RDI to a pointer to this core's
// BOOT-BLOCK, following the System V AMD64 first-argument register so the
// kernel's entrypoint can simply treat it as `fn(block *BootBlock)`.
func (m *Machine) initRegs(vcpufd uintptr, rip, bootBlockPtr uint64) error {
	regs, err := kvm.GetRegs(vcpufd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RDI = bootBlockPtr

	return kvm.SetRegs(vcpufd, regs)
}

func (m *Machine) initSregs(vcpufd uintptr, amd64 bool) error {
	sregs, err := kvm.GetSregs(vcpufd)
	if err != nil {
		return err
	}

	if !amd64 {
		sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
		sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
		sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
		sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
		sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
		sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

		sregs.CS.DB, sregs.SS.DB = 1, 1
		sregs.CR0 |= 1

		return kvm.SetSregs(vcpufd, sregs)
	}

	root, err := m.buildIdentityMap()
	if err != nil {
		return err
	}

	tables, err := m.buildInterruptTables()
	if err != nil {
		return err
	}

	sregs.CR3 = root
	sregs.CR4 = CR4xPAE
	sregs.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	sregs.EFER = EFERxLME | EFERxLMA

	seg := kvm.Segment{
		Base: 0, Limit: 0xffffffff, Selector: interrupts.CodeSelector,
		Typ: 11, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1, AVL: 0,
	}
	sregs.CS = seg

	seg.Typ = 3
	seg.Selector = interrupts.DataSelector
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg

	sregs.TR = kvm.Segment{
		Base: tables.TSSAddr, Limit: 103, Selector: interrupts.TSSSelector,
		Typ: 11, Present: 1, DPL: 0, S: 0, G: 0,
	}
	sregs.GDT = kvm.Descriptor{Base: tables.GDTAddr, Limit: uint16(len(tables.GDT) - 1)}
	sregs.IDT = kvm.Descriptor{Base: tables.IDTAddr, Limit: uint16(len(tables.IDT) - 1)}

	return kvm.SetSregs(vcpufd, sregs)
}

// buildInterruptTables lays out the shared GDT/TSS/IDT/trampoline blob at
// interruptsTableBase and copies it into guest memory, memoized since
// every core loads the same tables.
func (m *Machine) buildInterruptTables() (*interrupts.Tables, error) {
	if m.interruptTables != nil {
		return m.interruptTables, nil
	}

	tables := interrupts.Build(interruptsTableBase, ist1StackTop)

	copy(m.mem[tables.TSSAddr:], tables.TSS)
	copy(m.mem[tables.GDTAddr:], tables.GDT)
	copy(m.mem[tables.IDTAddr:], tables.IDT)
	copy(m.mem[tables.TrampolineAddr:], tables.Trampoline)

	m.interruptTables = tables

	return tables, nil
}

func (m *Machine) initCPUID(cpu int) error {
	cpuid := kvm.CPUID{}
	cpuid.Nent = 100

	if err := kvm.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		if cpuid.Entries[i].Function == kvm.CPUIDFuncPerMon {
			cpuid.Entries[i].Eax = 0
		} else if cpuid.Entries[i].Function == kvm.CPUIDSignature {
			cpuid.Entries[i].Eax = kvm.CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b
			cpuid.Entries[i].Ecx = 0x564b4d56
			cpuid.Entries[i].Edx = 0x4d
		}
	}

	return kvm.SetCPUID2(m.vcpuFds[cpu], &cpuid)
}

// SingleStep enables single stepping the guest.
func (m *Machine) SingleStep(onoff bool) error {
	for cpu := range m.vcpuFds {
		if err := kvm.SingleStep(m.vcpuFds[cpu], onoff); err != nil {
			return fmt.Errorf("single step %d:%w", cpu, err)
		}
	}

	return nil
}

// RunInfiniteLoop runs one core until it halts or errors unrecoverably.
func (m *Machine) RunInfiniteLoop(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		isContinue, err := m.RunOnce(cpu)
		if isContinue {
			if err != nil {
				fmt.Printf("%v\r\n", err)
			}

			continue
		}

		return err
	}
}

// RunOnce runs one vcpu until the next VMEXIT and handles it. A true
// return means the caller should call RunOnce again; false means the core
// is done (halted cleanly or hit an unrecoverable error).
func (m *Machine) RunOnce(cpu int) (bool, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return false, err
	}

	_ = kvm.Run(fd)
	exit := kvm.ExitType(m.runs[cpu].ExitReason)

	switch exit {
	case kvm.EXITHLT:
		return false, err

	case kvm.EXITIO:
		direction, size, port, count, offset := m.runs[cpu].IO()
		f := m.ioportHandlers[port][direction]
		bytes := (*(*[100]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(m.runs[cpu])) + uintptr(offset))))[0:size]

		for i := 0; i < int(count); i++ {
			if err := f(port, bytes); err != nil {
				return false, err
			}
		}

		return true, err

	case kvm.EXITMMIO:
		// A guest access to an unmapped page faults out to userspace
		// instead of a kernel page-fault handler; the fix-up is to
		// install the backing page and resume.
		mm := m.runs[cpu].MMIO()
		if err := m.faultInPage(mm.PhysAddr); err != nil {
			return false, fmt.Errorf("fault-in %#x: %w", mm.PhysAddr, err)
		}

		return true, nil

	case kvm.EXITUNKNOWN:
		return true, err

	case kvm.EXITINTR:
		return true, nil

	case kvm.EXITDEBUG:
		return false, kvm.ErrDebug

	case kvm.EXITNMI:
		class := interrupts.Dispatch(2)
		if err != nil {
			return m.fatal(cpu, err, class)
		}

		return m.fatal(cpu, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String()), class)

	case kvm.EXITDCR,
		kvm.EXITEXCEPTION,
		kvm.EXITFAILENTRY,
		kvm.EXITHYPERCALL,
		kvm.EXITINTERNALERROR,
		kvm.EXITIRQWINDOWOPEN,
		kvm.EXITS390RESET,
		kvm.EXITS390SIEIC,
		kvm.EXITSETTPR,
		kvm.EXITSHUTDOWN,
		kvm.EXITTPRACCESS:
		if err != nil {
			return m.fatal(cpu, err, interrupts.Classification{})
		}

		return m.fatal(cpu, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String()), interrupts.Classification{})
	default:
		if err != nil {
			return m.fatal(cpu, err, interrupts.Classification{})
		}

		r, _ := m.GetRegs(cpu)
		s, _ := m.GetSRegs(cpu)

		return m.fatal(cpu, fmt.Errorf("%w: %v: regs:\n%s",
			kvm.ErrUnexpectedExitReason,
			kvm.ExitType(m.runs[cpu].ExitReason).String(), show("", &s, &r)), interrupts.Classification{})
	}
}

// fatalHaltTimeout is how long panicsvc waits for other cores to observe
// the halt line during an ordinary fatal exit.
const fatalHaltTimeout = 2 * time.Second

// fatalHaltTimeoutIST1 is the shortened timeout used when the exit's
// vector classifies as IST1 (NMI/#DF/#MC); in RunOnce only the NMI exit
// carries a vector, so it is the only path that uses it. A core that took
// one of these is less likely to still be capable of observing the halt
// line promptly, so panicsvc shouldn't wait as long before giving up on it.
const fatalHaltTimeoutIST1 = 250 * time.Millisecond

// fatal funnels every unrecoverable vcpu error through panicsvc: the first
// core to hit one claims the emergency writer slot, halts every other
// Online core, and logs a register-dump banner. class is the interrupts
// vector classification for the exit reason if one is known, or the zero
// Classification otherwise. m.panicSvc is nil for a Machine driven
// directly via SetupRegs (tests), so this degrades to a plain error
// return in that case.
func (m *Machine) fatal(cpu int, cause error, class interrupts.Classification) (bool, error) {
	if m.panicSvc != nil && m.panicSvc.Claim(cpu) {
		r, _ := m.GetRegs(cpu)
		banner := panicsvc.Banner{CoreID: cpu, File: "machine.go", Message: cause.Error()}

		log.Printf("%s\n%s", banner, registerDump(r))

		if m.console != nil {
			m.console.SetColors(0xff0000, 0)
			m.console.WriteString(banner.String() + "\n" + registerDump(r) + "\n")
		}

		timeout := fatalHaltTimeout
		if class.IST == interrupts.IST1 {
			timeout = fatalHaltTimeoutIST1
		}

		if begErr := m.panicSvc.Begin(cpu, timeout); begErr != nil {
			log.Printf("panicsvc: %v", begErr)
		}
	}

	return false, cause
}

// registerDump formats the general-purpose registers panicsvc's banner is
// logged alongside, resolving each one through GetReg the way a debugger
// walking an x86asm.Inst's operands would.
func registerDump(r *kvm.Regs) string {
	if r == nil {
		return ""
	}

	names := []x86asm.Reg{
		x86asm.RAX, x86asm.RBX, x86asm.RCX, x86asm.RDX,
		x86asm.RSI, x86asm.RDI, x86asm.RSP, x86asm.RBP, x86asm.RIP,
	}

	var b strings.Builder

	for _, n := range names {
		v, err := GetReg(r, n)
		if err != nil {
			continue
		}

		fmt.Fprintf(&b, "%s=%#x ", n, *v)
	}

	return b.String()
}

// faultInPage installs a one-page memory slot backing physAddr, rounded
// down to the containing 4KiB page. Real guest memory is already backed in
// full by slot 0 (the framebuffer included); this path only fires for
// addresses outside that slot.
func (m *Machine) faultInPage(physAddr uint64) error {
	const pageSize = 4096

	base := physAddr &^ (pageSize - 1)

	if base+pageSize <= uint64(len(m.mem)) {
		// Already covered by the flat RAM slot; nothing to do but
		// resume — this indicates an MMIO-marked region inside RAM.
		return nil
	}

	buf, err := syscall.Mmap(-1, 0, pageSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return err
	}

	m.nextMMIOSlot++

	return kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          m.nextMMIOSlot,
		GuestPhysAddr: base,
		MemorySize:    pageSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	})
}

func (m *Machine) registerIOPortHandler(
	start, end uint64,
	inHandler, outHandler func(port uint64, bytes []byte) error,
) {
	for i := start; i < end; i++ {
		m.ioportHandlers[i][kvm.EXITIOIN] = inHandler
		m.ioportHandlers[i][kvm.EXITIOOUT] = outHandler
	}
}

func (m *Machine) initIOPortHandlers() {
	funcNone := func(port uint64, bytes []byte) error {
		return nil
	}

	funcError := func(port uint64, bytes []byte) error {
		return fmt.Errorf("%w: unexpected io port 0x%x", kvm.ErrUnexpectedExitReason, port)
	}

	funcOutbCF9 := func(port uint64, bytes []byte) error {
		if len(bytes) == 1 && bytes[0] == 0xe {
			return fmt.Errorf("write 0xe to cf9: %w", ErrWriteToCF9)
		}

		return fmt.Errorf("write %#x to cf9: %w", bytes, ErrWriteToCF9)
	}

	funcInbPS2 := func(port uint64, bytes []byte) error {
		bytes[0] = 0x20

		return nil
	}

	m.registerIOPortHandler(0, 0x10000, funcError, funcError)
	m.registerIOPortHandler(0xcf9, 0xcfa, funcNone, funcOutbCF9)
	m.registerIOPortHandler(0x3c0, 0x3db, funcNone, funcNone)
	m.registerIOPortHandler(0x3b4, 0x3b6, funcNone, funcNone)
	m.registerIOPortHandler(0x70, 0x72, funcNone, funcNone)
	m.registerIOPortHandler(0x80, 0xa0, funcNone, funcNone)
	m.registerIOPortHandler(0x2f8, 0x300, funcNone, funcNone)
	m.registerIOPortHandler(0x3e8, 0x3f0, funcNone, funcNone)
	m.registerIOPortHandler(0x2e8, 0x2f0, funcNone, funcNone)
	m.registerIOPortHandler(0x60, 0x70, funcInbPS2, funcNone)
	m.registerIOPortHandler(0xed, 0xee, funcNone, funcNone)

	m.registerIOPortHandler(serial.COM1Addr, serial.COM1Addr+8, m.serial.In, m.serial.Out)
}

// InjectSerialIRQ injects a serial interrupt.
func (m *Machine) InjectSerialIRQ() error {
	if err := kvm.IRQLine(m.vmFd, serialIRQ, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, serialIRQ, 1)
}

// SendHaltIRQ raises the NMI-equivalent line every other vcpu's
// interrupt handler treats as "check the panic flag and halt", the
// userspace stand-in for a real NMI IPI. It satisfies panicsvc.IRQSender.
func (m *Machine) SendHaltIRQ() error {
	if err := kvm.IRQLine(m.vmFd, haltIRQ, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, haltIRQ, 1)
}

// ReadAt implements io.ReadAt for the kvm guest memory.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	mem := bytes.NewReader(m.mem)

	return mem.ReadAt(b, off)
}

// WriteAt implements io.WriteAt for the kvm guest memory.
func (m *Machine) WriteAt(b []byte, off int64) (int, error) {
	if off > int64(len(m.mem)) {
		return 0, syscall.EFBIG
	}

	n := copy(m.mem[off:], b)

	return n, nil
}

func showone(indent string, in interface{}) string {
	var ret string

	s := reflect.ValueOf(in).Elem()
	typeOfT := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.String {
			ret += fmt.Sprintf(indent+"%s %s = %s\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		} else {
			ret += fmt.Sprintf(indent+"%s %s = %#x\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		}
	}

	return ret
}

func show(indent string, l ...interface{}) string {
	var ret string
	for _, i := range l {
		ret += showone(indent, i)
	}

	return ret
}

// GetTranslate returns the virtual to physical mapping for one vCPU.
func GetTranslate(vcpuFd uintptr, vaddr uint64) (*kvm.Translate, error) {
	return kvm.DoTranslate(vcpuFd, vaddr)
}

// Translate translates a virtual address for all active CPUs.
func (m *Machine) Translate(vaddr uint64) ([]*kvm.Translate, error) {
	t := make([]*kvm.Translate, 0, len(m.vcpuFds))

	for cpu := range m.vcpuFds {
		tt, err := GetTranslate(m.vcpuFds[cpu], vaddr)
		if err != nil {
			return t, err
		}

		t = append(t, tt)
	}

	return t, nil
}

// CPUToFD translates a CPU number to an fd.
func (m *Machine) CPUToFD(cpu int) (uintptr, error) {
	if cpu > len(m.vcpuFds) {
		return 0, fmt.Errorf("cpu %d out of range 0-%d:%w", cpu, len(m.vcpuFds), ErrBadCPU)
	}

	return m.vcpuFds[cpu], nil
}

// VtoP returns the physical address for a vCPU virtual address.
func (m *Machine) VtoP(cpu int, vaddr uintptr) (int64, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return 0, err
	}

	t, err := GetTranslate(fd, uint64(vaddr))
	if err != nil {
		return -1, err
	}

	if t.Valid == 0 || t.PhysicalAddress > uint64(len(m.mem)) {
		return -1, fmt.Errorf("%#x:valid not set:%w", vaddr, ErrBadVA)
	}

	return int64(t.PhysicalAddress), nil
}

// GetReg gets a pointer to a register in kvm.Regs, given a register number.
func GetReg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("register %v%w", reg, ErrUnsupported)
}
