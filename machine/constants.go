package machine

const (
	// bootBlockAddr is the guest-physical address of the BOOT-BLOCK handoff
	// structure every core's entrypoint reads on wake.
	bootBlockAddr = 0x10000
	highMemBase   = 0x100000

	serialIRQ = 4
	// haltIRQ is the line panicsvc raises to get every other vcpu's
	// attention during a panic fan-out.
	haltIRQ = 5

	pageTableBase = 0x30_000

	// interruptsTableBase is where the shared GDT/TSS/IDT/trampoline
	// blob built by package interrupts is placed, just past the
	// identity-map page-table region.
	interruptsTableBase = 0x40_000

	// ist1StackTop is the top of the 16K stack IST1-routed vectors
	// (NMI/#DF/#MC) run on; the stack grows down from here.
	ist1StackBase = 0x50_000
	ist1StackSize = 0x4_000
	ist1StackTop  = ist1StackBase + ist1StackSize

	// ioapicMMIOBase is the standard x86 IOAPIC MMIO window, recorded in
	// the MADT so a guest can find it without probing.
	ioapicMMIOBase = 0xfec00000

	// Framebuffer geometry: reserved as the top fbSize bytes of guest
	// RAM rather than a separately mapped MMIO slot, since nothing here
	// simulates a guest-side GOP/VESA driver actually writing pixels —
	// the framebuffer is drawn into by the host (panic banners), and a
	// guest reading it back just sees ordinary RAM.
	fbWidth  = 1024
	fbHeight = 512
	fbPitch  = fbWidth * 4
	fbSize   = fbPitch * fbHeight

	MinMemSize = 1 << 25
)

const (
	// These *could* be in kvm, but we'll see.

	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)
	CR4xUMIP       = (1 << 11)
	CR4xVMXE       = (1 << 13)
	CR4xSMXE       = (1 << 14)
	CR4xFSGSBASE   = (1 << 16)
	CR4xPCIDE      = (1 << 17)
	CR4xOSXSAVE    = (1 << 18)
	CR4xSMEP       = (1 << 20)
	CR4xSMAP       = (1 << 21)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)

	// 64-bit page * entry bits.
	PDE64xPRESENT  = 1
	PDE64xRW       = (1 << 1)
	PDE64xUSER     = (1 << 2)
	PDE64xACCESSED = (1 << 5)
	PDE64xDIRTY    = (1 << 6)
	PDE64xPS       = (1 << 7)
	PDE64xG        = (1 << 8)
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// mov eax, nop, ud2 is this pattern
	// Poison = []byte{0x0f, 0x0b, } //0x01, 0xC1, 0x90}
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)
