package kvm

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"
)

// ioctl request numbers for the KVM uAPI (linux/kvm.h). nr values follow the
// upstream header; sizes are computed from the Go struct layouts above so a
// field addition automatically keeps the encoded ioctl number correct.
const (
	kvmGetAPIVersionNr    = 0x00
	kvmCreateVMNr         = 0x01
	kvmGetMSRIndexListNr  = 0x02
	kvmCheckExtensionNr   = 0x03
	kvmGetVCPUMMapSizeNr  = 0x04
	kvmGetSupportedCPUIDNr = 0x05
	kvmCreateVCPUNr       = 0x41
	kvmSetUserMemRegionNr = 0x46
	kvmSetTSSAddrNr       = 0x47
	kvmSetIdentityMapNr   = 0x48
	kvmCreateIRQChipNr    = 0x60
	kvmIRQLineNr          = 0x61
	kvmCreatePIT2Nr       = 0x77
	kvmRunNr              = 0x80
	kvmGetRegsNr          = 0x81
	kvmSetRegsNr          = 0x82
	kvmGetSregsNr         = 0x83
	kvmSetSregsNr         = 0x84
	kvmTranslateNr        = 0x85
	kvmSetCPUID2Nr        = 0x90
	kvmGetLapicNr         = 0x8e
	kvmSetLapicNr         = 0x8f
	kvmGetDebugRegsNr     = 0xa1
	kvmSetDebugRegsNr     = 0xa2
	kvmNMINr              = 0x9a
	kvmGetClockNr         = 0x7c
	kvmSetClockNr         = 0x7b
	kvmGetTSCKHzNr        = 0xa3
	kvmSetTSCKHzNr        = 0xa2
)

// Capability is a KVM_CHECK_EXTENSION identifier.
type Capability int

const (
	CapIRQChip                Capability = 0
	CapUserMemory             Capability = 3
	CapSetTSSAddr             Capability = 4
	CapEXTCPUID               Capability = 7
	CapNRVCPUs                Capability = 9
	CapNRMemSlots             Capability = 10
	CapMPState                Capability = 14
	CapCoalescedMMIO          Capability = 15
	CapUserNMI                Capability = 22
	CapSetGuestDebug          Capability = 23
	CapReinjectControl        Capability = 24
	CapIRQRouting             Capability = 25
	CapMCE                    Capability = 31
	CapIRQFD                  Capability = 32
	CapPIT2                   Capability = 33
	CapSetBootCPUID           Capability = 34
	CapPITState2              Capability = 35
	CapIOEventFD              Capability = 36
	CapAdjustClock            Capability = 39
	CapVCPUEvents             Capability = 41
	CapINTRShadow             Capability = 49
	CapDebugRegs              Capability = 50
	CapEnableCap              Capability = 54
	CapXSave                  Capability = 55
	CapXCRS                   Capability = 56
	CapTSCControl             Capability = 60
	CapONEREG                 Capability = 70
	CapKVMClockCtrl           Capability = 76
	CapSignalMSI              Capability = 77
	CapDeviceCtrl             Capability = 89
	CapEXTEmulCPUID           Capability = 95
	CapVMAttributes           Capability = 101
	CapX86SMM                 Capability = 117
	CapX86DisableExits        Capability = 143
	CapGETMSRFeatures         Capability = 153
	CapNestedState            Capability = 157
	CapCoalescedPIO           Capability = 162
	CapManualDirtyLogProtect2 Capability = 168
	CapPMUEventFilter         Capability = 173
	CapX86UserSpaceMSR        Capability = 188
	CapX86MSRFilter           Capability = 189
	CapX86BusLockExit         Capability = 193
	CapSREGS2                 Capability = 200
	CapBinaryStatsFD          Capability = 203
	CapXSave2                 Capability = 208
	CapSysAttributes          Capability = 209
	CapVMTSCControl           Capability = 214
	CapX86TripleFaultEvent    Capability = 218
	CapX86NotifyVMExit        Capability = 219
	CapMaxVCPUs               Capability = 66
)

func (c Capability) String() string {
	return "KVM_CAP_" + strconv.Itoa(int(c))
}

// CheckExtension asks the kernel how large/whether a capability is
// available. A return of 0 means unsupported; a positive value is often a
// limit (e.g. max memory slots, max vcpus).
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	r, err := Ioctl(kvmFd, IIO(kvmCheckExtensionNr), uintptr(cap))

	return int(r), err
}

// GetAPIVersion returns the KVM uAPI version, expected to be 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersionNr), 0)
}

// CreateVM creates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVMNr), 0)
}

// CreateVCPU creates vcpu number cpu within the VM and returns its fd.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPUNr), uintptr(cpu))
}

// Run executes the guest vcpu until the next VMEXIT.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRunNr), 0)

	return err
}

// GetVCPUMMmapSize returns the size of the kvm_run mmap region.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSizeNr), 0)
}

// OpenDev opens the kvm control device, defaulting to /dev/kvm.
func OpenDev(path string) (uintptr, error) {
	if path == "" {
		path = "/dev/kvm"
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}

	return f.Fd(), nil
}

// RunData is the mmap'd kvm_run structure vcpus exchange exit info through.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO payload packed into RunData.Data.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the KVM_EXIT_MMIO payload: a guest-physical address, up to 8
// bytes of data, the access length and whether it was a write. This is the
// exit the guest runner treats as the nested-page-fault analogue it faults
// pages in on.
type MMIOExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

func (r *RunData) MMIO() *MMIOExit {
	return (*MMIOExit)(unsafe.Pointer(&r.Data[0]))
}
