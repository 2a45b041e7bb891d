package kvm

import "unsafe"

// LAPICState is the 1 KiB local APIC register page KVM exposes per vcpu.
// Its layout is the xAPIC MMIO window: each 32-bit register lives at a
// 16-byte-aligned offset, indexed here by byte offset rather than by name
// so callers can use the same register-offset constants an MMIO-based
// driver would.
type LAPICState struct {
	Regs [0x400]byte
}

// GetLapic reads the local APIC state of a vcpu.
func GetLapic(vcpuFd uintptr) (*LAPICState, error) {
	s := &LAPICState{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLapicNr, unsafe.Sizeof(*s)), uintptr(unsafe.Pointer(s)))

	return s, err
}

// SetLapic writes the local APIC state of a vcpu.
func SetLapic(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLapicNr, unsafe.Sizeof(*s)), uintptr(unsafe.Pointer(s)))

	return err
}

// Reg32 reads the 32-bit register at the given xAPIC MMIO-style offset.
func (s *LAPICState) Reg32(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(&s.Regs[offset]))
}

// SetReg32 writes the 32-bit register at the given xAPIC MMIO-style offset.
func (s *LAPICState) SetReg32(offset uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(&s.Regs[offset])) = v
}
