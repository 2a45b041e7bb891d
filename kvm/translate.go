package kvm

import "unsafe"

// Translate is the result of a KVM_TRANSLATE query: the guest-physical
// address (if any) backing a guest-virtual address on one vcpu.
type Translate struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// DoTranslate resolves a guest-virtual address through that vcpu's page
// tables, the userspace stand-in for walking the 4-level paging structures
// by hand.
func DoTranslate(vcpuFd uintptr, vaddr uint64) (*Translate, error) {
	t := &Translate{LinearAddress: vaddr}

	_, err := Ioctl(vcpuFd, IIOWR(kvmTranslateNr, unsafe.Sizeof(*t)), uintptr(unsafe.Pointer(t)))

	return t, err
}

// guestDebug mirrors struct kvm_guest_debug: a control word plus the
// hardware breakpoint/watchpoint register image.
type guestDebug struct {
	Control  uint32
	Pad      uint32
	DebugReg [8]uint64
}

const (
	guestDebugEnable     = 1
	guestDebugSingleStep = 1 << 16
	kvmSetGuestDebugNr   = 0x9b
)

// SingleStep enables or disables single-step debugging on a vcpu.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := guestDebug{}
	if onoff {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebugNr, unsafe.Sizeof(dbg)), uintptr(unsafe.Pointer(&dbg)))

	return err
}
