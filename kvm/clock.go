package kvm

import "unsafe"

// ClockData is the pvclock-style wall/monotonic snapshot KVM_GET_CLOCK and
// KVM_SET_CLOCK exchange, the userspace analogue of HPET-derived TSC
// calibration: instead of reading a hardware counter directly, the kernel's
// clock state is read back and can be restored verbatim.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	Reserved [9]uint64
}

// GetClock reads the kvmclock state for the whole VM.
func GetClock(vmFd uintptr) (*ClockData, error) {
	c := &ClockData{}
	_, err := Ioctl(vmFd, IIOR(kvmGetClockNr, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return c, err
}

// SetClock restores a previously captured kvmclock state.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClockNr, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}

// GetTSCKHz returns the vcpu's virtual TSC frequency in kHz, the value
// hpet.Calibrate computes by hand and then pins the guest to.
func GetTSCKHz(vcpuFd uintptr) (uint64, error) {
	ret, err := Ioctl(vcpuFd, IIO(kvmGetTSCKHzNr), 0)

	return uint64(ret), err
}

// SetTSCKHz pins the vcpu's virtual TSC frequency to khz.
func SetTSCKHz(vcpuFd uintptr, khz uint64) error {
	_, err := Ioctl(vcpuFd, IIO(kvmSetTSCKHzNr), uintptr(khz))

	return err
}
