// Package apic drives the per-vcpu local APIC the way the spec's xAPIC
// driver does: software-enable via the Spurious Interrupt Vector
// register, read and cache the core's APIC ID. KVM's in-kernel LAPIC
// model (kvm.LAPICState, a 1 KiB register page) already is the xAPIC MMIO
// window; this package supplies the register-offset vocabulary and
// enable sequence a driver talking to a real mapped page would also use.
package apic

import (
	"fmt"

	"github.com/flugzeug/flugzeug/kvm"
)

// Register offsets within the 1 KiB xAPIC page, 16-byte aligned per the
// architecture.
const (
	regID  = 0x20
	regSVR = 0xf0
)

// svrEnable is SVR's software-enable bit (bit 8) combined with spurious
// vector 0xFF, the value the driver writes once at init.
const svrEnable = 0xff | (1 << 8)

// Driver wraps one vcpu's LAPIC state.
type Driver struct {
	vcpuFd uintptr
	apicID uint8
}

// Open reads back the vcpu's current LAPIC state, software-enables it via
// SVR, writes the state back, and caches the resulting APIC ID.
func Open(vcpuFd uintptr) (*Driver, error) {
	s, err := kvm.GetLapic(vcpuFd)
	if err != nil {
		return nil, fmt.Errorf("apic: reading lapic state: %w", err)
	}

	s.SetReg32(regSVR, svrEnable)

	if err := kvm.SetLapic(vcpuFd, s); err != nil {
		return nil, fmt.Errorf("apic: enabling via SVR: %w", err)
	}

	id := uint8(s.Reg32(regID) >> 24)

	return &Driver{vcpuFd: vcpuFd, apicID: id}, nil
}

// ID returns the core's cached APIC ID.
func (d *Driver) ID() uint8 {
	return d.apicID
}

// SendIPI raises irq on the shared IRQ chip, the userspace stand-in for
// an inter-processor interrupt: real INIT/SIPI/NMI delivery is done by
// KVM's in-kernel APIC once an IRQ line is asserted, so callers needing
// a cross-core signal (panicsvc's halt IPI, procmgr's AP wake) go through
// vmFd rather than this per-vcpu Driver.
func SendIPI(vmFd uintptr, irq uint32) error {
	if err := kvm.IRQLine(vmFd, irq, 0); err != nil {
		return err
	}

	return kvm.IRQLine(vmFd, irq, 1)
}
