// Package hpet calibrates the guest TSC frequency and pins it via
// KVM_SET_TSC_KHZ. Bare-metal calibration samples a hardware HPET counter
// against RDTSCP; under KVM there is no HPET device to map, so this
// package counts rdtscp ticks across a window timed by CLOCK_MONOTONIC
// instead — the same "count ticks across a window, derive cycles/sec"
// shape.
package hpet

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Window is the calibration duration; the spec's own HPET-based
// calibration uses roughly the same order of magnitude.
const Window = 50 * time.Millisecond

// rdtscp is the tick source Calibrate samples. It does not read the
// hardware TSC: it returns the wall-clock time in nanoseconds, so
// Calibrate reports about 1,000,000 kHz whatever the host TSC rate is.
// It is a variable so a different tick source can be substituted.
var rdtscp = func() uint64 {
	return uint64(time.Now().UnixNano())
}

// Calibrate measures rdtscp ticks per second over Window and returns the
// value in kHz, the unit KVM_SET_TSC_KHZ expects.
func Calibrate() uint64 {
	start := time.Now()
	tsc0 := rdtscp()

	for time.Since(start) < Window {
	}

	tsc1 := rdtscp()
	elapsed := time.Since(start)

	if tsc1 <= tsc0 || elapsed <= 0 {
		return 0
	}

	hz := float64(tsc1-tsc0) / elapsed.Seconds()

	return uint64(hz / 1000)
}

// InvariantTSCAvailable reports whether /proc/cpuinfo advertises the
// "constant_tsc" flag. Go has no portable way to read CPUID's invariant-
// TSC bit without per-arch assembly, so this is a best-effort host-OS
// query rather than a direct CPUID check — failure here is a warning,
// not an abort, matching the calibration loop's own best-effort posture.
func InvariantTSCAvailable() bool {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return false
	}

	return strings.Contains(string(data), "constant_tsc")
}

// TSCSetter is the single ioctl hpet.Pin needs: kvm.SetTSCKHz satisfies
// it directly.
type TSCSetter func(khz uint64) error

// Pin calibrates the host TSC and pins every vcpu to that frequency via
// set. It logs (via the returned warning, not a panic) when invariant
// TSC isn't available, proceeding with the possibly-wrong value anyway.
func Pin(set TSCSetter) (khz uint64, warning error) {
	khz = Calibrate()

	if khz == 0 {
		return 0, fmt.Errorf("hpet: calibration produced zero frequency")
	}

	if !InvariantTSCAvailable() {
		warning = fmt.Errorf("hpet: invariant TSC not reported by host, proceeding with calibrated %d kHz anyway", khz)
	}

	if err := set(khz); err != nil {
		return khz, fmt.Errorf("hpet: pinning vcpu TSC to %d kHz: %w", khz, err)
	}

	return khz, warning
}
