package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// CLI is the kong command tree: `boot` brings up the nucleus against a
// kernel image, `probe` dumps KVM capability and CPUID state without
// creating a VM.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"boot the nucleus against a kernel image"`
	Probe ProbeCMD `cmd:"" help:"dump KVM capability and CPUID state, no VM created"`
}

// BootCMD holds the flags for the boot subcommand. Kernel and APEntry
// default from the environment variables the build already exports.
type BootCMD struct {
	Dev        string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel     string `short:"k" env:"FLUGZEUG_KERNEL_PATH" required:"" help:"kernel ELF64 image path"`
	APEntry    string `short:"a" env:"FLUGZEUG_AP_ENTRYPOINT_PATH" help:"AP entrypoint ELF64 image path, defaults to Kernel"`
	NCPUs      int    `short:"c" default:"1" help:"number of cpus"`
	MemSize    string `short:"m" default:"1G" help:"memory size: as number[gGmMkK], optional units, defaults to G"`
	TraceCount string `short:"T" default:"0" help:"how many instructions to skip between trace prints -- 0 means tracing disabled"`
}

// ProbeCMD has no flags of its own; it just runs KVMCapabilities.
type ProbeCMD struct{}

// Config is what BootCMD.Run assembles for vmm.New: the resolved,
// unit-converted form of BootCMD's string flags.
type Config struct {
	Dev        string
	Kernel     string
	APEntry    string
	NCPUs      int
	MemSize    int
	TraceCount int
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
