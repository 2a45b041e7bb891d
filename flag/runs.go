package flag

import (
	"log"

	"github.com/alecthomas/kong"
	"github.com/flugzeug/flugzeug/probe"
	"github.com/flugzeug/flugzeug/vmm"
)

func Parse() error {
	c := CLI{}

	programName := "gokvm"
	programDesc := "gokvm is a small Linux KVM Hypervisor which supports kernel boot"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	if err := probe.KVMCapabilities(); err != nil {
		return err
	}

	return nil
}

func (s *BootCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return err
	}

	apEntry := s.APEntry
	if apEntry == "" {
		apEntry = s.Kernel
	}

	c := &Config{
		Dev:        s.Dev,
		Kernel:     s.Kernel,
		APEntry:    apEntry,
		NCPUs:      s.NCPUs,
		MemSize:    memSize,
		TraceCount: traceC,
	}

	vmm := vmm.New(*c)

	if err := vmm.Init(); err != nil {
		log.Fatal(err)
	}

	if err := vmm.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := vmm.Boot(); err != nil {
		log.Fatal(err)
	}

	return nil
}
