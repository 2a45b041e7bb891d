package vmm

import (
	"bufio"
	"debug/elf"
	"fmt"
	"log"
	"os"

	"github.com/flugzeug/flugzeug/flag"
	"github.com/flugzeug/flugzeug/machine"
	"github.com/flugzeug/flugzeug/term"
)

// VMM drives one Machine through the boot, load and run sequence a CLI
// invocation expects: Init creates the VM, Setup loads the kernel image,
// Boot brings every core up and pumps serial input until the guest halts.
type VMM struct {
	*machine.Machine
	flag.Config

	entryPoint uint64
}

func New(c flag.Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	m, err := machine.New(v.Dev, v.NCPUs, v.MemSize)
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Setup loads the ELF64 kernel image and leaves every core's BOOT-BLOCK
// ready for Boot to bring them up. Config.APEntry is not read: every core,
// BSP and AP alike, enters the entrypoint of the Kernel image.
func (v *VMM) Setup() error {
	kern, err := os.Open(v.Kernel)
	if err != nil {
		return err
	}
	defer kern.Close()

	ef, err := elf.NewFile(kern)
	if err != nil {
		return fmt.Errorf("parsing %q as ELF64: %w", v.Kernel, err)
	}
	defer ef.Close()

	entry, err := v.Machine.LoadKernel(ef)
	if err != nil {
		return err
	}

	v.entryPoint = entry

	return nil
}

func (v *VMM) Boot() error {
	trace := v.TraceCount > 0
	if err := v.SingleStep(trace); err != nil {
		return fmt.Errorf("setting trace to %v:%w", trace, err)
	}

	bootErrCh := make(chan error, 1)

	go func() {
		bootErrCh <- v.StartCores(v.entryPoint)
	}()

	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "this is not terminal and does not accept input")

		return <-bootErrCh
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		return err
	}

	defer restoreMode()

	var before byte

	in := bufio.NewReader(os.Stdin)

	go func() {
		for {
			b, err := in.ReadByte()
			if err != nil {
				log.Printf("%v", err)

				return
			}
			v.GetInputChan() <- b

			if len(v.GetInputChan()) > 0 {
				if err := v.InjectSerialIRQ(); err != nil {
					log.Printf("InjectSerialIRQ: %v", err)
				}
			}

			if before == 0x1 && b == 'x' {
				restoreMode()
				os.Exit(0)
			}

			before = b
		}
	}()

	fmt.Printf("Waiting for CPUs to exit\r\n")
	err = <-bootErrCh
	fmt.Printf("All cpus done\n\r")

	return err
}
