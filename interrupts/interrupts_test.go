package interrupts_test

import (
	"testing"

	"github.com/flugzeug/flugzeug/interrupts"
)

func TestISTVectorRoutesFaultClassesToIST1(t *testing.T) {
	t.Parallel()

	for _, v := range []int{2, 8, 18} {
		if got := interrupts.ISTVector(v); got != interrupts.IST1 {
			t.Errorf("ISTVector(%d) = %d, want %d", v, got, interrupts.IST1)
		}
	}

	if got := interrupts.ISTVector(14); got != 0 {
		t.Errorf("ISTVector(14) = %d, want 0", got)
	}
}

func TestBuildLaysOutTablesInOrder(t *testing.T) {
	t.Parallel()

	tables := interrupts.Build(0x1000, 0x9000)

	if tables.TSSAddr != 0x1000 {
		t.Errorf("TSSAddr: got %#x, want %#x", tables.TSSAddr, 0x1000)
	}

	if tables.GDTAddr <= tables.TSSAddr {
		t.Errorf("GDTAddr %#x should follow TSSAddr %#x", tables.GDTAddr, tables.TSSAddr)
	}

	if tables.IDTAddr <= tables.GDTAddr {
		t.Errorf("IDTAddr %#x should follow GDTAddr %#x", tables.IDTAddr, tables.GDTAddr)
	}

	if tables.TrampolineAddr != tables.IDTAddr+16*interrupts.NumVectors {
		t.Errorf("TrampolineAddr: got %#x, want %#x", tables.TrampolineAddr, tables.IDTAddr+16*interrupts.NumVectors)
	}

	if len(tables.IDT) != 16*interrupts.NumVectors {
		t.Errorf("IDT length: got %d, want %d", len(tables.IDT), 16*interrupts.NumVectors)
	}

	if len(tables.Trampoline) != interrupts.NumVectors*16+1 {
		t.Errorf("Trampoline length: got %d, want %d", len(tables.Trampoline), interrupts.NumVectors*16+1)
	}
}

func TestNewIDTStubsAreDistinctPerVector(t *testing.T) {
	t.Parallel()

	idt := interrupts.NewIDT(interrupts.CodeSelector, 0x2000)
	trampoline := idt.Trampoline()

	v1 := trampoline[1*16+1 : 1*16+5]
	v2 := trampoline[2*16+1 : 2*16+5]

	if string(v1) == string(v2) {
		t.Errorf("stub 1 and stub 2 push the same vector bytes: %x", v1)
	}
}

func TestDispatchClassifiesKnownVectors(t *testing.T) {
	t.Parallel()

	nmi := interrupts.Dispatch(2)
	if nmi.Name != "NMI" || nmi.IST != interrupts.IST1 {
		t.Errorf("Dispatch(2) = %+v, want NMI/IST1", nmi)
	}

	gp := interrupts.Dispatch(13)
	if gp.Name != "#GP" || !gp.HasErrCode {
		t.Errorf("Dispatch(13) = %+v, want #GP with an error code", gp)
	}

	bp := interrupts.Dispatch(3)
	if bp.HasErrCode {
		t.Errorf("Dispatch(3) (#BP) should not carry an error code")
	}
}
