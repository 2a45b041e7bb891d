package acpi_test

import (
	"testing"

	"github.com/flugzeug/flugzeug/acpi"
)

func TestRSDPRoundTrip(t *testing.T) {
	t.Parallel()

	r := acpi.NewRSDP("FLUGZG", 0x1234_0000)

	b, err := r.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	got, err := acpi.ParseRSDP(b)
	if err != nil {
		t.Fatalf("ParseRSDP: %v", err)
	}

	if got.XSDTAddr != 0x1234_0000 {
		t.Errorf("XSDTAddr: got %#x, want %#x", got.XSDTAddr, 0x1234_0000)
	}

	var sum8, sumExt uint8
	for _, x := range b[:20] {
		sum8 += x
	}

	for _, x := range b {
		sumExt += x
	}

	if sum8 != 0 {
		t.Errorf("RSDP first-20-byte checksum: got %#x, want 0", sum8)
	}

	if sumExt != 0 {
		t.Errorf("RSDP extended checksum: got %#x, want 0", sumExt)
	}
}

func TestParseRSDPRejectsShortBuffer(t *testing.T) {
	t.Parallel()

	if _, err := acpi.ParseRSDP(make([]byte, 10)); err == nil {
		t.Error("ParseRSDP(short buffer): got nil, want err")
	}
}

func TestParseRSDPRejectsBadSignature(t *testing.T) {
	t.Parallel()

	r := acpi.NewRSDP("FLUGZG", 0)

	b, err := r.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	b[0] = 'X'

	if _, err := acpi.ParseRSDP(b); err == nil {
		t.Error("ParseRSDP(bad signature): got nil, want err")
	}
}
