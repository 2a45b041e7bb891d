package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RSDP is the ACPI 2.0+ Root System Description Pointer: the one
// fixed-format structure a guest's BSP scan for before it can find any
// other table, located by signature scan (we hand the loader-known
// address directly instead, via bootblock.Block.RSDPPhysAddr).
type RSDP struct {
	Signature  [8]byte
	Checksum   uint8
	OEMId      [6]byte
	Revision   uint8
	RSDTAddr   uint32
	Length     uint32
	XSDTAddr   uint64
	ExtChecksum uint8
	_          [3]uint8
}

func NewRSDP(oemID string, xsdtAddr uint64) RSDP {
	r := RSDP{
		Signature: [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
		Revision:  2,
		Length:    36,
		XSDTAddr:  xsdtAddr,
		OEMId:     convertOEMID(oemID),
	}

	r.setChecksums()

	return r
}

func (r *RSDP) setChecksums() {
	r.Checksum, r.ExtChecksum = 0, 0

	b, _ := r.ToBytes()

	var sum8 uint8
	for _, x := range b[:20] {
		sum8 += x
	}

	r.Checksum = -sum8

	b, _ = r.ToBytes()

	var sum uint8
	for _, x := range b {
		sum += x
	}

	r.ExtChecksum = -sum
}

func (r *RSDP) ToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ParseRSDP reads an RSDP back from guest memory, the BSP-scan-avoidance
// counterpart to NewRSDP: given the loader already knows the address, this
// exists so tests (and a future guest-side parser written against the same
// layout) can round-trip what the loader wrote.
func ParseRSDP(data []byte) (*RSDP, error) {
	if len(data) < 36 {
		return nil, fmt.Errorf("RSDP buffer too short: %d bytes", len(data))
	}

	r := &RSDP{}
	if err := binary.Read(bytes.NewReader(data[:36]), binary.LittleEndian, r); err != nil {
		return nil, err
	}

	if string(r.Signature[:8]) != "RSD PTR " {
		return nil, fmt.Errorf("bad RSDP signature %q", r.Signature)
	}

	return r, nil
}

// ParseMADT decodes an MADT's header and local-APIC entries back out of raw
// table bytes, the loader-independent counterpart to MADT.ToBytes used by
// tests and by any future in-repo consumer that needs to re-derive APIC IDs
// from the table the loader already built.
func ParseMADT(data []byte) (*MADT, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("MADT buffer too short: %d bytes", len(data))
	}

	m := &MADT{}
	if err := binary.Read(bytes.NewReader(data[:36]), binary.LittleEndian, &m.Header); err != nil {
		return nil, err
	}

	// Skip the MADT's own LocalAPICAddress+Flags (8 bytes) following Header.
	pos := 36 + 8

	for pos < len(data) {
		typ := data[pos]
		length := data[pos+1]

		if length == 0 || pos+int(length) > len(data) {
			return nil, fmt.Errorf("malformed MADT entry at offset %d", pos)
		}

		switch typ {
		case TypeLocalAPIC:
			l := &LocalAPIC{}
			if err := binary.Read(bytes.NewReader(data[pos:pos+int(length)]), binary.LittleEndian, l); err != nil {
				return nil, err
			}

			m.APICS = append(m.APICS, l)
		case TypeIOAPIC:
			io := &IOAPIC{}
			if err := binary.Read(bytes.NewReader(data[pos:pos+int(length)]), binary.LittleEndian, io); err != nil {
				return nil, err
			}

			m.APICS = append(m.APICS, io)
		}

		pos += int(length)
	}

	return m, nil
}
