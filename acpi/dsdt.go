package acpi

import (
	"bytes"
	"encoding/binary"
)

// DSDT is the Differentiated System Description Table: its AML body is
// what the guest's ACPI namespace walker actually evaluates to discover
// devices. comIOBase/comIRQ/haltIRQ describe the two devices this
// hypervisor exposes through it: the emulated 16550 and the halt-request
// line panicsvc raises to stop every other vcpu.
type DSDT struct {
	Header
	*AML
}

// NewDSDT builds a DSDT whose namespace declares a COM0 device (I/O port
// range comIOBase..comIOBase+7, edge-triggered IRQ comIRQ) and a HALT
// device (IRQ haltIRQ only, no I/O ports — it exists purely so an ACPI-
// aware guest can bind an interrupt handler to the line panicsvc uses).
func NewDSDT(oemid, oemtableid string, comIOBase uint16, comIRQ, haltIRQ uint32) DSDT {
	h := newHeader(SigDSDT, 36, 6, oemid, oemtableid)
	a := NewAML()

	com0Res := NewAML().
		IO(comIOBase, comIOBase, 1, 8).
		Interrupt(true, true, false, false, comIRQ)
	a.Device("COM0", NewAML().
		Name("_HID", NewAML().EISAName("PNP0501")).
		Name("_UID", NewAML().Zero()).
		Name("_CRS", NewAML().ResourceTemplate(com0Res)))

	haltRes := NewAML().Interrupt(true, true, false, false, haltIRQ)
	a.Device("HALT", NewAML().
		Name("_HID", NewAML().EISAName("PNP0C02")).
		Name("_UID", NewAML().One()).
		Name("_CRS", NewAML().ResourceTemplate(haltRes)))

	return DSDT{h, a}
}

func (d *DSDT) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	d.Header.Length = uint32(binary.Size(d.Header)) + uint32(len(d.AML.ToBytes()))

	if err := binary.Write(&buf, binary.LittleEndian, d.Header); err != nil {
		return nil, err
	}

	if _, err := buf.Write(d.AML.ToBytes()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (d *DSDT) Checksum() error {
	d.Header.Checksum = 0

	data, err := d.ToBytes()
	if err != nil {
		return err
	}

	cks := uint8(0)
	for _, b := range data {
		cks += b
	}

	d.Header.Checksum = 0 - cks

	return nil
}
