package acpi

import (
	"bytes"
	"encoding/binary"
)

const (
	TypeLocalAPIC uint8 = 0 + iota
	TypeIOAPIC
	TypeInterruptSourceOverride
)

type APIC interface {
	Len() uint8
	ToBytes() ([]byte, error)
}

type LocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICId      uint8
	Flags       uint32
}

func (l *LocalAPIC) Len() uint8 {
	return l.Length
}

func (l *LocalAPIC) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, l); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type IOAPIC struct {
	Type        uint8
	Length      uint8
	IOAPICID    uint8
	_           uint8
	APICAddress uint32
	GSIBase     uint32
}

func (i *IOAPIC) Len() uint8 {
	return i.Length
}

func (i *IOAPIC) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type InterruptSourceOverride struct {
	Type   uint8
	Length uint8
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

func (i *InterruptSourceOverride) Len() uint8 {
	return i.Length
}

func (i *InterruptSourceOverride) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type MADT struct {
	Header
	LocalAPICAddress uint32
	Flags            uint32
	APICS            []APIC
}

func NewMADT(oemID, oemTableID string, localAPICAddress uint32) MADT {
	return MADT{
		Header:           newHeader(SigAPIC, 44, 3, oemID, oemTableID),
		LocalAPICAddress: localAPICAddress,
		Flags:            1, // PCAT_COMPAT: dual 8259 PICs present.
	}
}

func (m *MADT) AddAPIC(apic APIC) {
	m.APICS = append(m.APICS, apic)
	m.Header.Length += uint32(apic.Len())
}

func (m *MADT) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, m.Header); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.LocalAPICAddress); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.Flags); err != nil {
		return nil, err
	}

	for _, apic := range m.APICS {
		data, err := apic.ToBytes()
		if err != nil {
			return nil, err
		}

		if _, err := buf.Write(data); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
