package acpi

// Tables is the serialized form of a guest's ACPI table set, each already
// checksummed and ready to be copied verbatim into guest memory at its
// corresponding *Addr field.
type Tables struct {
	DSDT     []byte
	DSDTAddr uint64

	FADT     []byte
	FADTAddr uint64

	MADT     []byte
	MADTAddr uint64

	XSDT     []byte
	XSDTAddr uint64

	RSDP     []byte
	RSDPAddr uint64
}

// Build assembles the full table chain a guest BSP walks at boot: a DSDT
// describing the COM0 serial device (comIOBase/comIRQ) and the HALT
// device (haltIRQ), a FADT pointing at it, an MADT with one LocalAPIC
// entry per id in apicIDs plus a single IOAPIC at ioapicAddr, and the
// XSDT/RSDP pointing at the FADT and MADT. base is the guest-physical
// address the DSDT is placed at; every other table follows immediately
// after, page-rounded by the caller if desired.
func Build(base uint64, apicIDs []uint8, ioapicAddr uint32, comIOBase uint16, comIRQ, haltIRQ uint32) (*Tables, error) {
	dsdtAddr := base

	dsdt := NewDSDT("FLUGZG", "FLUGDSDT", comIOBase, comIRQ, haltIRQ)
	if err := dsdt.Checksum(); err != nil {
		return nil, err
	}

	dsdtBytes, err := dsdt.ToBytes()
	if err != nil {
		return nil, err
	}

	fadtAddr := dsdtAddr + uint64(len(dsdtBytes))

	fadt := NewFADT("FLUGZG", "FLUGFADT", "GACT", dsdtAddr)
	if err := fadt.Checksum(); err != nil {
		return nil, err
	}

	fadtBytes, err := fadt.ToBytes()
	if err != nil {
		return nil, err
	}

	madtAddr := fadtAddr + uint64(len(fadtBytes))

	madt := NewMADT("FLUGZG", "FLUGMADT", 0xfee00000)

	for _, id := range apicIDs {
		madt.AddAPIC(&LocalAPIC{
			Type: TypeLocalAPIC, Length: 8,
			ProcessorID: id, APICId: id, Flags: 1,
		})
	}

	madt.AddAPIC(&IOAPIC{
		Type: TypeIOAPIC, Length: 12,
		IOAPICID: 0, APICAddress: ioapicAddr, GSIBase: 0,
	})

	madtBytes, err := madt.ToBytes()
	if err != nil {
		return nil, err
	}

	// MADT has no Checksum method; zero-sum its serialized bytes here
	// (offset 9 is the header's checksum byte).
	var madtSum uint8
	for _, b := range madtBytes {
		madtSum += b
	}

	madtBytes[9] = 0 - madtSum

	xsdtAddr := madtAddr + uint64(len(madtBytes))

	xsdt := NewXSDT("FLUGZG", "FLUGXSDT", "GACT")
	xsdt.AddEntry(fadtAddr)
	xsdt.AddEntry(madtAddr)
	xsdt.Header.Length = 36 + 16

	if err := xsdt.Checksum(); err != nil {
		return nil, err
	}

	xsdtBytes, err := xsdt.ToBytes()
	if err != nil {
		return nil, err
	}

	rsdpAddr := xsdtAddr + uint64(len(xsdtBytes))

	rsdp := NewRSDP("FLUGZG", xsdtAddr)

	rsdpBytes, err := rsdp.ToBytes()
	if err != nil {
		return nil, err
	}

	return &Tables{
		DSDT: dsdtBytes, DSDTAddr: dsdtAddr,
		FADT: fadtBytes, FADTAddr: fadtAddr,
		MADT: madtBytes, MADTAddr: madtAddr,
		XSDT: xsdtBytes, XSDTAddr: xsdtAddr,
		RSDP: rsdpBytes, RSDPAddr: rsdpAddr,
	}, nil
}
