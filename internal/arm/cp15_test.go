package arm

import "testing"

func encodeCP15_32ISS(crn, op1, crm, op2 uint8, rt uint, read bool) uint32 {
	iss := uint32(op2)<<17 | uint32(op1)<<14 | uint32(crn)<<10 | uint32(rt)<<5 | uint32(crm)<<1
	if read {
		iss |= 1
	}
	return iss
}

func rawCP15_32(iss uint32) uint32 {
	return uint32(ECCP15_32)<<26 | iss
}

func TestHandleCP15_32ACTLRReadPassthrough(t *testing.T) {
	sys := &SystemRegisters{ACTLR: 0xCAFE}
	frame := &GuestFrame{}
	iss := encodeCP15_32ISS(1, 0, 0, 1, 2, true)
	syn := DecodeSyndrome(rawCP15_32(iss), 0)

	result := HandleCP15_32(sys, frame, ModeSvc, syn)
	if result != TrapHandled {
		t.Fatalf("ACTLR read: result = %v, want TrapHandled", result)
	}
	if frame.ReadReg(ModeSvc, 2) != 0xCAFE {
		t.Fatalf("ACTLR read: Rt = 0x%x, want 0xCAFE", frame.ReadReg(ModeSvc, 2))
	}
}

func TestHandleCP15_32ACTLRWriteIsIgnored(t *testing.T) {
	sys := &SystemRegisters{ACTLR: 0xCAFE}
	frame := &GuestFrame{}
	frame.WriteReg(ModeSvc, 2, 0x1234)
	iss := encodeCP15_32ISS(1, 0, 0, 1, 2, false)
	syn := DecodeSyndrome(rawCP15_32(iss), 0)

	result := HandleCP15_32(sys, frame, ModeSvc, syn)
	if result != TrapHandled {
		t.Fatalf("ACTLR write: result = %v, want TrapHandled", result)
	}
	if sys.ACTLR != 0xCAFE {
		t.Fatalf("ACTLR write: value changed to 0x%x, want unchanged 0xCAFE", sys.ACTLR)
	}
}

func TestHandleCP15_32NonACTLRReadIsUnhandled(t *testing.T) {
	sys := &SystemRegisters{}
	frame := &GuestFrame{}
	iss := encodeCP15_32ISS(2, 0, 0, 0, 0, true) // TTBR0, a write-allow-listed reg, but this is a read
	syn := DecodeSyndrome(rawCP15_32(iss), 0)

	if result := HandleCP15_32(sys, frame, ModeSvc, syn); result != TrapUnhandled {
		t.Fatalf("result = %v, want TrapUnhandled", result)
	}
}

func TestHandleCP15_32AllowListedWriteIsApplied(t *testing.T) {
	sys := &SystemRegisters{}
	frame := &GuestFrame{}
	frame.WriteReg(ModeSvc, 4, 0xAABBCCDD)
	iss := encodeCP15_32ISS(2, 0, 0, 0, 4, false) // TTBR0 write
	syn := DecodeSyndrome(rawCP15_32(iss), 0)

	if result := HandleCP15_32(sys, frame, ModeSvc, syn); result != TrapHandled {
		t.Fatalf("result = %v, want TrapHandled", result)
	}
	if sys.TTBR0 != 0xAABBCCDD {
		t.Fatalf("TTBR0 = 0x%x, want 0xAABBCCDD", sys.TTBR0)
	}
}

func TestHandleCP15_32WriteOutsideAllowListIsUnhandled(t *testing.T) {
	sys := &SystemRegisters{}
	frame := &GuestFrame{}
	iss := encodeCP15_32ISS(15, 0, 0, 0, 0, false) // not in the allow-list
	syn := DecodeSyndrome(rawCP15_32(iss), 0)

	if result := HandleCP15_32(sys, frame, ModeSvc, syn); result != TrapUnhandled {
		t.Fatalf("result = %v, want TrapUnhandled", result)
	}
}

func encodeCP15_64ISS(op1, crm uint8, rt, rt2 uint, read bool) uint32 {
	iss := uint32(op1)<<16 | uint32(rt2)<<10 | uint32(crm)<<1 | uint32(rt)<<5
	if read {
		iss |= 1
	}
	return iss
}

func rawCP15_64(iss uint32) uint32 {
	return uint32(ECCP15_64)<<26 | iss
}

func TestHandleCP15_64TTBR0Write(t *testing.T) {
	sys := &SystemRegisters{}
	frame := &GuestFrame{}
	frame.WriteReg(ModeSvc, 0, 0x1000)
	frame.WriteReg(ModeSvc, 1, 0x2000)
	iss := encodeCP15_64ISS(0, 2, 0, 1, false)
	syn := DecodeSyndrome(rawCP15_64(iss), 0)

	result := HandleCP15_64(sys, frame, ModeSvc, syn, 2, nil)
	if result != TrapHandled {
		t.Fatalf("result = %v, want TrapHandled", result)
	}
	want := uint64(0x1000) | uint64(0x2000)<<32
	if sys.TTBR0 != want {
		t.Fatalf("TTBR0 = 0x%x, want 0x%x", sys.TTBR0, want)
	}
}

func TestHandleCP15_64ReadsAreAlwaysUnhandled(t *testing.T) {
	sys := &SystemRegisters{}
	frame := &GuestFrame{}
	iss := encodeCP15_64ISS(0, 2, 0, 1, true)
	syn := DecodeSyndrome(rawCP15_64(iss), 0)

	if result := HandleCP15_64(sys, frame, ModeSvc, syn, 2, nil); result != TrapUnhandled {
		t.Fatalf("result = %v, want TrapUnhandled", result)
	}
}

func TestHandleCP15_64RoutesICCSGI1ROnV3Only(t *testing.T) {
	sys := &SystemRegisters{}
	frame := &GuestFrame{}
	iss := encodeCP15_64ISS(0, 12, 0, 1, false) // opc1=0, CRm=12 == ICC_SGI1R_EL1
	syn := DecodeSyndrome(rawCP15_64(iss), 0)

	var routed uint64
	router := func(v uint64) error {
		routed = v
		return nil
	}

	if result := HandleCP15_64(sys, frame, ModeSvc, syn, 2, router); result != TrapUnhandled {
		t.Fatalf("v2 config: result = %v, want TrapUnhandled (router must not fire)", result)
	}
	if routed != 0 {
		t.Fatalf("v2 config: router unexpectedly invoked")
	}

	frame.WriteReg(ModeSvc, 0, 0xAAAA)
	frame.WriteReg(ModeSvc, 1, 0xBBBB)
	if result := HandleCP15_64(sys, frame, ModeSvc, syn, 3, router); result != TrapHandled {
		t.Fatalf("v3 config: result = %v, want TrapHandled", result)
	}
	want := uint64(0xAAAA) | uint64(0xBBBB)<<32
	if routed != want {
		t.Fatalf("routed value = 0x%x, want 0x%x", routed, want)
	}
}

func TestHandleCP15_64UnknownWriteIsUnhandled(t *testing.T) {
	sys := &SystemRegisters{}
	frame := &GuestFrame{}
	iss := encodeCP15_64ISS(3, 9, 0, 1, false)
	syn := DecodeSyndrome(rawCP15_64(iss), 0)

	if result := HandleCP15_64(sys, frame, ModeSvc, syn, 3, nil); result != TrapUnhandled {
		t.Fatalf("result = %v, want TrapUnhandled", result)
	}
}
