package arm

import "github.com/tinyrange/armvisor/internal/debug"

// SystemRegisters holds the subset of AArch32 CP15 state this core
// actually models. Everything not listed here is either emulated
// stateless (ACTLR) or rejected outright by the allow-list below.
type SystemRegisters struct {
	SCTLR      uint32
	TTBR0      uint64
	TTBR1      uint64
	TTBCR      uint32
	DACR       uint32
	DFSR       uint32
	IFSR       uint32
	DFAR       uint32
	IFAR       uint32
	ADFSR      uint32
	AIFSR      uint32
	MAIR0      uint32 // PRRR
	MAIR1      uint32 // NMRR
	ContextIDR uint32

	// ACTLR is the physical auxiliary control register value the guest
	// is allowed to read but never to change (coherency bits live here).
	ACTLR uint32
}

var cp15Log = debug.WithSource("cp15")

type cp15Key struct{ crn, op1, crm, op2 uint8 }

var cp15ActlrKey = cp15Key{crn: 1, op1: 0, crm: 0, op2: 1}

// cp15WriteTable is the closed allow-list of 32-bit CP15 registers the
// guest may write. Anything not in this table is rejected with
// TrapUnhandled, and nothing in SystemRegisters is touched for a
// rejected write.
var cp15WriteTable = map[cp15Key]func(s *SystemRegisters, v uint32){
	{crn: 1, op1: 0, crm: 0, op2: 0}:  func(s *SystemRegisters, v uint32) { s.SCTLR = v },
	{crn: 2, op1: 0, crm: 0, op2: 0}:  func(s *SystemRegisters, v uint32) { s.TTBR0 = uint64(v) },
	{crn: 2, op1: 0, crm: 0, op2: 1}:  func(s *SystemRegisters, v uint32) { s.TTBR1 = uint64(v) },
	{crn: 2, op1: 0, crm: 0, op2: 2}:  func(s *SystemRegisters, v uint32) { s.TTBCR = v },
	{crn: 3, op1: 0, crm: 0, op2: 0}:  func(s *SystemRegisters, v uint32) { s.DACR = v },
	{crn: 5, op1: 0, crm: 0, op2: 0}:  func(s *SystemRegisters, v uint32) { s.DFSR = v },
	{crn: 5, op1: 0, crm: 0, op2: 1}:  func(s *SystemRegisters, v uint32) { s.IFSR = v },
	{crn: 5, op1: 0, crm: 1, op2: 0}:  func(s *SystemRegisters, v uint32) { s.ADFSR = v },
	{crn: 5, op1: 0, crm: 1, op2: 1}:  func(s *SystemRegisters, v uint32) { s.AIFSR = v },
	{crn: 6, op1: 0, crm: 0, op2: 0}:  func(s *SystemRegisters, v uint32) { s.DFAR = v },
	{crn: 6, op1: 0, crm: 0, op2: 2}:  func(s *SystemRegisters, v uint32) { s.IFAR = v },
	{crn: 10, op1: 0, crm: 2, op2: 0}: func(s *SystemRegisters, v uint32) { s.MAIR0 = v },
	{crn: 10, op1: 0, crm: 2, op2: 1}: func(s *SystemRegisters, v uint32) { s.MAIR1 = v },
	{crn: 13, op1: 0, crm: 0, op2: 1}: func(s *SystemRegisters, v uint32) { s.ContextIDR = v },
}

// HandleCP15_32 emulates an MRC/MCR trap (§4.3).
func HandleCP15_32(sys *SystemRegisters, frame *GuestFrame, mode Mode, syndrome Syndrome) TrapResult {
	access := DecodeCP15_32(syndrome.ISS)
	key := cp15Key{crn: access.CRn, op1: access.Opc1, crm: access.CRm, op2: access.Opc2}

	if key == cp15ActlrKey {
		if access.Read {
			frame.WriteReg(mode, access.Rt, sys.ACTLR)
		} else {
			// Open question resolved: ACTLR writes are explicitly
			// ignored, not forwarded, and logged under debug.
			cp15Log.Writef("ignored ACTLR write value=0x%x", frame.ReadReg(mode, access.Rt))
		}
		return TrapHandled
	}

	if access.Read {
		cp15Log.Writef("unhandled CP15_32 read CRn=%d op1=%d CRm=%d op2=%d", access.CRn, access.Opc1, access.CRm, access.Opc2)
		return TrapUnhandled
	}

	setter, ok := cp15WriteTable[key]
	if !ok {
		cp15Log.Writef("unhandled CP15_32 write CRn=%d op1=%d CRm=%d op2=%d", access.CRn, access.Opc1, access.CRm, access.Opc2)
		return TrapUnhandled
	}
	setter(sys, frame.ReadReg(mode, access.Rt))
	return TrapHandled
}

// HandleCP15_64 emulates an MRRC/MCRR trap (§4.3). gicVersion selects
// whether ICC_SGI1R routes to the vGIC SGI emulator (v3 only); router may
// be nil when no v3 controller is wired.
func HandleCP15_64(sys *SystemRegisters, frame *GuestFrame, mode Mode, syndrome Syndrome, gicVersion int, router func(value uint64) error) TrapResult {
	access := DecodeCP15_64(syndrome.ISS)

	if access.Read {
		cp15Log.Writef("unhandled CP15_64 read op1=%d CRm=%d", access.Opc1, access.CRm)
		return TrapUnhandled
	}

	value := uint64(frame.ReadReg(mode, access.Rt)) | uint64(frame.ReadReg(mode, access.Rt2))<<32

	if gicVersion == 3 && access.Opc1 == 0 && access.CRm == 12 {
		if router == nil {
			cp15Log.Writef("ICC_SGI1R write with no v3 router wired")
			return TrapUnhandled
		}
		if err := router(value); err != nil {
			cp15Log.Writef("ICC_SGI1R dispatch failed: %v", err)
			return TrapUnhandled
		}
		return TrapHandled
	}

	switch {
	case access.Opc1 == 0 && access.CRm == 2:
		sys.TTBR0 = value
		return TrapHandled
	case access.Opc1 == 1 && access.CRm == 2:
		sys.TTBR1 = value
		return TrapHandled
	default:
		cp15Log.Writef("unhandled CP15_64 write op1=%d CRm=%d", access.Opc1, access.CRm)
		return TrapUnhandled
	}
}
