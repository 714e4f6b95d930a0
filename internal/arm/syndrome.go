package arm

// ExceptionClass is the syndrome's 6-bit exception-class field (bits 31:26),
// classifying the reason for a synchronous trap into the hypervisor.
type ExceptionClass uint8

const (
	ECUnknown    ExceptionClass = 0x00
	ECWFIWFE     ExceptionClass = 0x01
	ECCP15_32    ExceptionClass = 0x03
	ECCP15_64    ExceptionClass = 0x04
	ECCP14_32    ExceptionClass = 0x05
	ECCP14LdSt   ExceptionClass = 0x06
	ECHCPTR      ExceptionClass = 0x07
	ECCP10       ExceptionClass = 0x08
	ECBXJ        ExceptionClass = 0x0A
	ECCP14_64    ExceptionClass = 0x0C
	ECIllState   ExceptionClass = 0x0E
	ECSVC32      ExceptionClass = 0x11
	ECHVC32      ExceptionClass = 0x12
	ECSMC32      ExceptionClass = 0x13
	ECSVC64      ExceptionClass = 0x15
	ECHVC64      ExceptionClass = 0x16
	ECSMC64      ExceptionClass = 0x17
	ECSysReg64   ExceptionClass = 0x18
	ECIabtLow    ExceptionClass = 0x20
	ECIabtCur    ExceptionClass = 0x21
	ECPCAlign    ExceptionClass = 0x22
	ECDabtLow    ExceptionClass = 0x24
	ECDabtCur    ExceptionClass = 0x25
	ECSPAlign    ExceptionClass = 0x26
	ECFPAsimd    ExceptionClass = 0x28
	ECTrapFP     ExceptionClass = 0x2C
	ECSError     ExceptionClass = 0x2F
	ECBreakptLow ExceptionClass = 0x30
	ECBreakptCur ExceptionClass = 0x31
	ECSoftstepLow ExceptionClass = 0x32
	ECSoftstepCur ExceptionClass = 0x33
	ECWatchptLow ExceptionClass = 0x34
	ECWatchptCur ExceptionClass = 0x35
	ECBkpt32     ExceptionClass = 0x38
	ECBrk64      ExceptionClass = 0x3C
)

// numExceptionClasses is the size of the full 6-bit EC space.
const numExceptionClasses = 64

// alreadyUnconditional mirrors the hardware rule that certain
// exception classes are reported without condition-code qualification:
// the trap dispatcher never gates them on the condition check.
func alreadyUnconditional(ec ExceptionClass) bool {
	switch ec {
	case ECUnknown, ECSVC32, ECHVC32, ECSMC32, ECSVC64, ECHVC64, ECSMC64,
		ECSysReg64, ECIabtLow, ECIabtCur, ECPCAlign, ECDabtLow, ECDabtCur,
		ECSPAlign, ECFPAsimd, ECTrapFP, ECSError, ECBreakptLow, ECBreakptCur,
		ECSoftstepLow, ECSoftstepCur, ECWatchptLow, ECWatchptCur, ECBkpt32, ECBrk64:
		return true
	default:
		return false
	}
}

// Syndrome is the decoded form of the 32-bit HSR/ESR-like syndrome word
// captured at trap entry, plus the ambient guest PSR needed to resolve an
// IT-block condition when the syndrome itself doesn't carry one.
type Syndrome struct {
	Raw   uint32
	Class ExceptionClass
	IL    bool // instruction-length bit: true = 32-bit, false = 16-bit Thumb
	ISS   uint32

	CondValid             bool
	Cond                  Cond
	AlreadyUnconditional  bool
	PSR                   uint32
}

// DecodeSyndrome splits a raw syndrome word into its fields and resolves
// whether a condition check applies, given the guest's current PSR.
func DecodeSyndrome(raw uint32, psr uint32) Syndrome {
	class := ExceptionClass((raw >> 26) & 0x3F)
	il := (raw>>25)&1 != 0
	iss := raw & 0x1FFFFFF

	s := Syndrome{
		Raw:                  raw,
		Class:                class,
		IL:                   il,
		ISS:                  iss,
		PSR:                  psr,
		AlreadyUnconditional: alreadyUnconditional(class),
	}

	// For CP15_32/64 and CP14 classes, ISS bits [24:20] carry cond and a
	// CV (condition-valid) bit at [24].
	switch class {
	case ECCP15_32, ECCP15_64, ECCP14_32, ECCP14_64, ECCP14LdSt, ECCP10:
		cv := (iss >> 24) & 1
		cond := Cond((iss >> 20) & 0xF)
		s.CondValid = cv != 0
		s.Cond = cond
	}

	return s
}

// CP15Access is the decoded form of a CP15_32 (MRC/MCR) ISS field.
type CP15Access struct {
	Opc2   uint8
	Opc1   uint8
	CRn    uint8
	Rt     uint
	CRm    uint8
	Read   bool
}

// DecodeCP15_32 extracts {CRn, op1, CRm, op2, Rt, direction} from a CP15_32
// syndrome's ISS field.
func DecodeCP15_32(iss uint32) CP15Access {
	return CP15Access{
		Opc2: uint8((iss >> 17) & 0x7),
		Opc1: uint8((iss >> 14) & 0x7),
		CRn:  uint8((iss >> 10) & 0xF),
		Rt:   uint((iss >> 5) & 0xF),
		CRm:  uint8((iss >> 1) & 0xF),
		Read: iss&1 != 0,
	}
}

// CP15_64Access is the decoded form of a CP15_64 (MRRC/MCRR) ISS field.
type CP15_64Access struct {
	Opc1 uint8
	Rt2  uint
	Rt   uint
	CRm  uint8
	Read bool
}

// DecodeCP15_64 extracts {op1, CRm, Rt, Rt2, direction} from a CP15_64
// syndrome's ISS field.
func DecodeCP15_64(iss uint32) CP15_64Access {
	return CP15_64Access{
		Opc1: uint8((iss >> 16) & 0xF),
		Rt2:  uint((iss >> 10) & 0xF),
		CRm:  uint8((iss >> 1) & 0xF),
		Rt:   uint((iss >> 5) & 0xF),
		Read: iss&1 != 0,
	}
}
