package arm

// ccMap is ARM's canonical 16-entry condition-code table: one 16-bit mask
// per condition code, indexed by the 4-bit NZCV flags nibble. Bit i of
// ccMap[cond] is set iff the condition holds when the flags nibble equals i.
// This is not a design choice to revisit — it must match hardware exactly.
var ccMap = [16]uint16{
	0x0: 0xF0F0, // EQ
	0x1: 0x0F0F, // NE
	0x2: 0xCCCC, // CS/HS
	0x3: 0x3333, // CC/LO
	0x4: 0xFF00, // MI
	0x5: 0x00FF, // PL
	0x6: 0xAAAA, // VS
	0x7: 0x5555, // VC
	0x8: 0x0C0C, // HI
	0x9: 0xF3F3, // LS
	0xA: 0xAA55, // GE
	0xB: 0x55AA, // LT
	0xC: 0x0A05, // GT
	0xD: 0xF5FA, // LE
	0xE: 0xFFFF, // AL
	0xF: 0x0000, // NV
}

// Cond is a 4-bit AArch32 condition code.
type Cond uint8

const (
	CondEQ Cond = 0x0
	CondNE Cond = 0x1
	CondCS Cond = 0x2
	CondCC Cond = 0x3
	CondMI Cond = 0x4
	CondPL Cond = 0x5
	CondVS Cond = 0x6
	CondVC Cond = 0x7
	CondHI Cond = 0x8
	CondLS Cond = 0x9
	CondGE Cond = 0xA
	CondLT Cond = 0xB
	CondGT Cond = 0xC
	CondLE Cond = 0xD
	CondAL Cond = 0xE
	CondNV Cond = 0xF
)

// nzcvNibble extracts the N,Z,C,V flags from PSR as a 4-bit nibble in the
// order the condition table expects: bit3=N, bit2=Z, bit1=C, bit0=V.
func nzcvNibble(psr uint32) uint8 {
	n := (psr >> 31) & 1
	z := (psr >> 30) & 1
	c := (psr >> 29) & 1
	v := (psr >> 28) & 1
	return uint8(n<<3 | z<<2 | c<<1 | v)
}

// ConditionHolds reports whether cond evaluates true given the NZCV flags
// packed in psr.
func ConditionHolds(cond Cond, psr uint32) bool {
	nibble := nzcvNibble(psr)
	return ccMap[cond&0xF]&(1<<nibble) != 0
}

// itState is the Thumb IT-block state packed out of a guest PSR, split
// across bits 26:25 (low two bits) and bits 15:10 (high six bits).
func itState(psr uint32) uint8 {
	lo := (psr >> 25) & 0x3
	hi := (psr >> 10) & 0x3F
	return uint8(hi<<2 | lo)
}

func setITState(psr uint32, it uint8) uint32 {
	psr &^= (0x3 << 25) | (0x3F << 10)
	psr |= uint32(it&0x3) << 25
	psr |= uint32((it>>2)&0x3F) << 10
	return psr
}

// itCondition returns the leading condition code of an active IT block,
// taken from IT[7:4].
func itCondition(it uint8) Cond {
	return Cond(it >> 4)
}

// advanceITState implements the architectural IT-advance used when an
// instruction retires (or is skipped) inside an IT block: if the low 3
// bits of the mask are already zero (the instruction just retired was the
// last one in the block), clear the IT field entirely; otherwise shift the
// low 5 bits left by one, masked to 5 bits.
func advanceITState(it uint8) uint8 {
	if it == 0 {
		return 0
	}
	if it&0x7 == 0 {
		return 0
	}
	shifted := (it << 1) & 0x1F
	return (it & 0xE0) | shifted
}

// AdvanceIT advances the IT-state encoded in psr by one step and returns
// the updated PSR. A PSR with no active IT block is returned unchanged.
func AdvanceIT(psr uint32) uint32 {
	it := itState(psr)
	if it == 0 {
		return psr
	}
	return setITState(psr, advanceITState(it))
}

// SkipInstruction advances PC past the trapping instruction (4 bytes, or 2
// for a 16-bit Thumb encoding when il is false) and advances IT-state,
// mirroring arch_skip_instruction.
func SkipInstruction(frame *GuestFrame, il bool) {
	if il {
		frame.PC += 4
	} else {
		frame.PC += 2
	}
	frame.PSR = AdvanceIT(frame.PSR)
}

// EffectiveCondition resolves the condition that gates a trapping
// instruction: the syndrome's own condition field when it is valid,
// otherwise (for a Thumb instruction inside an active IT block) the
// leading condition of that IT block.
func EffectiveCondition(syndrome Syndrome) (cond Cond, haveCond bool) {
	if syndrome.CondValid {
		return syndrome.Cond, true
	}
	it := itState(syndrome.PSR)
	if it == 0 {
		return 0, false
	}
	return itCondition(it), true
}

// conditionFailed reports whether the trapping instruction's condition
// check failed and the instruction must be skipped with no side effects.
// Exception classes flagged as "already unconditional" bypass the check
// entirely (the class field carries no condition at all).
func conditionFailed(syndrome Syndrome) bool {
	if syndrome.AlreadyUnconditional {
		return false
	}
	cond, ok := EffectiveCondition(syndrome)
	if !ok {
		return false
	}
	return !ConditionHolds(cond, syndrome.PSR)
}
