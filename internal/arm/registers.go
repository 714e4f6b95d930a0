// Package arm implements the architecture-specific core of a static
// partitioning hypervisor for ARM: per-CPU register access, condition
// checking, trap dispatch, PSCI emulation and the per-CPU control state
// machine. The virtual interrupt controller lives in the vgic subpackage.
package arm

import "github.com/tinyrange/armvisor/internal/debug"

// Mode is a guest CPSR/SPSR mode field value (bits 4:0).
type Mode uint32

const (
	ModeUsr Mode = 0x10
	ModeFiq Mode = 0x11
	ModeIrq Mode = 0x12
	ModeSvc Mode = 0x13
	ModeAbt Mode = 0x17
	ModeUnd Mode = 0x1B
	ModeSys Mode = 0x1F
	ModeHyp Mode = 0x1A
)

var regLog = debug.WithSource("registers")

// GuestFrame is the saved register state of one guest exit, banked exactly
// as AArch32 requires. It is stack-scoped to a single exit in spirit, but
// modeled as a plain struct so trap handlers can read and mutate it
// directly.
type GuestFrame struct {
	// Usr holds r0..r14 in their usr/sys bank. r0..r7 are never banked
	// elsewhere; r13 (SP) and r14 (LR) here are specifically the usr/sys
	// copies, shared by both modes.
	Usr [15]uint32

	// Fiq holds r8..r12 in the FIQ bank.
	Fiq [5]uint32

	SPSvc, LRSvc uint32
	SPAbt, LRAbt uint32
	SPUnd, LRUnd uint32
	SPIrq, LRIrq uint32
	SPFiq, LRFiq uint32

	// PC is ELR_hyp: the guest program counter at exit, aliased as r15.
	PC uint64

	// PSR is the guest's current program status register (CPSR), whose
	// mode field selects which bank ReadReg/WriteReg consult.
	PSR uint32
}

// CurrentMode extracts the mode field from PSR.
func (f *GuestFrame) CurrentMode() Mode {
	return Mode(f.PSR & 0x1F)
}

// ReadReg returns the value of guest register r as banked under mode.
func (f *GuestFrame) ReadReg(mode Mode, r uint) uint32 {
	switch {
	case r <= 7:
		return f.Usr[r]
	case r <= 12:
		if mode == ModeFiq {
			return f.Fiq[r-8]
		}
		return f.Usr[r]
	case r == 13:
		return f.spBank(mode)
	case r == 14:
		return f.lrBank(mode)
	case r == 15:
		regLog.Writef("read of r15 (PC) via register accessor, mode=0x%x", mode)
		return uint32(f.PC)
	default:
		regLog.Writef("read of out-of-range register r%d", r)
		return 0
	}
}

// WriteReg stores value into guest register r as banked under mode.
func (f *GuestFrame) WriteReg(mode Mode, r uint, value uint32) {
	switch {
	case r <= 7:
		f.Usr[r] = value
	case r <= 12:
		if mode == ModeFiq {
			f.Fiq[r-8] = value
		} else {
			f.Usr[r] = value
		}
	case r == 13:
		f.setSPBank(mode, value)
	case r == 14:
		f.setLRBank(mode, value)
	case r == 15:
		regLog.Writef("write of r15 (PC) via register accessor, mode=0x%x", mode)
		f.PC = uint64(value)
	default:
		regLog.Writef("write of out-of-range register r%d ignored", r)
	}
}

func (f *GuestFrame) spBank(mode Mode) uint32 {
	switch mode {
	case ModeSvc:
		return f.SPSvc
	case ModeAbt:
		return f.SPAbt
	case ModeUnd:
		return f.SPUnd
	case ModeIrq:
		return f.SPIrq
	case ModeFiq:
		return f.SPFiq
	default: // usr, sys
		return f.Usr[13]
	}
}

func (f *GuestFrame) setSPBank(mode Mode, value uint32) {
	switch mode {
	case ModeSvc:
		f.SPSvc = value
	case ModeAbt:
		f.SPAbt = value
	case ModeUnd:
		f.SPUnd = value
	case ModeIrq:
		f.SPIrq = value
	case ModeFiq:
		f.SPFiq = value
	default:
		f.Usr[13] = value
	}
}

func (f *GuestFrame) lrBank(mode Mode) uint32 {
	switch mode {
	case ModeSvc:
		return f.LRSvc
	case ModeAbt:
		return f.LRAbt
	case ModeUnd:
		return f.LRUnd
	case ModeIrq:
		return f.LRIrq
	case ModeFiq:
		return f.LRFiq
	default:
		return f.Usr[14]
	}
}

func (f *GuestFrame) setLRBank(mode Mode, value uint32) {
	switch mode {
	case ModeSvc:
		f.LRSvc = value
	case ModeAbt:
		f.LRAbt = value
	case ModeUnd:
		f.LRUnd = value
	case ModeIrq:
		f.LRIrq = value
	case ModeFiq:
		f.LRFiq = value
	default:
		f.Usr[14] = value
	}
}

// Reset zeroes every banked register and the PSR/PC, as the architectural
// wipe in cpu_reset/park_self requires.
func (f *GuestFrame) Reset() {
	*f = GuestFrame{}
}
