package arm

import (
	"fmt"

	"github.com/tinyrange/armvisor/internal/debug"
	"github.com/tinyrange/armvisor/internal/mmio"
	"github.com/tinyrange/armvisor/internal/vmexit"
)

var trapLog = debug.WithSource("trap")

// ExitReason is the low-level entry stub's classification of why a
// guest exited (§6).
type ExitReason int

const (
	ExitIRQ ExitReason = iota
	ExitTrap
	ExitUndef
	ExitDabt
	ExitPabt
	ExitHVC
	ExitFIQ
)

// HandleExit is the top-level exit handler (§2 data flow / §6
// arch_handle_exit): IRQ routes to the interrupt controller, TRAP routes
// to the dispatcher, everything else is fatal.
func (core *Core) HandleExit(cpu *PerCPU, reason ExitReason, physIRQ uint32, syndromeRaw uint32) error {
	switch reason {
	case ExitIRQ:
		_, err := core.HandlePhysIRQ(cpu, physIRQ)
		return err
	case ExitTrap:
		return core.HandleTrap(cpu, syndromeRaw)
	default:
		return &PanicError{CPUID: cpu.CPUID, Reason: fmt.Sprintf("unexpected exit reason %d", reason)}
	}
}

// HandleTrap is arch_handle_trap (§4.3): capture, classify, condition-
// check, dispatch, write back or escalate.
func (core *Core) HandleTrap(cpu *PerCPU, syndromeRaw uint32) error {
	frame := &cpu.frame
	syn := DecodeSyndrome(syndromeRaw, frame.PSR)
	cpu.Counters.Inc(vmexit.Total)

	if conditionFailed(syn) {
		SkipInstruction(frame, syn.IL)
		return nil
	}

	result := core.dispatchTrap(cpu, frame, syn)
	if result == TrapHandled {
		return nil
	}

	trapLog.Writef("cpu %d: fatal trap class=0x%02x pc=0x%x", cpu.CPUID, syn.Class, frame.PC)
	trapLog.Writef("cpu %d: guest frame %+v", cpu.CPUID, *frame)
	fault := &CellFaultError{CPUID: cpu.CPUID, Class: syn.Class, Result: result, Frame: *frame}
	if cell := cpu.Cell(); cell != nil {
		for _, id := range cell.cpuIDs {
			if member := core.cpu(id); member != nil {
				member.ParkCPU()
			}
		}
	}
	return fault
}

// dispatchTrap switches on the exception class (CP15_32, CP15_64, HVC,
// SMC, DABT; every other class is unhandled) and applies the per-class
// instruction-skip-on-success rule.
func (core *Core) dispatchTrap(cpu *PerCPU, frame *GuestFrame, syn Syndrome) TrapResult {
	mode := frame.CurrentMode()

	switch syn.Class {
	case ECCP15_32:
		result := HandleCP15_32(&cpu.sys, frame, mode, syn)
		if result == TrapHandled {
			SkipInstruction(frame, syn.IL)
		}
		return result

	case ECCP15_64:
		router := core.sgi1rRouter(cpu)
		result := HandleCP15_64(&cpu.sys, frame, mode, syn, core.gicVersion, router)
		if result == TrapHandled {
			SkipInstruction(frame, syn.IL)
		}
		return result

	case ECHVC32, ECHVC64:
		// HVC does not need a skip: the return address is already past it.
		return core.handleHypercall(cpu, frame, mode)

	case ECSMC32, ECSMC64:
		result := core.handleSMC(cpu, frame, mode)
		if result == TrapHandled {
			SkipInstruction(frame, syn.IL)
		}
		return result

	case ECDabtLow, ECDabtCur:
		result := core.handleDabt(cpu, frame)
		if result == TrapHandled {
			SkipInstruction(frame, syn.IL)
		}
		return result

	default:
		return TrapUnhandled
	}
}

// isPSCIFunction reports whether a function id falls in either PSCI
// function range (32-bit or 64-bit SMCCC).
func isPSCIFunction(id uint32) bool {
	return id&0xFF000000 == 0x84000000 || id&0xFF000000 == 0xC4000000
}

func (core *Core) handleHypercall(cpu *PerCPU, frame *GuestFrame, mode Mode) TrapResult {
	funcID := frame.ReadReg(mode, 0)
	if !isPSCIFunction(funcID) {
		trapLog.Writef("cpu %d: unhandled non-PSCI hypercall 0x%x", cpu.CPUID, funcID)
		return TrapUnhandled
	}
	result := core.dispatchPSCIFromFrame(cpu, frame, mode, funcID)
	frame.WriteReg(mode, 0, uint32(result))
	return TrapHandled
}

func (core *Core) handleSMC(cpu *PerCPU, frame *GuestFrame, mode Mode) TrapResult {
	funcID := frame.ReadReg(mode, 0)
	if isPSCIFunction(funcID) {
		result := core.dispatchPSCIFromFrame(cpu, frame, mode, funcID)
		frame.WriteReg(mode, 0, uint32(result))
		return TrapHandled
	}
	if core.SMC == nil {
		trapLog.Writef("cpu %d: unhandled SMC 0x%x (no secure monitor gateway wired)", cpu.CPUID, funcID)
		return TrapUnhandled
	}
	a0 := uint64(funcID)
	a1 := uint64(frame.ReadReg(mode, 1))
	a2 := uint64(frame.ReadReg(mode, 2))
	a3 := uint64(frame.ReadReg(mode, 3))
	r0, r1, r2, r3 := core.SMC.Call(a0, a1, a2, a3)
	frame.WriteReg(mode, 0, uint32(r0))
	frame.WriteReg(mode, 1, uint32(r1))
	frame.WriteReg(mode, 2, uint32(r2))
	frame.WriteReg(mode, 3, uint32(r3))
	return TrapHandled
}

func (core *Core) dispatchPSCIFromFrame(cpu *PerCPU, frame *GuestFrame, mode Mode, funcID uint32) int64 {
	mpidr := uint64(frame.ReadReg(mode, 1))
	a1 := uint64(frame.ReadReg(mode, 2))
	a2 := uint64(frame.ReadReg(mode, 3))
	return core.DispatchPSCI(cpu, funcID, mpidr, a1, a2)
}

// sgi1rRouter builds the closure HandleCP15_64 uses to forward an
// ICC_SGI1R write to the wired vGIC v3 controller, if any.
func (core *Core) sgi1rRouter(cpu *PerCPU) func(value uint64) error {
	router, ok := core.IRQ.(sgi64Router)
	if !ok {
		return nil
	}
	return func(value uint64) error {
		cellCPUs := []int{cpu.CPUID}
		if cell := cpu.Cell(); cell != nil {
			cellCPUs = cell.CPUs()
		}
		return router.SendSGIRaw64(cpu.CPUID, value, cellCPUs)
	}
}

// handleDabt reports every guest-stage data abort as unhandled: it does
// not decode the faulting address or access width and does not reach the
// cell's MMIO registry.
func (core *Core) handleDabt(cpu *PerCPU, frame *GuestFrame) TrapResult {
	cell := cpu.Cell()
	if cell == nil || cell.mmio == nil {
		trapLog.Writef("cpu %d: data abort with no cell/MMIO registry", cpu.CPUID)
		return TrapUnhandled
	}
	// Address and access size/direction decoding from the DABT ISS is a
	// real hardware detail this core doesn't reconstruct from a bare
	// syndrome word alone; callers that already know the faulting
	// address and width use HandleMMIOAccess directly.
	return TrapUnhandled
}

// HandleMMIOAccess lets a caller that already decoded a data-abort's
// faulting address and access width route it through the cell's MMIO
// registry, returning TrapHandled/TrapUnhandled the same way the
// dispatch table would.
func (core *Core) HandleMMIOAccess(cpu *PerCPU, addr uint64, data []byte, write bool) TrapResult {
	cell := cpu.Cell()
	if cell == nil || cell.mmio == nil {
		return TrapUnhandled
	}
	access := mmio.Access{CPU: uint32(cpu.CPUID), Write: write}
	if err := cell.mmio.Dispatch(access, addr, data, write); err != nil {
		trapLog.Writef("cpu %d: mmio dispatch failed at 0x%x: %v", cpu.CPUID, addr, err)
		return TrapUnhandled
	}
	return TrapHandled
}

// HandleSGI implements arch_handle_sgi (§6): dispatches on the received
// SGI id, classifying it as a management event (SGI_EVENT, drives the
// per-CPU FSM) or a coalesced injection notice (SGI_INJECT).
func (core *Core) HandleSGI(cpu *PerCPU, sgiID uint8, count uint64) {
	switch sgiID {
	case SGIInject:
		cpu.Counters.Add(vmexit.VSGI, count)
		cpu.CheckEvents() // draining/injection happens via the vGIC driver, triggered the same as any event pass
	case SGIEvent:
		cpu.Counters.Add(vmexit.Management, count)
		cpu.CheckEvents()
	default:
		trapLog.Writef("cpu %d: unexpected SGI id %d", cpu.CPUID, sgiID)
	}
}

// SGI ids used for inter-processor signaling (§6).
const (
	SGIEvent  uint8 = 0
	SGIInject uint8 = 1
)

// HandlePhysIRQ implements arch_handle_phys_irq (§4.7 "IRQ classification
// at exit"): the maintenance IRQ is drained and counted separately from
// every other physical IRQ, which is marked pending for the guest.
func (core *Core) HandlePhysIRQ(cpu *PerCPU, physIRQ uint32) (handled bool, err error) {
	if core.IRQ == nil {
		return false, fmt.Errorf("arm: HandlePhysIRQ: no irqchip wired")
	}
	handled, err = core.IRQ.HandleIRQ(cpu.CPUID, physIRQ)
	if err != nil {
		return handled, fmt.Errorf("arm: cpu %d: handle phys irq %d: %w", cpu.CPUID, physIRQ, err)
	}
	if handled {
		cpu.Counters.Inc(vmexit.Maintenance)
	} else {
		cpu.Counters.Inc(vmexit.VIRQ)
	}
	return handled, nil
}
