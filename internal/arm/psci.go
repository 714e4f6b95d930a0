package arm

import (
	"github.com/tinyrange/armvisor/internal/debug"
	"github.com/tinyrange/armvisor/internal/vmexit"
)

// PSCI function identifiers (§6, bit-exact constants).
const (
	PSCIVersion32      uint32 = 0x84000000
	PSCICPUOff32       uint32 = 0x84000002
	PSCICPUOffV01UBoot uint32 = 0x84000001
	PSCICPUOn32        uint32 = 0x84000003
	PSCIAffinityInfo32 uint32 = 0x84000004
	PSCICPUOn64        uint32 = 0xC4000003
	PSCIAffinityInfo64 uint32 = 0xC4000004
)

// PSCI result codes (§6, bit-exact constants).
const (
	PSCISuccess      int64 = 0
	PSCINotSupported int64 = -1
	PSCIDenied       int64 = -3
	PSCIAlreadyOn    int64 = -4
	PSCICPUIsOn      int64 = 0
	PSCICPUIsOff     int64 = 1
)

var psciLog = debug.WithSource("psci")

// mpidrToVirtID extracts the virtual CPU id a guest mpidr value encodes:
// VMPIDR is programmed as virt_id | MP_BIT, so the low byte is virt_id.
func mpidrToVirtID(mpidr uint64) int {
	return int(mpidr & 0xFF)
}

// DispatchPSCI emulates the PSCI subset this core supports (§4.4). It
// always counts one PSCI exit, mirroring the original's VMEXITS_PSCI
// accounting at entry to the dispatch switch regardless of whether the
// function id is recognized.
func (core *Core) DispatchPSCI(caller *PerCPU, funcID uint32, mpidr, a1, a2 uint64) int64 {
	caller.Counters.Inc(vmexit.PSCI)

	switch funcID {
	case PSCIVersion32:
		return 0x00000002

	case PSCICPUOff32, PSCICPUOffV01UBoot: // legacy U-Boot alias, same semantics
		core.parkCaller(caller)
		return PSCISuccess

	case PSCICPUOn32, PSCICPUOn64:
		return core.psciCPUOn(caller, mpidr, a1, a2)

	case PSCIAffinityInfo32, PSCIAffinityInfo64:
		return core.psciAffinityInfo(caller, mpidr)

	default:
		psciLog.Writef("cpu %d: unsupported PSCI function 0x%x", caller.CPUID, funcID)
		return PSCINotSupported
	}
}

func (core *Core) psciCPUOn(caller *PerCPU, mpidr, entry, ctx uint64) int64 {
	cell := caller.Cell()
	if cell == nil {
		return PSCIDenied
	}
	targetVirtID := mpidrToVirtID(mpidr)
	physID, ok := cell.virt2phys(core, targetVirtID)
	if !ok {
		return PSCIDenied
	}
	target := core.cpu(physID)
	if target == nil {
		return PSCIDenied
	}

	target.mu.Lock()
	if !target.waitForPowerOn {
		target.mu.Unlock()
		return PSCIAlreadyOn
	}
	target.cpuOnEntry = entry
	target.cpuOnContext = ctx
	target.reset = true
	target.mu.Unlock()

	target.Kick()
	return PSCISuccess
}

func (core *Core) psciAffinityInfo(caller *PerCPU, mpidr uint64) int64 {
	cell := caller.Cell()
	if cell == nil {
		return PSCIDenied
	}
	targetVirtID := mpidrToVirtID(mpidr)
	physID, ok := cell.virt2phys(core, targetVirtID)
	if !ok {
		return PSCIDenied
	}
	target := core.cpu(physID)
	if target == nil {
		return PSCIDenied
	}
	if target.WaitingForPowerOn() {
		return PSCICPUIsOff
	}
	return PSCICPUIsOn
}

// parkCaller implements PSCI CPU_OFF: the calling CPU parks itself (§4.5).
func (core *Core) parkCaller(caller *PerCPU) {
	caller.ParkCPU()
}
