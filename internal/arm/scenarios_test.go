package arm

import (
	"testing"

	"github.com/tinyrange/armvisor/internal/vmexit"
)

// These tests compose the building blocks exercised individually
// elsewhere (cell, percpu, psci, trap, cond) into the end-to-end
// scenarios named in the spec's testable-properties section.

// Scenario: parking a non-root cell. Both CPUs must end up parked with
// wait_for_poweron set, virt_id reclaimed to physical numbering, and
// cpu_on_entry back at the sentinel.
func TestScenarioParkingNonRootCellParksBothCPUs(t *testing.T) {
	core, _, _ := newTestCore(t, []int{2, 4})
	cell, err := core.CreateCell(1, []int{2, 4}, false)
	if err != nil {
		t.Fatalf("CreateCell: %v", err)
	}

	for _, id := range []int{2, 4} {
		cpu := core.CPU(id)
		cpu.ParkCPU()
		<-cpu.kick
		cpu.CheckEvents()
		if !cpu.WaitingForPowerOn() {
			t.Fatalf("cpu %d not waiting for power on after park", id)
		}
	}

	if err := core.DestroyCell(cell); err != nil {
		t.Fatalf("DestroyCell: %v", err)
	}
	for _, id := range []int{2, 4} {
		cpu := core.CPU(id)
		if cpu.VirtID() != id {
			t.Errorf("cpu %d: VirtID = %d, want %d (reclaimed)", id, cpu.VirtID(), id)
		}
		if cpu.ResetAddress() != 0 {
			t.Errorf("cpu %d: ResetAddress = 0x%x, want 0 (cpu_on_entry reset)", id, cpu.ResetAddress())
		}
		if cpu.Cell() != nil {
			t.Errorf("cpu %d still attached to a cell after destroy", id)
		}
	}
}

// Scenario: secondary boot. Cell {3,5}, primary=3 (first in ascending
// order). CPU 3 issues CPU_ON for virt_id 1 (CPU 5); CPU 5 must resume
// at the given entry with the context word in r1 and wait_for_poweron
// cleared.
func TestScenarioSecondaryBoot(t *testing.T) {
	core, _, _ := newTestCore(t, []int{3, 5})
	if _, err := core.CreateCell(1, []int{3, 5}, false); err != nil {
		t.Fatalf("CreateCell: %v", err)
	}

	primary := core.CPU(3)
	secondary := core.CPU(5)
	if !secondary.WaitingForPowerOn() {
		t.Fatalf("secondary cpu not waiting for power on after cell create")
	}

	const entry = uint64(0x80001000)
	const ctx = uint64(0xCAFE)
	result := core.DispatchPSCI(primary, PSCICPUOn64, uint64(secondary.VirtID()), entry, ctx)
	if result != PSCISuccess {
		t.Fatalf("DispatchPSCI(CPU_ON) = %d, want SUCCESS", result)
	}

	select {
	case <-secondary.kick:
	default:
		t.Fatalf("secondary cpu was not kicked by CPU_ON")
	}
	secondary.CheckEvents()

	if secondary.WaitingForPowerOn() {
		t.Fatalf("secondary cpu still waiting for power on after reset")
	}
	secondary.mu.Lock()
	gotPC := secondary.frame.PC
	gotR1 := secondary.frame.Usr[1]
	secondary.mu.Unlock()
	if gotPC != entry {
		t.Errorf("secondary PC = 0x%x, want 0x%x", gotPC, entry)
	}
	if gotR1 != uint32(ctx) {
		t.Errorf("secondary r1 = 0x%x, want 0x%x", gotR1, ctx)
	}
}

// Scenario: condition-failed trap. An MCR trapped with cond=EQ while
// Z=0 must be skipped with no register touched, PC advanced by 4, and
// counted as a TRAP exit.
func TestScenarioConditionFailedTrapSkipsWithNoSideEffects(t *testing.T) {
	core, _, _ := newTestCore(t, []int{0})
	cpu := core.CPU(0)

	cpu.frame.PSR = 0 // N=Z=C=V=0, so Z=0
	cpu.frame.PC = 0x1000
	cpu.frame.Usr[2] = 0x11111111 // must remain untouched

	iss := uint32(1)<<24 | uint32(CondEQ)<<20 // CondValid, cond=EQ
	raw := uint32(ECCP15_32)<<26 | 1<<25 | iss // IL=1 (32-bit)

	if err := core.HandleTrap(cpu, raw); err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}

	if cpu.frame.PC != 0x1004 {
		t.Errorf("PC = 0x%x, want 0x1004 (skipped by 4)", cpu.frame.PC)
	}
	if cpu.frame.Usr[2] != 0x11111111 {
		t.Errorf("r2 = 0x%x, mutated by a trap that should have been skipped", cpu.frame.Usr[2])
	}
	if got := cpu.Counters.Value(vmexit.Total); got != 1 {
		t.Errorf("total exit counter = %d, want 1", got)
	}
}

// Scenario: IT-state advance. A guest PSR with IT encoding the last
// instruction of a block must clear IT entirely and advance PC by 2 on
// skip.
func TestScenarioITStateAdvanceClearsOnLastInstruction(t *testing.T) {
	frame := &GuestFrame{PC: 0x2000}
	// IT = 0b10101000: the canonical "one instruction left in the block"
	// encoding (mask low 3 bits, IT[2:0], are already zero). advanceITState
	// must clear the field to 0 on this exact pre-shift check, not merely
	// when the post-shift result happens to be zero.
	const it = uint8(0b10101000)
	frame.PSR = setITState(0, it)

	SkipInstruction(frame, false) // 16-bit Thumb encoding

	if frame.PC != 0x2002 {
		t.Errorf("PC = 0x%x, want 0x2002", frame.PC)
	}
	if got := itState(frame.PSR); got != 0 {
		t.Errorf("IT state = 0x%02x, want 0 (cleared)", got)
	}
}

// sgi64Spy is a minimal v3-style collaborator that records the raw
// ICC_SGI1R_EL1 value and the cell CPU set a dispatch handed it, without
// reimplementing the vgic package's own affinity-matching logic (that is
// exercised directly in vgic/v3_test.go).
type sgi64Spy struct {
	*fakeIRQ
	lastValue    uint64
	lastCellCPUs []int
}

func (s *sgi64Spy) SendSGIRaw64(fromCPU int, value uint64, cellCPUs []int) error {
	s.lastValue = value
	s.lastCellCPUs = append([]int(nil), cellCPUs...)
	return nil
}

// Scenario: SGI storm. A guest in a 4-CPU cell writes ICC_SGI1R with IRM
// set ("this cell, all other CPUs"). The trap dispatcher must decode the
// CP15_64 access, recognize it as v3's ICC_SGI1R_EL1, and forward the raw
// 64-bit value together with every CPU in the caller's cell to the vGIC
// router; the router (vgic.V3Controller, proven in v3_test.go) is what
// actually excludes the sender and targets the other three.
func TestScenarioSGIStormForwardsRawValueAndCellCPUSet(t *testing.T) {
	paging := newFakePaging()
	spy := &sgi64Spy{fakeIRQ: newFakeIRQ()}
	core, err := NewCore(Config{PhysicalCPUs: []int{0, 1, 2, 3}, GICVersion: 3}, paging, spy, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	if _, err := core.CreateCell(1, []int{0, 1, 2, 3}, false); err != nil {
		t.Fatalf("CreateCell: %v", err)
	}

	cpu := core.CPU(0)
	// ICC_SGI1R_EL1 layout (SPEC_FULL.md §4.7): INTID at [27:24], IRM at [40].
	const intID = uint32(3)
	const sgi1rIntIDShift = 24
	const sgi1rIRMBit = uint64(1) << 40
	value := uint64(intID)<<sgi1rIntIDShift | sgi1rIRMBit

	mode := cpu.frame.CurrentMode()
	cpu.frame.WriteReg(mode, 0, uint32(value))
	cpu.frame.WriteReg(mode, 1, uint32(value>>32))
	iss := encodeCP15_64ISS(0, 12, 0, 1, false) // opc1=0, CRm=12 == ICC_SGI1R_EL1
	raw := rawCP15_64(iss)

	if err := core.HandleTrap(cpu, raw); err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}

	if spy.lastValue != value {
		t.Errorf("router received value 0x%x, want 0x%x", spy.lastValue, value)
	}
	want := []int{0, 1, 2, 3}
	if len(spy.lastCellCPUs) != len(want) {
		t.Fatalf("router received cellCPUs=%v, want %v", spy.lastCellCPUs, want)
	}
	for i, id := range want {
		if spy.lastCellCPUs[i] != id {
			t.Errorf("router received cellCPUs=%v, want %v", spy.lastCellCPUs, want)
		}
	}
}

// Scenario: maintenance drain. num_lr=2, three virtual IRQs with distinct
// ids pending: the first two inject, the third is EBUSY until the guest
// completes one (EOI) and the maintenance IRQ fires, after which the
// third injects cleanly. The EBUSY/EOI/retry boundary itself is proven
// against the real list-register bank in vgic/vgic_test.go; this
// composes the same sequence through the Core/IRQController boundary to
// show HandlePhysIRQ's maintenance classification sits on top of it.
func TestScenarioMaintenanceDrainRefillsAfterEOI(t *testing.T) {
	core, _, irq := newTestCore(t, []int{0})
	cpu := core.CPU(0)

	if err := core.IRQ.InjectIRQ(cpu.CPUID, 40, 400, true); err != nil {
		t.Fatalf("inject 40: %v", err)
	}
	if err := core.IRQ.InjectIRQ(cpu.CPUID, 41, 401, true); err != nil {
		t.Fatalf("inject 41: %v", err)
	}

	irq.failInject = true // simulate a full 2-entry list-register window
	if err := core.IRQ.InjectIRQ(cpu.CPUID, 42, 402, true); err == nil {
		t.Fatalf("third inject into a full window unexpectedly succeeded")
	}
	irq.failInject = false

	if err := core.IRQ.EOI(cpu.CPUID, 40, true); err != nil {
		t.Fatalf("EOI: %v", err)
	}

	irq.maintenanceIRQ = maintenanceIRQForTest
	handled, err := core.HandlePhysIRQ(cpu, maintenanceIRQForTest)
	if err != nil {
		t.Fatalf("HandlePhysIRQ: %v", err)
	}
	if !handled {
		t.Fatalf("maintenance IRQ not classified as handled")
	}
	if got := cpu.Counters.Value(vmexit.Maintenance); got != 1 {
		t.Errorf("VMEXITS_MAINTENANCE = %d, want 1", got)
	}

	// The maintenance exit itself must drain the queued virt id 42
	// injection; production code, not this test, performs the replay.
	if len(irq.injected) != 3 {
		t.Fatalf("injected count = %d, want 3 (two initial plus the drained retry of 42)", len(irq.injected))
	}
	last := irq.injected[len(irq.injected)-1]
	if last.virtID != 42 || last.physID != 402 {
		t.Errorf("drained entry = %+v, want virtID=42 physID=402", last)
	}
}

// maintenanceIRQForTest is an arbitrary physical IRQ number this scenario
// configures as fakeIRQ's maintenance IRQ before driving HandlePhysIRQ.
const maintenanceIRQForTest = uint32(25)

