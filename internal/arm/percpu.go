package arm

import (
	"context"
	"runtime"
	"sync"

	"github.com/tinyrange/armvisor/internal/debug"
	"github.com/tinyrange/armvisor/internal/vmexit"
)

// InvalidAddress is the cpu_on_entry sentinel meaning "not yet powered on".
const InvalidAddress uint64 = ^uint64(0)

var percpuLog = debug.WithSource("percpu")

// PerCPU is one physical CPU's record, initialised once and addressable
// for the lifetime of the process (§3, §9 "global per-CPU table").
type PerCPU struct {
	CPUID  int
	core   *Core

	mu sync.Mutex // the per-CPU spinlock guarding everything below

	virtID       int
	cell         *Cell
	frame        GuestFrame
	sys          SystemRegisters
	cpuOnEntry   uint64
	cpuOnContext uint64

	park            bool
	reset           bool
	suspendCPU      bool
	cpuSuspended    bool
	waitForPowerOn  bool
	flushVCPUCaches bool
	shutdown        bool

	Counters vmexit.Counters

	// kick is the event-IPI channel: arm_cpu_kick sends on it, the run
	// loop (or a direct call to CheckEvents in tests) receives. It is
	// buffered 1 so repeated kicks before the target reacts coalesce,
	// exactly as a level-triggered SGI would.
	kick chan struct{}
}

func newPerCPU(core *Core, cpuID int) *PerCPU {
	return &PerCPU{
		CPUID:      cpuID,
		core:       core,
		virtID:     cpuID,
		cpuOnEntry: InvalidAddress,
		kick:       make(chan struct{}, 1),
	}
}

// VirtID returns the CPU's current position within its cell's CPU set.
func (c *PerCPU) VirtID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.virtID
}

// Cell returns the cell this CPU currently belongs to, or nil.
func (c *PerCPU) Cell() *Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cell
}

// WaitingForPowerOn reports whether the CPU is parked awaiting CPU_ON.
func (c *PerCPU) WaitingForPowerOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitForPowerOn
}

// ResetAddress returns the address PSCI's AArch64 spin-table contract
// exposes for a not-yet-booted CPU: zero until cpu_on_entry is set, then
// cpu_on_entry (§9 Open Questions).
func (c *PerCPU) ResetAddress() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cpuOnEntry == InvalidAddress {
		return 0
	}
	return c.cpuOnEntry
}

// kickLocked signals the event-IPI channel without blocking.
func (c *PerCPU) kickLocked() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Kick sends an SGI_EVENT-class IPI to this CPU, waking its event loop.
func (c *PerCPU) Kick() {
	c.kickLocked()
}

// Run drives the per-CPU event loop: block for a kick, then run the
// control state machine, until ctx is cancelled. Cancellation is used
// only for orderly shutdown of the simulated machine (§5): it never
// interrupts a control-FSM pass in progress, matching "operations either
// complete or the hypervisor panics".
func (c *PerCPU) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
			c.CheckEvents()
		}
	}
}

// CheckEvents is the core per-CPU control FSM (§4.5), run under the
// CPU's own lock whenever it wakes from an event IPI.
func (c *PerCPU) CheckEvents() {
	c.mu.Lock()

	doReset := false
	for {
		if c.suspendCPU {
			c.cpuSuspended = true
		}
		c.mu.Unlock()
		for c.suspendBusy() {
			runtime.Gosched()
		}
		c.mu.Lock()

		if !c.suspendCPU {
			c.cpuSuspended = false
			if c.park {
				c.enterOffLocked()
				break
			}
			if c.reset {
				c.reset = false
				if c.cpuOnEntry != InvalidAddress {
					c.waitForPowerOn = false
					doReset = true
					break
				}
				c.enterOffLocked()
				break
			}
			break
		}
	}

	waitForPowerOn := c.waitForPowerOn
	if c.flushVCPUCaches {
		c.flushTLBsLocked()
		c.flushVCPUCaches = false
	}
	c.mu.Unlock()

	if waitForPowerOn {
		c.parkSelf()
	} else if doReset {
		c.cpuReset()
	}
}

func (c *PerCPU) suspendBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspendCPU
}

// enterOffLocked must be called with mu held.
func (c *PerCPU) enterOffLocked() {
	c.park = false
	c.waitForPowerOn = true
}

func (c *PerCPU) flushTLBsLocked() {
	if c.core != nil && c.core.Paging != nil && c.cell != nil {
		c.core.Paging.FlushTLBs(c.cell.pagingSpace)
	}
}

// parkSelf performs the full architectural reset (banked registers,
// system registers and PC all zeroed) and resets the vGIC CPU interface.
// It installs no parking stage-2 map: no Paging call is made here.
func (c *PerCPU) parkSelf() {
	c.mu.Lock()
	c.frame.Reset()
	c.sys = SystemRegisters{}
	c.frame.PC = 0
	cell := c.cell
	c.mu.Unlock()

	if c.core != nil && c.core.IRQ != nil {
		if err := c.core.IRQ.CPUReset(c.CPUID, cell == nil || cell.IsRoot()); err != nil {
			percpuLog.Writef("cpu %d: vGIC reset during park failed: %v", c.CPUID, err)
		}
	}
	percpuLog.Writef("cpu %d parked", c.CPUID)
}

// cpuReset performs the architectural wipe and resumes the guest at
// cpu_on_entry, forwarding the CPU_ON context word into r1/x1.
func (c *PerCPU) cpuReset() {
	c.mu.Lock()
	entry := c.cpuOnEntry
	ctx := c.cpuOnContext
	virtID := c.virtID
	cell := c.cell

	c.frame.Reset()
	c.sys = SystemRegisters{}
	c.frame.PC = entry
	c.frame.Usr[1] = uint32(ctx)
	c.mu.Unlock()

	if c.core != nil && c.core.IRQ != nil {
		if err := c.core.IRQ.CPUReset(c.CPUID, false); err != nil {
			percpuLog.Writef("cpu %d: vGIC reset failed: %v", c.CPUID, err)
		}
	}
	percpuLog.Writef("cpu %d reset: entry=0x%x ctx=0x%x vmpidr=%d cell=%v", c.CPUID, entry, ctx, virtID, cell != nil)
}

// SuspendCPU implements arch_suspend_cpu: it returns only once the target
// is guaranteed to be spinning in the suspend window, not executing
// guest code.
func (c *PerCPU) SuspendCPU() {
	c.mu.Lock()
	c.suspendCPU = true
	alreadySuspended := c.cpuSuspended
	c.mu.Unlock()

	if !alreadySuspended {
		c.Kick()
	}
	for !c.suspendedNow() {
		runtime.Gosched()
	}
}

func (c *PerCPU) suspendedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cpuSuspended
}

// ResumeCPU implements arch_resume_cpu: clears suspend_cpu; the target
// observes the clear on its next poll and proceeds.
func (c *PerCPU) ResumeCPU() {
	c.mu.Lock()
	c.suspendCPU = false
	c.mu.Unlock()
}

// ResetCPU implements arch_reset_cpu: sets reset, then resumes so a
// suspended target drops through the check; a running target re-enters
// the loop on its next kick.
func (c *PerCPU) ResetCPU() {
	c.mu.Lock()
	c.reset = true
	c.mu.Unlock()
	c.ResumeCPU()
	c.Kick()
}

// ParkCPU implements arch_park_cpu.
func (c *PerCPU) ParkCPU() {
	c.mu.Lock()
	c.park = true
	c.mu.Unlock()
	c.ResumeCPU()
	c.Kick()
}
