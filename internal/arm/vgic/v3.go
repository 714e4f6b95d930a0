package vgic

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/armvisor/internal/arm"
	"github.com/tinyrange/armvisor/internal/mmio"
)

// GICv3 redistributor register offsets and ICC_SGI1R_EL1 bit layout
// (SPEC_FULL.md §4.7 "v3 divergence").
const (
	GICRCTLR       = 0x0000
	GICRWAKER      = 0x0014
	GICRISEnabler0 = 0x100 + 0x10000
	GICDIROuter    = 0x6100 // 64-bit per-SPI routing register base

	sgi1rAff3Shift  = 48
	sgi1rRSShift    = 44
	sgi1rIRMBit     = 1 << 40
	sgi1rAff2Shift  = 32
	sgi1rIntIDShift = 24
	sgi1rIntIDMask  = 0xF
	sgi1rTargetMask = 0xFFFF
	sgi1rAff1Shift  = 16

	// v3DefaultDistributorBase is the guest-physical address CellInit
	// registers the combined GICD+GICR region at when
	// V3Config.DistributorBase is zero.
	v3DefaultDistributorBase = 0x2F000000
	// v3GICDSize is the span of the shared distributor sub-region
	// (covers GICD_IROUTER for every SPI this driver tracks); the
	// per-CPU redistributor frames start immediately above it.
	v3GICDSize = 0x10000
	// v3RedistFrameSize is the combined RD_base+SGI_base stride real
	// GICv3 redistributors use per CPU.
	v3RedistFrameSize = 0x20000
)

// V3Config configures a V3 controller at construction.
type V3Config struct {
	NumLR           int
	MaintenanceIRQ  uint32
	PhysicalCPUIDs  []int
	DistributorBase uint64 // guest-physical base; defaults to v3DefaultDistributorBase if zero
}

// V3Controller is the GICv3 implementation of arm.IRQController, using
// per-CPU redistributors in place of v2's shared byte-wide ITARGETSR and
// a 64-bit ICC_SGI1R_EL1 SGI generation register in place of v2's
// 32-bit GICD_SGIR.
type V3Controller struct {
	numLR          int
	maintenanceIRQ uint32
	distBase       uint64

	mu      sync.Mutex
	banks   map[int]*lrBank
	irouter map[uint32]uint64 // irq id -> Aff3.Aff2.Aff1.Aff0 affinity route
	mpidr   map[int]uint64    // physical cpu id -> simulated MPIDR_EL1.Aff[3:0]
}

var _ arm.IRQController = (*V3Controller)(nil)

// NewV3Controller builds a GICv3 vGIC driver for the given physical CPUs,
// assigning each a single-cluster MPIDR (Aff1=0, Aff0=cpuID) unless
// SetAffinity overrides it.
func NewV3Controller(cfg V3Config) *V3Controller {
	distBase := cfg.DistributorBase
	if distBase == 0 {
		distBase = v3DefaultDistributorBase
	}
	c := &V3Controller{
		numLR:          cfg.NumLR,
		maintenanceIRQ: cfg.MaintenanceIRQ,
		distBase:       distBase,
		banks:          make(map[int]*lrBank, len(cfg.PhysicalCPUIDs)),
		irouter:        make(map[uint32]uint64),
		mpidr:          make(map[int]uint64, len(cfg.PhysicalCPUIDs)),
	}
	for _, id := range cfg.PhysicalCPUIDs {
		c.banks[id] = newLRBank(cfg.NumLR)
		c.mpidr[id] = uint64(id) & 0xFF
	}
	return c
}

// v3DistributorMMIO serves the combined GICD+GICR region CellInit
// registers for one cell: the low v3GICDSize bytes decode GICD_IROUTER,
// writable straight into irouter; everything above it is one
// v3RedistFrameSize stride per CPU in the cell, where GICR_WAKER and
// GICR_ISENABLER0 are accepted but not modeled further (this driver has
// no redistributor sleep/wake power state).
type v3DistributorMMIO struct {
	c    *V3Controller
	cpus []int
}

func (d *v3DistributorMMIO) ReadMMIO(access mmio.Access, addr uint64, data []byte) error {
	off := addr - d.c.distBase
	if off < v3GICDSize {
		if off >= GICDIROuter && len(data) >= 8 {
			irq := uint32((off - GICDIROuter) / 8)
			d.c.mu.Lock()
			v := d.c.irouter[irq]
			d.c.mu.Unlock()
			binary.LittleEndian.PutUint64(data, v)
			return nil
		}
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (d *v3DistributorMMIO) WriteMMIO(access mmio.Access, addr uint64, data []byte) error {
	off := addr - d.c.distBase
	if off < v3GICDSize {
		if off >= GICDIROuter && len(data) >= 8 {
			irq := uint32((off - GICDIROuter) / 8)
			v := binary.LittleEndian.Uint64(data)
			d.c.mu.Lock()
			d.c.irouter[irq] = v
			d.c.mu.Unlock()
		}
		return nil
	}
	// GICR region: accept WAKER/ISENABLER0 writes without further effect.
	return nil
}

// SetAffinity overrides the simulated MPIDR_EL1.Aff[3:0] value used to
// match a received ICC_SGI1R_EL1 target against this physical CPU.
func (c *V3Controller) SetAffinity(cpuID int, aff uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mpidr[cpuID] = aff
}

func (c *V3Controller) bank(cpuID int) *lrBank {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banks[cpuID]
}

// Init reads the redistributor count and maintenance IRQ; both are
// supplied at construction time here since this driver has no real
// hardware behind it.
func (c *V3Controller) Init() error {
	log.Writef("gicv3: init, num_lr=%d, maintenance_irq=%d", c.numLR, c.maintenanceIRQ)
	return nil
}

// CPUInit sets HCR.EN and clears the list registers, same as v2's.
// Redistributor wake state (GICR_WAKER) is not modeled.
func (c *V3Controller) CPUInit(cpuID int) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: gicv3 CPUInit: unknown cpu %d", cpuID)
	}
	b.mu.Lock()
	b.hcrEnabled = true
	b.mu.Unlock()
	b.clear()
	return nil
}

// CPUReset clears the list registers and sets HCR.EN, or clears it on the
// root cell's shutdown path (§4.7 "Per-CPU reset"). No redistributor
// state is modeled.
func (c *V3Controller) CPUReset(cpuID int, rootShutdown bool) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: gicv3 CPUReset: unknown cpu %d", cpuID)
	}
	b.clear()
	b.mu.Lock()
	b.hcrEnabled = !rootShutdown
	b.mu.Unlock()
	return nil
}

// CellInit registers the combined distributor/redistributor MMIO region
// with the cell and, as gic_cell_init does, reassigns any SPI currently
// routed outside the new cell's CPU set to that cell's first CPU.
func (c *V3Controller) CellInit(cellID int, cpus []int, registry *mmio.Registry) error {
	log.Writef("gicv3: cell %d init, cpus=%v", cellID, cpus)

	c.mu.Lock()
	irqs := make([]uint32, 0, len(c.irouter))
	for irq := range c.irouter {
		irqs = append(irqs, irq)
	}
	c.mu.Unlock()
	for _, irq := range irqs {
		if err := c.AdjustIRQTarget(cpus, irq); err != nil {
			return fmt.Errorf("vgic: gicv3 cell %d init: adjust irq %d: %w", cellID, irq, err)
		}
	}

	if registry == nil {
		return nil
	}
	handler := &v3DistributorMMIO{c: c, cpus: append([]int(nil), cpus...)}
	size := uint64(v3GICDSize) + uint64(len(cpus))*v3RedistFrameSize
	if err := registry.Register(c.distBase, size, handler); err != nil {
		return fmt.Errorf("vgic: gicv3 cell %d init: register distributor/redistributor: %w", cellID, err)
	}
	return nil
}

// CellExit only logs the exit; the region CellInit registered stays in
// the cell's registry.
func (c *V3Controller) CellExit(cellID int) error {
	log.Writef("gicv3: cell %d exit", cellID)
	return nil
}

// AdjustIRQTarget rewrites GICD_IROUTER<n> to the affinity route of the
// first CPU in cpus if the SPI isn't already routed to one of them.
func (c *V3Controller) AdjustIRQTarget(cpus []int, irqID uint32) error {
	if len(cpus) == 0 {
		return fmt.Errorf("vgic: AdjustIRQTarget: empty cpu set")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current, routed := c.irouter[irqID]
	for _, cpuID := range cpus {
		if routed && current == c.mpidr[cpuID] {
			return nil
		}
	}
	c.irouter[irqID] = c.mpidr[cpus[0]]
	return nil
}

// SendSGI builds the equivalent of an ICC_SGI1R_EL1 write from an
// architecture-neutral descriptor and routes it the same way SendSGIRaw64
// would after decoding one. Real GICv3 hardware has no MMIO-driven SGI
// path (unlike v2's GICD_SGIR): a guest can only reach SendSGIRaw64, via
// the ICC_SGI1R_EL1 system-register trap wired in trap.go. This method
// exists only to satisfy the capability set arm.IRQController shares
// with v2 (§9); no production call site reaches it under v3.
func (c *V3Controller) SendSGI(fromCPU int, desc arm.SGIDescriptor, cellCPUs []int) error {
	if desc.ID >= 16 {
		return fmt.Errorf("vgic: SendSGI: %w", arm.ErrInvalidSGI)
	}

	var targets []int
	switch desc.Mode {
	case arm.SGIRouteSelf:
		targets = []int{fromCPU}
	case arm.SGIRouteAllOtherCPUs:
		for _, id := range cellCPUs {
			if id != fromCPU {
				targets = append(targets, id)
			}
		}
	default:
		for _, id := range cellCPUs {
			if desc.Targets&(1<<uint(id)) != 0 {
				targets = append(targets, id)
			}
		}
	}

	for _, id := range targets {
		if err := c.InjectIRQ(id, uint32(desc.ID), 0, false); err != nil {
			log.Writef("gicv3: SendSGI to cpu %d failed: %v", id, err)
		}
	}
	return nil
}

// SendSGIRaw64 decodes a raw ICC_SGI1R_EL1 value (SPEC_FULL.md §4.7's
// bit layout: Aff3[63:48], RS[47:44], IRM[40], Aff2[39:32], INTID[27:24],
// Aff1[23:16], target list[15:0]) and injects the SGI into every matching
// physical CPU in cellCPUs, or every CPU in cellCPUs except the sender
// when IRM (interrupt routing mode) requests "all others".
func (c *V3Controller) SendSGIRaw64(fromCPU int, value uint64, cellCPUs []int) error {
	intID := uint32(value>>sgi1rIntIDShift) & sgi1rIntIDMask
	aff3 := (value >> sgi1rAff3Shift) & 0xFF
	aff2 := (value >> sgi1rAff2Shift) & 0xFF
	aff1 := (value >> sgi1rAff1Shift) & 0xFF
	rs := (value >> sgi1rRSShift) & 0xF
	targetList := value & sgi1rTargetMask
	allOthers := value&sgi1rIRMBit != 0

	base := (aff3 << 24) | (aff2 << 16) | (aff1 << 8)

	c.mu.Lock()
	mpidrs := make(map[int]uint64, len(cellCPUs))
	for _, id := range cellCPUs {
		mpidrs[id] = c.mpidr[id]
	}
	c.mu.Unlock()

	for _, id := range cellCPUs {
		if allOthers {
			if id == fromCPU {
				continue
			}
		} else {
			matched := false
			for bit := uint(0); bit < 16; bit++ {
				if targetList&(1<<bit) == 0 {
					continue
				}
				if mpidrs[id] == base|(rs*16+uint64(bit)) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if err := c.InjectIRQ(id, intID, 0, false); err != nil {
			log.Writef("gicv3: SendSGIRaw64 to cpu %d failed: %v", id, err)
		}
	}
	return nil
}

// EnableMaintIRQ enables the maintenance PPI at the (virtual)
// redistributor for cpuID (§4.7 "Per-CPU init").
func (c *V3Controller) EnableMaintIRQ(cpuID int) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: EnableMaintIRQ: unknown cpu %d", cpuID)
	}
	b.mu.Lock()
	b.maintIRQEnabled = true
	b.mu.Unlock()
	return nil
}

// HandleIRQ classifies a physical IRQ at exit: the maintenance IRQ
// drains the pending-injection queue and is reported handled; every
// other IRQ is forwarded to the guest, identical to v2's rule.
func (c *V3Controller) HandleIRQ(cpuID int, physIRQ uint32) (bool, error) {
	if physIRQ == c.maintenanceIRQ {
		b := c.bank(cpuID)
		if b != nil {
			b.drainPending()
		}
		return true, nil
	}
	if err := c.InjectIRQ(cpuID, physIRQ, physIRQ, true); err != nil {
		return false, err
	}
	return false, nil
}

// InjectIRQ implements the shared list-register injection algorithm.
func (c *V3Controller) InjectIRQ(cpuID int, virtID uint32, physID uint32, hw bool) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: InjectIRQ: unknown cpu %d", cpuID)
	}
	return b.inject(virtID, physID, hw)
}

// EOI writes ICC_EOIR1_EL1 and, in split-EOI mode, ICC_DIR_EL1.
func (c *V3Controller) EOI(cpuID int, id uint32, deactivate bool) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: EOI: unknown cpu %d", cpuID)
	}
	b.eoi(id, deactivate)
	return nil
}

// HasFreeListRegister reports whether cpuID's list-register window has a
// free slot.
func (c *V3Controller) HasFreeListRegister(cpuID int) bool {
	b := c.bank(cpuID)
	return b != nil && b.hasFreeSlot()
}

// ListRegisters returns a snapshot of cpuID's valid list-register
// entries, for tests and diagnostics.
func (c *V3Controller) ListRegisters(cpuID int) []ListRegister {
	b := c.bank(cpuID)
	if b == nil {
		return nil
	}
	return b.snapshot()
}
