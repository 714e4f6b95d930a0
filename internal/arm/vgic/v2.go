package vgic

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/armvisor/internal/arm"
	"github.com/tinyrange/armvisor/internal/mmio"
)

// GICv2 distributor/CPU-interface register offsets (§6, bit-exact names).
const (
	GICDISEnabler = 0x100
	GICDICEnabler = 0x180
	GICDISActiver = 0x300
	GICDITargetsR = 0x800
	GICDSGIR      = 0xF00
	GICCCTLR      = 0x00
	GICCPMR       = 0x04
	GICCEOIR      = 0x10
	GICCDIR       = 0x1000
	GICHHCR       = 0x00
	GICHVTR       = 0x04
	GICHVMCR      = 0x08
	GICHAPR       = 0xF0
	GICHELSR0     = 0x30
	GICHELSR1     = 0x34

	// v2DefaultDistributorBase is the guest-physical address CellInit
	// registers the distributor at when Config.DistributorBase is zero.
	v2DefaultDistributorBase = 0x2C010000
	// v2DistributorSize covers GICD_SGIR, the highest offset this driver
	// decodes.
	v2DistributorSize = 0x1000
)

// Config configures a V2 controller at construction.
type Config struct {
	NumLR           int
	MaintenanceIRQ  uint32
	PhysicalCPUIDs  []int
	DistributorBase uint64 // guest-physical base; defaults to v2DefaultDistributorBase if zero
}

// Controller is the GICv2 implementation of arm.IRQController.
type Controller struct {
	numLR          int
	maintenanceIRQ uint32
	distBase       uint64

	mu       sync.Mutex
	banks    map[int]*lrBank
	itargets map[uint32]uint8 // irq id -> CPU target bitmap
	rootCell int
}

var _ arm.IRQController = (*Controller)(nil)

// NewController builds a GICv2 vGIC driver for the given physical CPUs.
func NewController(cfg Config) *Controller {
	distBase := cfg.DistributorBase
	if distBase == 0 {
		distBase = v2DefaultDistributorBase
	}
	c := &Controller{
		numLR:          cfg.NumLR,
		maintenanceIRQ: cfg.MaintenanceIRQ,
		distBase:       distBase,
		banks:          make(map[int]*lrBank, len(cfg.PhysicalCPUIDs)),
		itargets:       make(map[uint32]uint8),
	}
	for _, id := range cfg.PhysicalCPUIDs {
		c.banks[id] = newLRBank(cfg.NumLR)
	}
	return c
}

// distributorMMIO serves the distributor region CellInit registers for one
// cell: GICD_SGIR writes become a SendSGI call, GICD_ITARGETSR is backed
// directly by itargets, and every other offset reads as zero / ignores
// writes (this driver models only what the spec's testable scenarios
// exercise).
type distributorMMIO struct {
	c    *Controller
	cpus []int
}

func decodeSGIR(value uint32) arm.SGIDescriptor {
	filter := (value >> 24) & 0x3
	targets := uint8(value >> 16)
	id := uint8(value & 0xF)
	mode := arm.SGIRouteTargetList
	switch filter {
	case 1:
		mode = arm.SGIRouteAllOtherCPUs
	case 2:
		mode = arm.SGIRouteSelf
	}
	return arm.SGIDescriptor{Mode: mode, Targets: targets, ID: id}
}

func (d *distributorMMIO) ReadMMIO(access mmio.Access, addr uint64, data []byte) error {
	off := addr - d.c.distBase
	if off >= GICDITargetsR && off < GICDITargetsR+1024 && len(data) > 0 {
		irq := uint32(off - GICDITargetsR)
		d.c.mu.Lock()
		data[0] = d.c.itargets[irq]
		d.c.mu.Unlock()
		return nil
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (d *distributorMMIO) WriteMMIO(access mmio.Access, addr uint64, data []byte) error {
	off := addr - d.c.distBase
	switch {
	case off == GICDSGIR:
		if len(data) < 4 {
			return fmt.Errorf("vgic: GICD_SGIR write shorter than 4 bytes")
		}
		desc := decodeSGIR(binary.LittleEndian.Uint32(data))
		return d.c.SendSGI(int(access.CPU), desc, d.cpus)
	case off >= GICDITargetsR && off < GICDITargetsR+1024:
		if len(data) == 0 {
			return nil
		}
		irq := uint32(off - GICDITargetsR)
		d.c.mu.Lock()
		d.c.itargets[irq] = data[0]
		d.c.mu.Unlock()
		return nil
	default:
		return nil
	}
}

func (c *Controller) bank(cpuID int) *lrBank {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banks[cpuID]
}

// Init maps the physical interface pages and reads num_lr from the
// capacity register; both are supplied at construction time here since
// this driver has no real hardware behind it.
func (c *Controller) Init() error {
	log.Writef("gicv2: init, num_lr=%d, maintenance_irq=%d", c.numLR, c.maintenanceIRQ)
	return nil
}

// CPUInit sets HCR.EN and clears the list registers (§4.7 "Per-CPU
// init"). The maintenance PPI is enabled separately by EnableMaintIRQ;
// VMCR and IPI enable state are not modeled.
func (c *Controller) CPUInit(cpuID int) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: gicv2 CPUInit: unknown cpu %d", cpuID)
	}
	b.mu.Lock()
	b.hcrEnabled = true
	b.mu.Unlock()
	b.clear()
	return nil
}

// CPUReset clears the list registers and sets HCR.EN, or clears it on the
// root cell's shutdown path (§4.7 "Per-CPU reset"). PPI active and enable
// state is not modeled, so no PPI is deactivated or re-enabled here.
func (c *Controller) CPUReset(cpuID int, rootShutdown bool) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: gicv2 CPUReset: unknown cpu %d", cpuID)
	}
	b.clear()
	b.mu.Lock()
	if rootShutdown {
		b.hcrEnabled = false
	} else {
		b.hcrEnabled = true
	}
	b.mu.Unlock()
	return nil
}

// CellInit registers the distributor's MMIO region with the cell and, as
// gic_cell_init does, reassigns any IRQ currently routed outside the new
// cell's CPU set to that cell's first CPU.
func (c *Controller) CellInit(cellID int, cpus []int, registry *mmio.Registry) error {
	log.Writef("gicv2: cell %d init, cpus=%v", cellID, cpus)

	c.mu.Lock()
	irqs := make([]uint32, 0, len(c.itargets))
	for irq := range c.itargets {
		irqs = append(irqs, irq)
	}
	c.mu.Unlock()
	for _, irq := range irqs {
		if err := c.AdjustIRQTarget(cpus, irq); err != nil {
			return fmt.Errorf("vgic: gicv2 cell %d init: adjust irq %d: %w", cellID, irq, err)
		}
	}

	if registry == nil {
		return nil
	}
	handler := &distributorMMIO{c: c, cpus: append([]int(nil), cpus...)}
	if err := registry.Register(c.distBase, v2DistributorSize, handler); err != nil {
		return fmt.Errorf("vgic: gicv2 cell %d init: register distributor: %w", cellID, err)
	}
	return nil
}

// CellExit only logs the exit; the distributor region CellInit registered
// stays in the cell's registry.
func (c *Controller) CellExit(cellID int) error {
	log.Writef("gicv2: cell %d exit", cellID)
	return nil
}

// AdjustIRQTarget rewrites ITARGETSR for irqID to the first CPU of cpus
// if its current target isn't already one of them (§4.7 "Target adjust").
func (c *Controller) AdjustIRQTarget(cpus []int, irqID uint32) error {
	if len(cpus) == 0 {
		return fmt.Errorf("vgic: AdjustIRQTarget: empty cpu set")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.itargets[irqID]
	for _, cpuID := range cpus {
		if current&(1<<uint(cpuID)) != 0 {
			return nil
		}
	}
	c.itargets[irqID] = 1 << uint(cpus[0])
	return nil
}

// SendSGI validates the SGI id and injects it into every CPU the
// descriptor selects.
func (c *Controller) SendSGI(fromCPU int, desc arm.SGIDescriptor, cellCPUs []int) error {
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
			log.Writef("gicv2: SendSGI to cpu %d failed: %v", id, err)
		}
	}
	return nil
}

// EnableMaintIRQ enables the maintenance PPI at the (virtual) distributor
// for cpuID (§4.7 "Per-CPU init").
func (c *Controller) EnableMaintIRQ(cpuID int) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: EnableMaintIRQ: unknown cpu %d", cpuID)
	}
	b.mu.Lock()
	b.maintIRQEnabled = true
	b.mu.Unlock()
	return nil
}

// HandleIRQ classifies a physical IRQ at exit (§4.7 "IRQ classification
// at exit"): the maintenance IRQ drains the pending-injection queue and
// is reported handled; every other IRQ is marked pending for the guest
// and reported not handled.
func (c *Controller) HandleIRQ(cpuID int, physIRQ uint32) (bool, error) {
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
func (c *Controller) InjectIRQ(cpuID int, virtID uint32, physID uint32, hw bool) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: InjectIRQ: unknown cpu %d", cpuID)
	}
	return b.inject(virtID, physID, hw)
}

// EOI writes EOIR and, in split-EOI mode, DIR.
func (c *Controller) EOI(cpuID int, id uint32, deactivate bool) error {
	b := c.bank(cpuID)
	if b == nil {
		return fmt.Errorf("vgic: EOI: unknown cpu %d", cpuID)
	}
	b.eoi(id, deactivate)
	return nil
}

// HasFreeListRegister reports whether cpuID's list-register window has a
// free slot, the condition that should retry a previously EBUSY inject
// after a maintenance IRQ drain.
func (c *Controller) HasFreeListRegister(cpuID int) bool {
	b := c.bank(cpuID)
	return b != nil && b.hasFreeSlot()
}

// ListRegisters returns a snapshot of cpuID's valid list-register
// entries, for tests and diagnostics.
func (c *Controller) ListRegisters(cpuID int) []ListRegister {
	b := c.bank(cpuID)
	if b == nil {
		return nil
	}
	return b.snapshot()
}
