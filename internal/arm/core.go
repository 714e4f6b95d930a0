package arm

import (
	"fmt"
	"sync"
)

// Config is the already-parsed machine topology the core consumes; no
// config-file loader lives in this package (§10 Configuration).
type Config struct {
	// PhysicalCPUs lists every physical CPU id the hypervisor manages.
	PhysicalCPUs []int
	// GICVersion is 2 or 3, selecting the vGIC SGI/MMIO encoding (§4.7).
	GICVersion int
}

// Core is the top-level wiring point: one per-CPU record per configured
// physical CPU, the set of live cells, and the external collaborators
// (§6) the rest of this package calls through.
type Core struct {
	Paging Paging
	IRQ    IRQController
	SMC    SMCGateway

	gicVersion int

	mu    sync.Mutex
	cpus  map[int]*PerCPU
	cells map[int]*Cell
}

// NewCore builds a Core from cfg and its collaborators. paging and irq
// must not be nil; smc may be nil if secure-monitor passthrough is
// unused by the configuration.
func NewCore(cfg Config, paging Paging, irq IRQController, smc SMCGateway) (*Core, error) {
	if paging == nil {
		return nil, fmt.Errorf("arm: NewCore: paging collaborator is nil")
	}
	if irq == nil {
		return nil, fmt.Errorf("arm: NewCore: irq collaborator is nil")
	}
	if len(cfg.PhysicalCPUs) == 0 {
		return nil, fmt.Errorf("arm: NewCore: no physical CPUs configured")
	}

	core := &Core{
		Paging:     paging,
		IRQ:        irq,
		SMC:        smc,
		gicVersion: cfg.GICVersion,
		cpus:       make(map[int]*PerCPU, len(cfg.PhysicalCPUs)),
		cells:      make(map[int]*Cell),
	}
	for _, id := range cfg.PhysicalCPUs {
		core.cpus[id] = newPerCPU(core, id)
	}
	if err := irq.Init(); err != nil {
		return nil, fmt.Errorf("arm: NewCore: irqchip init: %w", err)
	}
	for _, id := range cfg.PhysicalCPUs {
		if err := irq.CPUInit(id); err != nil {
			return nil, fmt.Errorf("arm: NewCore: irqchip cpu_init(%d): %w", id, err)
		}
		if err := irq.EnableMaintIRQ(id); err != nil {
			return nil, fmt.Errorf("arm: NewCore: irqchip enable_maint_irq(%d): %w", id, err)
		}
	}
	return core, nil
}

func (core *Core) cpu(id int) *PerCPU {
	core.mu.Lock()
	defer core.mu.Unlock()
	return core.cpus[id]
}

// CPU returns the per-CPU record for physical CPU id, or nil if id is
// not part of this configuration.
func (core *Core) CPU(id int) *PerCPU {
	return core.cpu(id)
}

// Cell looks up a live cell by id.
func (core *Core) Cell(id int) (*Cell, bool) {
	core.mu.Lock()
	defer core.mu.Unlock()
	cell, ok := core.cells[id]
	return cell, ok
}
