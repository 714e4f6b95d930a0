package arm

import (
	"fmt"
	"sort"

	"github.com/tinyrange/armvisor/internal/debug"
	"github.com/tinyrange/armvisor/internal/mmio"
)

var cellLog = debug.WithSource("cell")

// Cell is a static partition: a disjoint set of physical CPUs, a stage-2
// address space, and the vGIC's per-cell state (§3).
type Cell struct {
	ID          int
	root        bool
	cpuIDs      []int // ascending physical CPU order
	lastVirtID  int
	pagingSpace PagingSpace
	mmio        *mmio.Registry
}

// IsRoot reports whether this is the root cell (the one the vGIC's
// shutdown path treats specially, leaving guest PPIs enabled).
func (c *Cell) IsRoot() bool {
	return c != nil && c.root
}

// CPUs returns the cell's physical CPU ids in ascending order.
func (c *Cell) CPUs() []int {
	out := make([]int, len(c.cpuIDs))
	copy(out, c.cpuIDs)
	return out
}

// CreateCell implements arch_cell_create (§4.6): builds the stage-2
// space, assigns virtual ids in ascending physical-CPU order, and asks
// the irqchip to initialise per-cell state, unwinding on failure.
func (core *Core) CreateCell(id int, cpuIDs []int, root bool) (*Cell, error) {
	sorted := append([]int(nil), cpuIDs...)
	sort.Ints(sorted)

	space, err := core.Paging.CreateSpace(id)
	if err != nil {
		return nil, fmt.Errorf("arm: cell %d: create paging space: %w", id, err)
	}

	cell := &Cell{
		ID:          id,
		root:        root,
		cpuIDs:      sorted,
		lastVirtID:  len(sorted) - 1,
		pagingSpace: space,
		mmio:        mmio.NewRegistry(),
	}

	for i, cpuID := range sorted {
		cpu := core.cpu(cpuID)
		if cpu == nil {
			_ = core.Paging.DestroySpace(space)
			return nil, fmt.Errorf("arm: cell %d: unknown physical cpu %d", id, cpuID)
		}
		cpu.mu.Lock()
		cpu.cell = cell
		cpu.virtID = i
		if i == 0 {
			cpu.cpuOnEntry = 0
		} else {
			cpu.cpuOnEntry = InvalidAddress
			cpu.waitForPowerOn = true
		}
		cpu.mu.Unlock()
	}

	if core.IRQ != nil {
		if err := core.IRQ.CellInit(id, sorted, cell.mmio); err != nil {
			_ = core.Paging.DestroySpace(space)
			return nil, fmt.Errorf("arm: cell %d: irqchip init: %w", id, err)
		}
	}

	core.mu.Lock()
	core.cells[id] = cell
	core.mu.Unlock()

	cellLog.Writef("cell %d created, cpus=%v, root=%v", id, sorted, root)
	return cell, nil
}

// DestroyCell implements arch_cell_destroy (§4.6): reclaims every CPU to
// root-cell numbering and tears down irqchip/paging state.
func (core *Core) DestroyCell(cell *Cell) error {
	for _, cpuID := range cell.cpuIDs {
		cpu := core.cpu(cpuID)
		if cpu == nil {
			continue
		}
		cpu.mu.Lock()
		cpu.virtID = cpu.CPUID
		cpu.cpuOnEntry = InvalidAddress
		cpu.cell = nil
		cpu.mu.Unlock()
	}

	if core.IRQ != nil {
		if err := core.IRQ.CellExit(cell.ID); err != nil {
			cellLog.Writef("cell %d: irqchip exit failed: %v", cell.ID, err)
		}
	}
	if err := core.Paging.DestroySpace(cell.pagingSpace); err != nil {
		return fmt.Errorf("arm: cell %d: destroy paging space: %w", cell.ID, err)
	}

	core.mu.Lock()
	delete(core.cells, cell.ID)
	core.mu.Unlock()

	cellLog.Writef("cell %d destroyed", cell.ID)
	return nil
}

// FlushCellVCPUCaches implements flush_cell_vcpu_caches: the calling CPU
// flushes inline, every other CPU in the cell gets its flag set for its
// next event-loop pass.
func (core *Core) FlushCellVCPUCaches(cell *Cell, callingCPU int) {
	for _, cpuID := range cell.cpuIDs {
		cpu := core.cpu(cpuID)
		if cpu == nil {
			continue
		}
		if cpuID == callingCPU {
			cpu.flushTLBsLocked()
			continue
		}
		cpu.mu.Lock()
		cpu.flushVCPUCaches = true
		cpu.mu.Unlock()
		cpu.Kick()
	}
}

// virt2phys implements arm_cpu_virt2phys: a linear scan of the cell's CPU
// set for the physical CPU whose current virt_id matches.
func (cell *Cell) virt2phys(core *Core, virtID int) (int, bool) {
	for _, cpuID := range cell.cpuIDs {
		cpu := core.cpu(cpuID)
		if cpu == nil {
			continue
		}
		if cpu.VirtID() == virtID {
			return cpuID, true
		}
	}
	return 0, false
}
