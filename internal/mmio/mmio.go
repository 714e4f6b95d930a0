// Package mmio stands in for the cell-configuration and stage-2 paging
// machinery that the arch core treats as an external collaborator (the
// "MMIO-dispatch framework" of the external interface): deciding which
// guest-physical addresses fault into the hypervisor at all is out of
// scope, but something still has to own the registration the vGIC driver
// makes for its distributor/redistributor frames (gic_cell_init) and route
// a trapped access to the right handler. This package is that narrow
// registry: one handler per non-overlapping region within a single cell.
package mmio

import "fmt"

// Access describes one trapped load or store that fell inside a registered
// region. CPU is the physical CPU id that trapped; Write distinguishes a
// store from a load.
type Access struct {
	CPU   uint32
	Write bool
}

// Region is a byte range of guest physical address space.
type Region struct {
	Address uint64
	Size    uint64
}

func (r Region) contains(addr uint64, accessSize uint64) bool {
	end := addr + accessSize
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

func (r Region) overlaps(other Region) bool {
	end := r.Address + r.Size
	otherEnd := other.Address + other.Size
	return r.Address < otherEnd && other.Address < end
}

// Handler serves reads and writes within a region it has registered.
type Handler interface {
	ReadMMIO(access Access, addr uint64, data []byte) error
	WriteMMIO(access Access, addr uint64, data []byte) error
}

type binding struct {
	region  Region
	handler Handler
}

// Registry dispatches MMIO accesses within one cell to whichever handler
// claimed the containing region. The zero value is not usable; build one
// with NewRegistry.
type Registry struct {
	bindings []binding
}

// NewRegistry returns an empty Registry, one per cell.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register claims [base, base+size) for handler, mirroring
// mmio_region_register(cell, base, size, handler, ctx) from the external
// interface. It fails if the region overlaps one already registered in
// this cell.
func (r *Registry) Register(base, size uint64, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("mmio: handler for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("mmio: region at 0x%x has zero size", base)
	}
	region := Region{Address: base, Size: size}
	for _, existing := range r.bindings {
		if region.overlaps(existing.region) {
			return fmt.Errorf("mmio: region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				base, base+size-1, existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}
	r.bindings = append(r.bindings, binding{region: region, handler: handler})
	return nil
}

// Unregister drops whichever binding starts at base, if any. Used when a
// cell is torn down (gic_cell_exit and friends).
func (r *Registry) Unregister(base uint64) {
	for i, b := range r.bindings {
		if b.region.Address == base {
			r.bindings = append(r.bindings[:i], r.bindings[i+1:]...)
			return
		}
	}
}

// Dispatch routes one access to the handler claiming addr, failing if no
// registered region covers the full [addr, addr+len(data)) span.
func (r *Registry) Dispatch(access Access, addr uint64, data []byte, write bool) error {
	for _, b := range r.bindings {
		if b.region.contains(addr, uint64(len(data))) {
			if write {
				return b.handler.WriteMMIO(access, addr, data)
			}
			return b.handler.ReadMMIO(access, addr, data)
		}
	}
	return fmt.Errorf("mmio: no handler for address 0x%016x", addr)
}
