package arm

import "github.com/tinyrange/armvisor/internal/mmio"

// This file names the collaborators the core treats as external (§6):
// stage-2 paging, the MMIO dispatch framework, the secure-monitor
// gateway, and the virtual interrupt controller. Paging, console and spin
// primitives are genuinely out of scope and are represented only as the
// interfaces a real integration would supply; the vGIC driver (in scope)
// is represented by the IRQController interface its two concrete
// implementations (vgic.Controller, vgic.V3Controller) satisfy structurally, so this
// package never imports the vgic package and there is no import cycle.

// Paging is the stage-2 address space collaborator. A cell's create/
// destroy path calls it to build and tear down guest-physical mappings;
// the core never inspects page tables itself.
type Paging interface {
	CreateSpace(cellID int) (PagingSpace, error)
	DestroySpace(space PagingSpace) error
	MapDevice(space PagingSpace, guestPhys, hostPhys, size uint64) error
	VCPUInit(space PagingSpace) error
	FlushTLBs(space PagingSpace)
}

// PagingSpace is an opaque handle returned by Paging.CreateSpace.
type PagingSpace interface{}

// SMCGateway forwards a non-PSCI secure-monitor call to firmware and
// returns its four result registers, per the raw four-argument SMC
// passthrough contract.
type SMCGateway interface {
	Call(a0, a1, a2, a3 uint64) (r0, r1, r2, r3 uint64)
}

// SGIRoutingMode selects how an SGI descriptor's target field is
// interpreted.
type SGIRoutingMode int

const (
	SGIRouteTargetList SGIRoutingMode = iota
	SGIRouteAllOtherCPUs
	SGIRouteSelf
)

// SGIDescriptor is architecture-neutral SGI routing information the core
// hands to the IRQController; v2/v3-specific register encoding lives in
// the vgic subpackage.
type SGIDescriptor struct {
	Mode    SGIRoutingMode
	Targets uint8 // v2: 8-bit CPU target bitmap; ignored for RouteAllOtherCPUs/RouteSelf
	ID      uint8 // 4-bit SGI id
}

// IRQController is the vGIC driver's contract with the core (§4.7). Two
// concrete implementations exist, selected at cell-configuration time: a
// GICv2 controller and a GICv3 controller (SGI encoding and MMIO map
// differ; list-register management does not).
type IRQController interface {
	Init() error
	CPUInit(cpuID int) error
	CPUReset(cpuID int, rootShutdown bool) error
	CellInit(cellID int, cpus []int, registry *mmio.Registry) error
	CellExit(cellID int) error
	AdjustIRQTarget(cpus []int, irqID uint32) error
	SendSGI(fromCPU int, desc SGIDescriptor, cellCPUs []int) error
	HandleIRQ(cpuID int, physIRQ uint32) (handled bool, err error)
	InjectIRQ(cpuID int, virtID uint32, physID uint32, hw bool) error
	EOI(cpuID int, id uint32, deactivate bool) error
	EnableMaintIRQ(cpuID int) error
}

// sgi64Router is an optional capability: only a GICv3 controller decodes
// a 64-bit ICC_SGI1R write. A GICv2 controller simply doesn't implement
// it, and the CP15_64 handler never reaches this path under a v2
// configuration (§4.3).
type sgi64Router interface {
	SendSGIRaw64(fromCPU int, value uint64, cellCPUs []int) error
}
