package arm

import (
	"fmt"
	"sync"
	"testing"

	"github.com/tinyrange/armvisor/internal/mmio"
)

// fakePagingSpace is the opaque handle fakePaging hands out.
type fakePagingSpace struct{ cellID int }

// fakePaging is a minimal Paging collaborator for tests: it tracks which
// spaces are live and how many times TLBs were flushed, without touching
// any real address space.
type fakePaging struct {
	mu      sync.Mutex
	live    map[int]bool
	flushed int
}

func newFakePaging() *fakePaging {
	return &fakePaging{live: make(map[int]bool)}
}

func (p *fakePaging) CreateSpace(cellID int) (PagingSpace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[cellID] = true
	return &fakePagingSpace{cellID: cellID}, nil
}

func (p *fakePaging) DestroySpace(space PagingSpace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := space.(*fakePagingSpace)
	if !ok {
		return fmt.Errorf("fakePaging: not a fakePagingSpace")
	}
	delete(p.live, s.cellID)
	return nil
}

func (p *fakePaging) MapDevice(space PagingSpace, guestPhys, hostPhys, size uint64) error {
	return nil
}

func (p *fakePaging) VCPUInit(space PagingSpace) error { return nil }

func (p *fakePaging) FlushTLBs(space PagingSpace) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed++
}

// fakeIRQ is a minimal IRQController collaborator for tests: it records
// calls and lets InjectIRQ/HandleIRQ be scripted per test.
type fakeIRQ struct {
	mu sync.Mutex

	initCalled      bool
	cpuInit         map[int]int
	cpuReset        map[int]int
	cellInit        map[int][]int
	cellExit        map[int]int
	injected        []injectedIRQ
	pending         []injectedIRQ
	failInject      bool
	maintenanceIRQ  uint32
	maintIRQEnabled map[int]bool
}

type injectedIRQ struct {
	cpuID  int
	virtID uint32
	physID uint32
	hw     bool
}

func newFakeIRQ() *fakeIRQ {
	return &fakeIRQ{
		cpuInit:         make(map[int]int),
		cpuReset:        make(map[int]int),
		cellInit:        make(map[int][]int),
		cellExit:        make(map[int]int),
		maintIRQEnabled: make(map[int]bool),
	}
}

func (f *fakeIRQ) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalled = true
	return nil
}

func (f *fakeIRQ) CPUInit(cpuID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpuInit[cpuID]++
	return nil
}

func (f *fakeIRQ) CPUReset(cpuID int, rootShutdown bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpuReset[cpuID]++
	return nil
}

func (f *fakeIRQ) CellInit(cellID int, cpus []int, registry *mmio.Registry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cellInit[cellID] = append([]int(nil), cpus...)
	return nil
}

func (f *fakeIRQ) EnableMaintIRQ(cpuID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maintIRQEnabled[cpuID] = true
	return nil
}

func (f *fakeIRQ) CellExit(cellID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cellExit[cellID]++
	return nil
}

func (f *fakeIRQ) AdjustIRQTarget(cpus []int, irqID uint32) error { return nil }

func (f *fakeIRQ) SendSGI(fromCPU int, desc SGIDescriptor, cellCPUs []int) error { return nil }

// HandleIRQ mirrors the real vgic driver's maintenance-exit contract: a
// match against maintenanceIRQ drains whatever InjectIRQ queued on a
// prior EBUSY, the same way production code (not the caller) performs
// the replay.
func (f *fakeIRQ) HandleIRQ(cpuID int, physIRQ uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maintenanceIRQ != 0 && physIRQ == f.maintenanceIRQ {
		remaining := f.pending[:0]
		for _, p := range f.pending {
			if f.failInject {
				remaining = append(remaining, p)
				continue
			}
			f.injected = append(f.injected, p)
		}
		f.pending = remaining
		return true, nil
	}
	return false, nil
}

func (f *fakeIRQ) InjectIRQ(cpuID int, virtID uint32, physID uint32, hw bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInject {
		f.pending = append(f.pending, injectedIRQ{cpuID, virtID, physID, hw})
		return ErrListRegisterBusy
	}
	f.injected = append(f.injected, injectedIRQ{cpuID, virtID, physID, hw})
	return nil
}

func (f *fakeIRQ) EOI(cpuID int, id uint32, deactivate bool) error { return nil }

func newTestCore(t *testing.T, cpuIDs []int) (*Core, *fakePaging, *fakeIRQ) {
	t.Helper()
	paging := newFakePaging()
	irq := newFakeIRQ()
	core, err := NewCore(Config{PhysicalCPUs: cpuIDs, GICVersion: 2}, paging, irq, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	return core, paging, irq
}
