// Package vgic implements the virtual generic interrupt controller (§4.7):
// list-register management shared by both hardware generations, plus the
// two concrete drivers (v2, v3) that differ only in SGI encoding and
// distributor/redistributor MMIO layout. Both drivers import the arm
// package for its SGI descriptor, sentinel errors and the IRQController
// interface they implement (v3 also offers the optional 64-bit SGI router
// capability); the arm package never imports vgic.
package vgic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/armvisor/internal/arm"
	"github.com/tinyrange/armvisor/internal/debug"
)

var log = debug.WithSource("vgic")

// Errors returned by InjectIRQ, matching the hardware's own EBUSY/EEXIST
// semantics (§4.7). These alias the core's own sentinels so a caller can
// errors.Is against arm.ErrListRegisterBusy / arm.ErrAlreadyPending
// regardless of which vGIC generation produced the failure.
var (
	ErrBusy   = arm.ErrListRegisterBusy
	ErrExists = arm.ErrAlreadyPending
)

// ListRegister is one hardware list-register slot (§3).
type ListRegister struct {
	VirtID   uint32
	PhysID   uint32
	Priority uint8
	Group    uint8
	Pending  bool
	Active   bool
	HW       bool
}

// pendingEntry is an injection that found no free list register and is
// queued for replay once the maintenance IRQ reports a slot freed up.
type pendingEntry struct {
	virtID uint32
	physID uint32
	hw     bool
}

// lrBank is the list-register window for one physical CPU, owned
// exclusively by that CPU (§3 "the vGIC driver owns this window
// exclusively on the current CPU"). The mutex serializes access because
// SGI delivery (SendSGI/SendSGIRaw64) injects into other CPUs' banks and
// tests call Inject/EOI from outside the owning goroutine.
type lrBank struct {
	mu      sync.Mutex
	entries []ListRegister
	valid   []bool

	// guestCTLR/guestPMR are the values the guest last programmed,
	// preserved across a cell's per-CPU reset so a later restore (e.g.
	// root-shutdown) can replay them into the physical CPU interface.
	guestCTLR uint32
	guestPMR  uint32

	hcrEnabled      bool
	maintIRQEnabled bool
	maintenanceReq  bool

	// pending holds injections that hit EBUSY, in FIFO order, for
	// drainPending to replay once the maintenance IRQ reports room.
	pending []pendingEntry
}

func newLRBank(numLR int) *lrBank {
	return &lrBank{
		entries: make([]ListRegister, numLR),
		valid:   make([]bool, numLR),
	}
}

func (b *lrBank) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		b.entries[i] = ListRegister{}
		b.valid[i] = false
	}
	b.maintenanceReq = false
	b.pending = nil
}

// injectLocked places (virtID, physID, hw) into the first empty slot,
// assuming the caller already holds b.mu. It reports EEXIST for a
// duplicate virtual id already resident and EBUSY if every slot is
// taken; it never touches b.pending or maintenanceReq, so inject and
// drainPending can layer their own queueing policy on top of it.
func (b *lrBank) injectLocked(virtID, physID uint32, hw bool) error {
	freeSlot := -1
	for i, valid := range b.valid {
		if !valid {
			if freeSlot == -1 {
				freeSlot = i
			}
			continue
		}
		if b.entries[i].VirtID == virtID {
			return fmt.Errorf("vgic: inject virt id %d: %w", virtID, ErrExists)
		}
	}
	if freeSlot == -1 {
		return fmt.Errorf("vgic: inject virt id %d: %w", virtID, ErrBusy)
	}

	entry := ListRegister{VirtID: virtID, Pending: true}
	if !isSGI(virtID) {
		entry.HW = hw
		entry.PhysID = physID
	}
	b.entries[freeSlot] = entry
	b.valid[freeSlot] = true
	return nil
}

// inject implements the "IRQ inject" algorithm: duplicate virtual id is
// EEXIST, no free slot is EBUSY (and queues the request for
// drainPending), otherwise claim the first empty slot.
func (b *lrBank) inject(virtID, physID uint32, hw bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.injectLocked(virtID, physID, hw)
	if errors.Is(err, ErrBusy) {
		b.maintenanceReq = true
		b.pending = append(b.pending, pendingEntry{virtID: virtID, physID: physID, hw: hw})
	}
	return err
}

// drainPending replays every queued injection, in FIFO order, on a
// maintenance IRQ (§4.7 "IRQ classification at exit"). An entry that
// still finds no free slot stays queued, in its original position, for
// the next drain; one that turns out to already be resident (EEXIST) is
// simply dropped. maintenanceReq clears only once the queue is fully
// drained.
func (b *lrBank) drainPending() {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.pending[:0]
	for _, e := range b.pending {
		if err := b.injectLocked(e.virtID, e.physID, e.hw); errors.Is(err, ErrBusy) {
			remaining = append(remaining, e)
		}
	}
	b.pending = remaining
	if len(b.pending) == 0 {
		b.maintenanceReq = false
	}
}

func isSGI(id uint32) bool { return id < 16 }

// eoi completes the list register holding id: with deactivate it frees
// the slot; without it, it only clears the entry's pending bit and the
// slot stays occupied.
func (b *lrBank) eoi(id uint32, deactivate bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, valid := range b.valid {
		if !valid || b.entries[i].VirtID != id {
			continue
		}
		if deactivate {
			b.entries[i].Active = false
			b.valid[i] = false
			b.entries[i] = ListRegister{}
		} else {
			b.entries[i].Pending = false
		}
		return
	}
}

// hasFreeSlot reports whether the bank currently has a free slot.
func (b *lrBank) hasFreeSlot() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, valid := range b.valid {
		if !valid {
			return true
		}
	}
	return false
}

// snapshot returns a copy of every valid entry, for tests and diagnostics.
func (b *lrBank) snapshot() []ListRegister {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ListRegister, 0, len(b.entries))
	for i, valid := range b.valid {
		if valid {
			out = append(out, b.entries[i])
		}
	}
	return out
}
