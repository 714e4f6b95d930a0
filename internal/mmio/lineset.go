package mmio

import "sync"

// LineSet tracks the level of a fixed set of interrupt lines (physical IRQs
// forwarded toward a vGIC distributor) and the callbacks owed an end-of-
// interrupt for each. It is deliberately ignorant of the GIC itself; the
// vGIC driver is the InterruptSink and EOITarget.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	eoiTarget EOITarget

	lines map[uint32]*lineState
	eoi   map[uint32][]func()
}

// NewLineSet builds a LineSet that forwards level changes to sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
		eoi:   make(map[uint32][]func()),
	}
}

// AttachEOITarget wires EOI broadcasts to the vGIC driver that owns eoi
// completion for these lines (arch_handle_phys_irq's maintenance path).
func (l *LineSet) AttachEOITarget(target EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiTarget = target
}

// AllocateLine returns a handle for raising and lowering irq.
func (l *LineSet) AllocateLine(irq uint32) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// RegisterEOICallback registers fn to run when BroadcastEOI is called for irq.
func (l *LineSet) RegisterEOICallback(irq uint32, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[irq] = append(l.eoi[irq], fn)
}

// BroadcastEOI notifies the EOI target and every registered callback that
// irq has been deactivated by the guest (the GICC_DIR / GICC_EOIR path).
func (l *LineSet) BroadcastEOI(irq uint32) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[irq]...)
	target := l.eoiTarget
	l.mu.Unlock()

	if target != nil {
		target.HandleEOI(irq)
	}
	for _, fn := range callbacks {
		fn()
	}
}

// LineInterrupt models one physical interrupt line, level or pulsed.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// EOITarget receives end-of-interrupt notifications for lines it cares about.
type EOITarget interface {
	HandleEOI(irq uint32)
}

// InterruptSink is the routing endpoint a LineSet forwards level changes to,
// normally the vGIC driver's set_pending/inject_irq path.
type InterruptSink interface {
	SetIRQ(irq uint32, high bool)
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint32, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint32) {
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
