// Package vmexit tracks the per-CPU exit counters exposed to userspace
// (VMEXITS_TOTAL, VMEXITS_MANAGEMENT, VMEXITS_VSGI, VMEXITS_VIRQ,
// VMEXITS_MAINTENANCE, VMEXITS_PSCI). Categories are registered once at
// package init, mirroring a fixed kind registry, and counted with plain
// atomic adds; there is no durable log behind them; one vCPU rereads its
// own six counters far more often than anyone ever iterates all categories.
package vmexit

import "sync/atomic"

// Category names a countable class of guest exit, fixed by the external
// interface so userspace driver code can read them by name.
type Category int

const (
	Total Category = iota
	Management
	VSGI
	VIRQ
	Maintenance
	PSCI

	numCategories
)

var names = [numCategories]string{
	Total:       "VMEXITS_TOTAL",
	Management:  "VMEXITS_MANAGEMENT",
	VSGI:        "VMEXITS_VSGI",
	VIRQ:        "VMEXITS_VIRQ",
	Maintenance: "VMEXITS_MAINTENANCE",
	PSCI:        "VMEXITS_PSCI",
}

// String returns the fixed external name for the category.
func (c Category) String() string {
	if c < 0 || int(c) >= len(names) {
		return "VMEXITS_UNKNOWN"
	}
	return names[c]
}

// Counters is one physical CPU's exit tally. The zero value is ready to use.
type Counters struct {
	values [numCategories]atomic.Uint64
}

// Add increments category by delta, used where one physical IRQ can
// represent several coalesced guest exits (count_event in the original
// accounting).
func (c *Counters) Add(category Category, delta uint64) {
	if category < 0 || int(category) >= len(c.values) {
		return
	}
	c.values[category].Add(delta)
}

// Inc increments category by one.
func (c *Counters) Inc(category Category) {
	c.Add(category, 1)
}

// Value reads the current count for category.
func (c *Counters) Value(category Category) uint64 {
	if category < 0 || int(category) >= len(c.values) {
		return 0
	}
	return c.values[category].Load()
}

// Snapshot returns every category's current value keyed by its external name.
func (c *Counters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, numCategories)
	for cat := Category(0); cat < numCategories; cat++ {
		out[cat.String()] = c.values[cat].Load()
	}
	return out
}
