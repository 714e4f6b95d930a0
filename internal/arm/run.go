package arm

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/armvisor/internal/debug"
)

var runLog = debug.WithSource("run")

// Hypervisor drives one goroutine per configured physical CPU's event
// loop and joins them, the Go-idiomatic analogue of the bare-metal model
// where every physical CPU just runs forever until reset (§5). It is
// generalized from the teacher's one-goroutine-per-vCPU ioctl loop to
// one-goroutine-per-simulated-physical-CPU event loop.
type Hypervisor struct {
	core *Core
}

// NewHypervisor wraps an already-configured Core for driving.
func NewHypervisor(core *Core) *Hypervisor {
	return &Hypervisor{core: core}
}

// Run launches every physical CPU's event loop and blocks until ctx is
// cancelled or one of them reports a fatal (*PanicError): a fatal fault
// on any CPU cancels every other CPU's context, mirroring "all CPUs
// enter a WFI loop; the system is bricked until reset" (§7 kind 4).
func (h *Hypervisor) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	for _, cpu := range h.core.allCPUs() {
		cpu := cpu
		group.Go(func() error {
			err := cpu.Run(gctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			var panicErr *PanicError
			if errors.As(err, &panicErr) {
				runLog.Writef("cpu %d: %v", cpu.CPUID, panicErr)
			}
			return err
		})
	}

	return group.Wait()
}

// allCPUs returns every configured per-CPU record in an arbitrary but
// stable-for-the-process-lifetime order.
func (core *Core) allCPUs() []*PerCPU {
	core.mu.Lock()
	defer core.mu.Unlock()
	out := make([]*PerCPU, 0, len(core.cpus))
	for _, cpu := range core.cpus {
		out = append(out, cpu)
	}
	return out
}
