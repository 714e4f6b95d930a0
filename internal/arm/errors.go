package arm

import "fmt"

// Expected guest errors (taxonomy kind 1): returned as ordinary values,
// never logged outside a debug build, never affecting the rest of the
// hypervisor.
var (
	ErrCPUNotInCell   = fmt.Errorf("arm: target physical CPU not found in calling cell")
	ErrAlreadyOn      = fmt.Errorf("arm: target CPU is already powered on")
	ErrListRegisterBusy = fmt.Errorf("arm: no free list register")
	ErrAlreadyPending = fmt.Errorf("arm: virtual interrupt already has a pending list-register entry")
	ErrInvalidSGI     = fmt.Errorf("arm: SGI id out of range")
)

// TrapResult is a trap handler's verdict.
type TrapResult int

const (
	// TrapHandled means the handler fully serviced the access; the caller
	// writes back {PC, PSR} and resumes the guest.
	TrapHandled TrapResult = iota
	// TrapUnhandled means no emulation exists for this access.
	TrapUnhandled
	// TrapForbidden means the access was understood and explicitly denied.
	TrapForbidden
)

// CellFaultError is taxonomy kind 2: an unhandled or forbidden trap, fatal
// to the offending cell but not to the hypervisor. It carries the frame
// that was in effect at the time of the fault for diagnostics.
type CellFaultError struct {
	CPUID   int
	Class   ExceptionClass
	Result  TrapResult
	Frame   GuestFrame
}

func (e *CellFaultError) Error() string {
	verdict := "unhandled"
	if e.Result == TrapForbidden {
		verdict = "forbidden"
	}
	return fmt.Sprintf("arm: cpu %d: %s trap, class=0x%02x, pc=0x%x", e.CPUID, verdict, e.Class, e.Frame.PC)
}

// PanicError is taxonomy kind 4: a fatal hypervisor fault. Nothing
// recovers from this except the top-level run driver, which logs it and
// stops every CPU.
type PanicError struct {
	Reason string
	CPUID  int
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("arm: fatal fault on cpu %d: %s", e.CPUID, e.Reason)
}
