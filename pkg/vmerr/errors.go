// Package vmerr defines the error kinds the virtual-memory core surfaces
// to its callers, per spec.md §6 "Error codes (kind-level)".
//
// Recoverable-but-terminal conditions (no frame, no swap slot, an
// unmapped or permission-violating access, a device failure) are
// returned as one of the sentinel errors below, optionally wrapped with
// github.com/pkg/errors to keep the underlying cause. Fatal invariant
// violations (spec.md §7 "Fatal") are not representable here — they
// panic at the point of detection instead, matching OS/161's KASSERT/
// panic() treatment of coremap corruption.
package vmerr

import "github.com/pkg/errors"

// Kind classifies a virtual-memory error for callers that need to map it
// onto a system-call errno (EFAULT, ENOMEM, ...) without string matching.
type Kind int

const (
	// KindNone is the zero value; never returned.
	KindNone Kind = iota
	// KindOutOfMemory: no frame or PTE storage could be obtained, even
	// after an eviction attempt.
	KindOutOfMemory
	// KindOutOfSwap: no swap slot available.
	KindOutOfSwap
	// KindInvalidAddress: fault on the kernel window, an unmapped
	// region, or heap-shrink underflow.
	KindInvalidAddress
	// KindPermission: write fault on a readonly RAM page.
	KindPermission
	// KindDeviceError: backing-store I/O failure during swap-in/out.
	KindDeviceError
	// KindBusy: concurrent eviction raced this caller; transient, retry
	// once.
	KindBusy
	// KindNotImplemented: the operation is an acknowledged gap (e.g.
	// cross-CPU TLB shootdown), never silently ignored.
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "OUT_OF_MEMORY"
	case KindOutOfSwap:
		return "OUT_OF_SWAP"
	case KindInvalidAddress:
		return "INVALID_ADDRESS"
	case KindPermission:
		return "PERMISSION"
	case KindDeviceError:
		return "DEVICE_ERROR"
	case KindBusy:
		return "BUSY"
	case KindNotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "NONE"
	}
}

// vmError pairs a Kind with a message so errors.Is/As and %v both work
// sensibly; the sentinels below are comparable with errors.Is even after
// wrapping with github.com/pkg/errors.
type vmError struct {
	kind Kind
	msg  string
}

func (e *vmError) Error() string { return e.msg }

// Is implements the errors.Is contract: two vmErrors match if their kinds
// match, regardless of message. This lets OutOfMemory wrapped via
// errors.Wrap still satisfy errors.Is(err, vmerr.OutOfMemory).
func (e *vmError) Is(target error) bool {
	te, ok := target.(*vmError)
	return ok && te.kind == e.kind
}

func newSentinel(k Kind, msg string) *vmError {
	return &vmError{kind: k, msg: msg}
}

// Sentinel errors, one per Kind that is ever directly returned.
var (
	OutOfMemory    = newSentinel(KindOutOfMemory, "vm: out of memory")
	OutOfSwap      = newSentinel(KindOutOfSwap, "vm: out of swap")
	InvalidAddress = newSentinel(KindInvalidAddress, "vm: invalid address")
	Permission     = newSentinel(KindPermission, "vm: permission denied")
	DeviceError    = newSentinel(KindDeviceError, "vm: device error")
	Busy           = newSentinel(KindBusy, "vm: busy, retry")
	NotImplemented = newSentinel(KindNotImplemented, "vm: not implemented")
)

// KindOf extracts the Kind of err, looking through any github.com/pkg/errors
// wrapping. Returns KindNone if err is nil or not one of our sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ve *vmError
	if errors.As(err, &ve) {
		return ve.kind
	}
	return KindNone
}

// Wrap attaches context to a sentinel error while preserving errors.Is
// matching, e.g. vmerr.Wrap(vmerr.DeviceError, "swap write slot 3: %v", ioErr).
func Wrap(sentinel error, format string, args ...interface{}) error {
	return errors.Wrapf(sentinel, format, args...)
}
