// Package vm provides the models for demand-paged address translation: the
// translation entries shared by page tables and the TLB, the classification
// of page faults, and the errors that the paging engine reports.
package vm

import "errors"

// FaultKind classifies a page fault. The set is closed.
type FaultKind int

// The kinds of page faults the MMU can handle.
const (
	// HardFaultClean means the page was never loaded, or was evicted clean.
	// Its content comes from the executable.
	HardFaultClean FaultKind = iota

	// HardFaultDirty means the page was evicted dirty and lives in swap.
	HardFaultDirty

	// CopyOnWriteFault means a write hit a page shared read-only by fork.
	CopyOnWriteFault

	// SoftFault means the page is in memory but missing from the TLB.
	SoftFault
)

func (k FaultKind) String() string {
	switch k {
	case HardFaultClean:
		return "HardFaultClean"
	case HardFaultDirty:
		return "HardFaultDirty"
	case CopyOnWriteFault:
		return "CopyOnWriteFault"
	case SoftFault:
		return "SoftFault"
	default:
		return "UnknownFault"
	}
}

var (
	// ErrAddress is reported when an access falls outside every segment and
	// the stack of the address space. It terminates the process.
	ErrAddress = errors.New("address error")

	// ErrSwapExhausted is reported when a dirty page must be written back
	// but the swap device has no free slot. It terminates the faulting
	// process.
	ErrSwapExhausted = errors.New("swap exhausted")

	// ErrReadOnly is reported when a write hits a read-only page that is not
	// shared copy-on-write.
	ErrReadOnly = errors.New("write to read-only page")

	// ErrUnbackedPage is returned by the executable reader when the page has
	// no content in the executable. Such pages are zero-filled.
	ErrUnbackedPage = errors.New("page is not backed by the executable")

	// ErrNoFrame is reported when no frame can be found even after an
	// eviction.
	ErrNoFrame = errors.New("no free frame")

	// ErrNotInSwap is reported when a swap read is requested for a page that
	// has no slot.
	ErrNotInSwap = errors.New("page not in swap")
)
