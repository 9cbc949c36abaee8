// Package hostarch defines the virtual-address arithmetic shared by the
// virtual-memory core: page rounding, VPN decomposition, and the
// kernel-direct-mapped window check.
//
// The core targets a 32-bit MIPS-like machine, so addresses and page
// numbers are uint32 throughout rather than the platform-width uintptr
// gVisor's pkg/hostarch uses for its 64-bit targets.
package hostarch

import "fmt"

// Addr is a 32-bit virtual or physical address.
type Addr uint32

// PageSize is the fixed page size of the target machine. OS/161 (and this
// core) do not support superpages, so this is also the page-table leaf
// granularity.
const PageSize = 4096

// pageMask covers the within-page offset bits of an address.
const pageMask = PageSize - 1

// RoundDown truncates addr to the containing page boundary.
func (a Addr) RoundDown() Addr {
	return a &^ Addr(pageMask)
}

// RoundUp rounds addr up to the next page boundary. ok is false on
// overflow.
func (a Addr) RoundUp() (rounded Addr, ok bool) {
	r := (a + Addr(pageMask)) &^ Addr(pageMask)
	if r < a {
		return 0, false
	}
	return r, true
}

// IsPageAligned reports whether a lies on a page boundary.
func (a Addr) IsPageAligned() bool {
	return a&Addr(pageMask) == 0
}

// VPN returns the virtual page number of a (the address shifted right by
// the page shift; OS/161 computes this as vaddr >> 12 for a 4 KiB page).
func (a Addr) VPN() uint32 {
	return uint32(a) >> 12
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint32(a))
}

// AddrRange is a half-open range of addresses [Start, End).
type AddrRange struct {
	Start, End Addr
}

// Length returns the number of bytes covered by r.
func (r AddrRange) Length() uint32 {
	if r.End < r.Start {
		return 0
	}
	return uint32(r.End - r.Start)
}

// Contains reports whether a lies in [r.Start, r.End).
func (r AddrRange) Contains(a Addr) bool {
	return a >= r.Start && a < r.End
}

// Overlaps reports whether r and other share any address.
func (r AddrRange) Overlaps(other AddrRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// WellFormed reports whether r.Start <= r.End.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.End
}

func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint32(r.Start), uint32(r.End))
}

// PagesToBytes converts a page count to a byte count at PageSize
// granularity.
func PagesToBytes(pages uint32) uint32 {
	return pages * PageSize
}

// BytesToPages rounds a byte count up to a whole number of pages.
func BytesToPages(bytes uint32) uint32 {
	return (bytes + pageMask) / PageSize
}
