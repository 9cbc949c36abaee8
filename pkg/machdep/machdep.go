// Package machdep declares the narrow, machine-dependent interface this
// virtual-memory core consumes from the surrounding kernel: RAM bounds at
// boot, TLB manipulation, an interrupt-priority gate for the
// probe-then-write TLB critical section, and the swap backing device.
//
// None of these are implemented here for real hardware — that code lives
// in kern/arch/* of the system this core is part of (out of scope per
// spec.md §1). internal/machfake provides deterministic fakes for tests
// and cmd/vmcoresim. The split mirrors gVisor's pkg/sentry/platform,
// which specifies Platform/AddressSpace as interfaces for the same
// reason: the sentry core must not assume a specific hypervisor backend,
// just as this core must not assume a specific MIPS board.
package machdep

// RAMInfo reports the physical memory layout available at boot, per
// spec.md §6: "two primitives returning ram_top ... and first_free".
type RAMInfo interface {
	// Top returns the exclusive top of physical RAM, in bytes.
	Top() uint64
	// FirstFree returns the inclusive byte address above the pre-boot
	// kernel image (and, once placed, the frame table itself).
	FirstFree() uint64
}

// PhysMem is the kernel-direct-mapped access path to physical frames,
// used by the fault handler to zero-fill a freshly allocated frame and
// by address-space fork to copy a RAM-resident page's bytes. Every
// address is a physical byte address; callers derive it from a frame
// index themselves (spec.md's idx_to_pa/PADDR_TO_KVADDR).
type PhysMem interface {
	Read(pa uint64, p []byte)
	Write(pa uint64, p []byte)
	Zero(pa uint64, n uint64)
}

// TLB is the software-refilled translation cache. Entries are installed
// only in response to a fault (spec.md §1); there is no hardware walker.
type TLB interface {
	// WriteRandom installs (hi, lo) at an implementation-chosen slot,
	// mirroring MIPS tlb_random.
	WriteRandom(hi, lo uint32)
	// Probe returns the slot currently holding a mapping for the page
	// containing vaddr, or ok=false if none exists.
	Probe(vaddr uint32) (slot int, ok bool)
	// Write installs (hi, lo) at a specific slot, used to invalidate a
	// single entry found by Probe.
	Write(slot int, hi, lo uint32)
	// InvalidEntryHi and InvalidEntryLo encode an entry that can never
	// match a real virtual address, used to clear a slot found by Probe.
	InvalidEntryHi() uint32
	InvalidEntryLo() uint32
	// EncodeLo encodes a physical frame number and flags into an
	// entry-lo value.
	EncodeLo(pfn uint32, dirty bool) uint32
	// Flush invalidates every TLB slot, used by as_activate.
	Flush()
}

// InterruptGate models splhigh/splx: raising interrupt priority for the
// duration of one probe-then-write TLB operation so it cannot be
// interleaved with a context switch on this CPU.
type InterruptGate interface {
	// RaiseToHigh disables interrupts and returns a function that
	// restores the previous priority. Safe to nest.
	RaiseToHigh() (restore func())
}

// SwapVnode is the backing device for the swap store: a flat byte
// address space supporting page-sized reads and writes at
// offset = slot * PageSize (spec.md §6 "Persisted layout").
type SwapVnode interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	// Size reports the vnode's total size in bytes, used at swap-init
	// time to compute the slot count.
	Size() (int64, error)
}
