// Package addrspace implements per-process address spaces: the region
// list, the heap break, and the lifecycle operations (create, fork,
// activate, destroy), grounded on original_source/kern/vm/addrspace.c
// (as_create/as_copy/as_define_region/as_prepare_load/as_complete_load/
// as_define_stack/as_activate/as_destroy) and
// kern/syscall/mem_syscalls.c (sys_sbrk).
package addrspace

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Arasfon/os161/pkg/coremap"
	"github.com/Arasfon/os161/pkg/hostarch"
	"github.com/Arasfon/os161/pkg/machdep"
	"github.com/Arasfon/os161/pkg/pagetable"
	"github.com/Arasfon/os161/pkg/swapstore"
	"github.com/Arasfon/os161/pkg/vmconf"
	"github.com/Arasfon/os161/pkg/vmerr"
)

// Machine bundles the shared, machine-wide collaborators every address
// space needs: the frame table, the swap store, and the narrow
// machine-dependent handles. One Machine is shared by every address
// space in a running kernel instance.
type Machine struct {
	Cfg     vmconf.Config
	Coremap *coremap.Table
	Swap    *swapstore.Store
	TLB     machdep.TLB
	Phys    machdep.PhysMem
	Gate    machdep.InterruptGate

	log *logrus.Entry
}

// NewMachine wires the shared collaborators together.
func NewMachine(cfg vmconf.Config, cm *coremap.Table, swap *swapstore.Store, tlb machdep.TLB, phys machdep.PhysMem, gate machdep.InterruptGate) *Machine {
	return &Machine{
		Cfg: cfg, Coremap: cm, Swap: swap, TLB: tlb, Phys: phys, Gate: gate,
		log: logrus.WithField("component", "addrspace"),
	}
}

// AddressSpace is the virtual memory space of one user process: a page
// table, an ordered region list, and a heap range. mu is the structural
// spinning lock of spec.md §3/§5: it protects the region list and the
// heap range, and must never be held while blocking on a PTE lock, an
// allocation, or I/O.
type AddressSpace struct {
	ID uuid.UUID

	m  *Machine
	pt *pagetable.Table

	mu        sync.Mutex
	regions   *regionSet
	heapStart hostarch.Addr
	heapEnd   hostarch.Addr
}

// Create allocates an empty address space: no page table entries, no
// regions, a zeroed heap range.
func (m *Machine) Create() *AddressSpace {
	as := &AddressSpace{
		ID:      uuid.New(),
		m:       m,
		pt:      pagetable.New(m.Cfg),
		regions: newRegionSet(),
	}
	m.log.WithField("as", as.ID).Debug("address space created")
	return as
}

// DefineRegion adds a page-aligned region [vaddr, vaddr+size) with the
// given permissions. If the region's end lies above the current
// heap_start, both heap_start and heap_end advance to that end: regions
// are laid out by the caller below the heap, and the heap begins where
// the last region ends.
func (as *AddressSpace) DefineRegion(vaddr hostarch.Addr, size uint32, readable, writeable, executable bool) error {
	base := vaddr.RoundDown()
	end, ok := (vaddr + hostarch.Addr(size)).RoundUp()
	if !ok {
		return errors.Wrap(vmerr.InvalidAddress, "addrspace: define_region: address overflow")
	}
	npages := hostarch.BytesToPages(uint32(end - base))

	as.mu.Lock()
	defer as.mu.Unlock()

	as.regions.insert(Region{VBase: base, NPages: npages, Readable: readable, Writeable: writeable, Executable: executable})

	if end > as.heapStart {
		as.heapStart = end
		as.heapEnd = end
	}
	return nil
}

// forEachRegionPage calls fn for every page in every defined region, in
// region order, stopping at the first error.
func (as *AddressSpace) forEachRegionPage(fn func(vaddr hostarch.Addr, region Region) error) error {
	as.mu.Lock()
	var regions []Region
	as.regions.ascend(func(r Region) bool {
		regions = append(regions, r)
		return true
	})
	as.mu.Unlock()

	for _, r := range regions {
		for i := uint32(0); i < r.NPages; i++ {
			vaddr := r.VBase + hostarch.Addr(i*hostarch.PageSize)
			if err := fn(vaddr, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrepareLoad ensures a PTE exists in ZERO state, writable, for every
// page of every region, so a loader can write text/rodata during load
// before CompleteLoad locks down permissions.
func (as *AddressSpace) PrepareLoad() error {
	return as.forEachRegionPage(func(vaddr hostarch.Addr, _ Region) error {
		pte, ok := as.pt.GetEntry(vaddr.VPN(), true)
		if !ok {
			return vmerr.OutOfMemory
		}
		pte.Lock.Lock()
		pte.State = pagetable.Zero
		pte.Readonly = false
		pte.Lock.Unlock()
		return nil
	})
}

// CompleteLoad revisits every region page and sets each PTE's readonly
// flag from the region's final writeable permission. Every PTE touched
// here must already exist in ZERO or RAM state (from PrepareLoad or an
// intervening fault).
func (as *AddressSpace) CompleteLoad() error {
	return as.forEachRegionPage(func(vaddr hostarch.Addr, region Region) error {
		pte, ok := as.pt.GetEntry(vaddr.VPN(), false)
		if !ok {
			return errors.Errorf("addrspace: complete_load: missing PTE at %s", vaddr)
		}
		pte.Lock.Lock()
		defer pte.Lock.Unlock()
		if pte.State != pagetable.Zero && pte.State != pagetable.RAM {
			return errors.Errorf("addrspace: complete_load: PTE at %s in unexpected state %v", vaddr, pte.State)
		}
		pte.Readonly = !region.Writeable
		return nil
	})
}

// DefineStack defines the fixed STACKPAGES-sized stack region ending at
// USERSTACK, then restores the heap range DefineRegion would otherwise
// have advanced (the stack is not part of the heap). Returns the initial
// user stack pointer.
func (as *AddressSpace) DefineStack() (hostarch.Addr, error) {
	as.mu.Lock()
	savedStart, savedEnd := as.heapStart, as.heapEnd
	as.mu.Unlock()

	top := hostarch.Addr(as.m.Cfg.UserStack)
	base := top - hostarch.Addr(as.m.Cfg.StackReserve())
	if err := as.DefineRegion(base, as.m.Cfg.StackReserve(), true, true, false); err != nil {
		return 0, err
	}

	as.mu.Lock()
	as.heapStart, as.heapEnd = savedStart, savedEnd
	as.mu.Unlock()

	return top, nil
}

// Activate flushes every TLB slot, making this address space (notionally
// already "current") the one the processor sees. Safe under a raised
// interrupt-priority window.
func (as *AddressSpace) Activate() {
	restore := as.m.Gate.RaiseToHigh()
	as.m.TLB.Flush()
	restore()
}

// Deactivate is a no-op: Activate already invalidates stale entries, so
// there is nothing additional to do when switching away.
func (as *AddressSpace) Deactivate() {}

// Destroy releases the swap slot or frame backing every RAM/SWAP PTE.
// The region list and page-table storage are not touched here; they are
// reclaimed by the garbage collector. After Destroy, as must not be used
// again.
func (as *AddressSpace) Destroy() {
	as.pt.Walk(func(vpn uint32, pte *pagetable.PTE) {
		pte.Lock.Lock()
		switch pte.State {
		case pagetable.RAM:
			as.m.Coremap.FreeUser(pte.PFN)
		case pagetable.Swap:
			as.m.Swap.FreeSlot(pte.SwapSlot)
		}
		pte.Lock.Unlock()
	})
	as.m.log.WithField("as", as.ID).Debug("address space destroyed")
}

// Copy deep-copies src into a freshly created address space: regions are
// duplicated verbatim, and every materialized PTE is migrated according
// to its state (spec.md §4.4 "copy"). Source and destination PTE locks
// are always acquired source-first to respect the global lock order for
// any pair of PTEs touched in one fork.
func (src *AddressSpace) Copy() (*AddressSpace, error) {
	dst := src.m.Create()

	src.mu.Lock()
	dst.heapStart, dst.heapEnd = src.heapStart, src.heapEnd
	dst.regions = src.regions.clone()
	src.mu.Unlock()

	var copyErr error
	src.pt.Walk(func(vpn uint32, srcPTE *pagetable.PTE) {
		if copyErr != nil {
			return
		}
		dstPTE, ok := dst.pt.GetEntry(vpn, true)
		if !ok {
			copyErr = vmerr.OutOfMemory
			return
		}

		srcPTE.Lock.Lock()
		dstPTE.Lock.Lock()
		defer dstPTE.Lock.Unlock()
		defer srcPTE.Lock.Unlock()

		if dstPTE.State != pagetable.Unalloc {
			copyErr = errors.Errorf("addrspace: copy: destination PTE at vpn %d not UNALLOC", vpn)
			return
		}

		switch srcPTE.State {
		case pagetable.RAM:
			frame, ok := dst.m.Coremap.AllocUser(dst, vpn)
			if !ok {
				copyErr = vmerr.OutOfMemory
				return
			}
			pageSize := dst.m.Cfg.PageSize
			buf := make([]byte, pageSize)
			src.m.Phys.Read(coremap.FrameToAddr(srcPTE.PFN, pageSize), buf)
			dst.m.Phys.Write(coremap.FrameToAddr(frame, pageSize), buf)

			dstPTE.State = pagetable.RAM
			dstPTE.Readonly = srcPTE.Readonly
			dstPTE.Referenced = srcPTE.Referenced
			dstPTE.Dirty = srcPTE.Dirty
			dstPTE.PFN = frame

		case pagetable.Swap:
			newSlot, err := dst.m.Swap.AllocSlot()
			if err != nil {
				copyErr = err
				return
			}
			pageSize := dst.m.Cfg.PageSize
			buf := make([]byte, pageSize)
			if err := src.m.Swap.ReadIn(srcPTE.SwapSlot, buf); err != nil {
				dst.m.Swap.FreeSlot(newSlot)
				copyErr = err
				return
			}
			if err := dst.m.Swap.WriteOut(newSlot, buf); err != nil {
				dst.m.Swap.FreeSlot(newSlot)
				copyErr = err
				return
			}

			dstPTE.State = pagetable.Swap
			dstPTE.Readonly = srcPTE.Readonly
			dstPTE.SwapSlot = newSlot
			dstPTE.Referenced = false

		case pagetable.Zero:
			dstPTE.State = pagetable.Zero
			dstPTE.Readonly = srcPTE.Readonly

		case pagetable.Unalloc:
			// leave dstPTE UNALLOC
		}
	})

	if copyErr != nil {
		dst.Destroy()
		return nil, copyErr
	}
	return dst, nil
}

// AdjustBreak implements sys_sbrk: delta == 0 reports the current break
// without mutation; delta > 0 grows it (failing if it would cross the
// stack reservation); delta < 0 shrinks it, releasing any frame or swap
// slot backing pages that lie wholly inside the vacated range
// [new break, old break). Returns the break as it was before this call.
func (as *AddressSpace) AdjustBreak(delta int32) (hostarch.Addr, error) {
	as.mu.Lock()
	oldBreak := as.heapEnd

	if delta == 0 {
		as.mu.Unlock()
		return oldBreak, nil
	}

	if delta > 0 {
		newBreak := oldBreak + hostarch.Addr(delta)
		limit := hostarch.Addr(as.m.Cfg.HeapLimit())
		if newBreak > limit {
			as.mu.Unlock()
			return 0, vmerr.OutOfMemory
		}
		as.heapEnd = newBreak
		as.mu.Unlock()
		return oldBreak, nil
	}

	shrink := hostarch.Addr(-delta)
	if oldBreak < as.heapStart+shrink {
		as.mu.Unlock()
		return 0, errors.Wrap(vmerr.InvalidAddress, "addrspace: adjust_break: underflow past heap_start")
	}
	newBreak := oldBreak - shrink
	if newBreak < as.heapStart {
		as.mu.Unlock()
		return 0, errors.Wrap(vmerr.InvalidAddress, "addrspace: adjust_break: underflow past heap_start")
	}

	freeStart, _ := newBreak.RoundUp()
	freeEnd := oldBreak.RoundDown()
	as.heapEnd = newBreak
	as.mu.Unlock()

	if freeStart >= freeEnd {
		return oldBreak, nil
	}

	for va := freeStart; va < freeEnd; va += hostarch.PageSize {
		pte, ok := as.pt.GetEntry(va.VPN(), false)
		if !ok {
			continue
		}
		pte.Lock.Lock()
		switch pte.State {
		case pagetable.RAM:
			as.m.Coremap.FreeUser(pte.PFN)
			pte.State = pagetable.Unalloc
			as.InvalidateTLB(va)
		case pagetable.Swap:
			as.m.Swap.FreeSlot(pte.SwapSlot)
			pte.SwapSlot = 0
			pte.State = pagetable.Unalloc
		case pagetable.Zero:
			pte.State = pagetable.Unalloc
		}
		pte.Lock.Unlock()
	}

	return oldBreak, nil
}

// InvalidateTLB probes for va under a raised interrupt priority and
// clears the slot if found, mirroring tlb_invalidate. Exported so
// pkg/vmfault's eviction engine can invalidate a victim's mapping from
// outside this package.
func (as *AddressSpace) InvalidateTLB(va hostarch.Addr) {
	restore := as.m.Gate.RaiseToHigh()
	defer restore()
	if slot, ok := as.m.TLB.Probe(uint32(va)); ok {
		as.m.TLB.Write(slot, as.m.TLB.InvalidEntryHi(), as.m.TLB.InvalidEntryLo())
	}
}

// PageTable exposes the underlying page table for the fault handler and
// eviction engine (pkg/vmfault), which live in a separate package to
// avoid addrspace depending on them.
func (as *AddressSpace) PageTable() *pagetable.Table { return as.pt }

// HeapRange returns the current [heap_start, heap_end) under the
// structural lock, for the fault handler's region classification.
func (as *AddressSpace) HeapRange() hostarch.AddrRange {
	as.mu.Lock()
	defer as.mu.Unlock()
	return hostarch.AddrRange{Start: as.heapStart, End: as.heapEnd}
}

// FindRegion returns the region containing addr, if any.
func (as *AddressSpace) FindRegion(addr hostarch.Addr) (Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.regions.find(addr)
}

// M returns the shared machine this address space belongs to.
func (as *AddressSpace) M() *Machine { return as.m }
