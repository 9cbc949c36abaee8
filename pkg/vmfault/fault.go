// Package vmfault implements the fault handler and eviction engine,
// grounded on original_source/kern/vm/vm.c's vm_fault and the
// vm_find_eviction_victim/vm_mark_page_evicting/vm_eviction_finished
// trio. It is the one package that imports both pkg/addrspace and
// pkg/coremap directly, since dispatching a fault and reclaiming a frame
// both need the full picture: address space, page table, frame table,
// and swap store together.
package vmfault

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Arasfon/os161/pkg/addrspace"
	"github.com/Arasfon/os161/pkg/coremap"
	"github.com/Arasfon/os161/pkg/hostarch"
	"github.com/Arasfon/os161/pkg/pagetable"
	"github.com/Arasfon/os161/pkg/vmerr"
)

// FaultType classifies the trap that invoked the handler.
type FaultType int

const (
	FaultRead FaultType = iota
	FaultWrite
	// FaultReadOnlyWrite is the hardware TLB-modify trap: a store hit a
	// valid, non-dirty entry. There is no copy-on-write in this core, so
	// this is unconditionally a permission violation.
	FaultReadOnlyWrite
)

// Handler dispatches page faults for one machine. Distinct address
// spaces share one Handler (and therefore one singleflight.Group); the
// eviction Engine is reached through the coremap. This matches the
// single frame-table/swap-store singletons of spec.md §9 "Global mutable state".
type Handler struct {
	sf  singleflight.Group
	log *logrus.Entry
}

// NewHandler builds a fault handler. The caller is responsible for
// having wired the machine's coremap.Table to an *Engine via
// SetEvictor beforehand.
func NewHandler() *Handler {
	return &Handler{log: logrus.WithField("component", "vmfault")}
}

func vpnToAddr(vpn uint32, pageSize uint32) hostarch.Addr {
	return hostarch.Addr(vpn * pageSize)
}

func installTLB(as *addrspace.AddressSpace, addr hostarch.Addr, pfn uint32, readonly bool) {
	m := as.M()
	restore := m.Gate.RaiseToHigh()
	defer restore()
	lo := m.TLB.EncodeLo(pfn, !readonly)
	m.TLB.WriteRandom(uint32(addr), lo)
}

// HandleFault implements spec.md §4.5 end to end: classify, allocate on
// demand, zero-fill or swap in, install a TLB entry.
func (h *Handler) HandleFault(as *addrspace.AddressSpace, faultType FaultType, faultAddr hostarch.Addr) error {
	if as == nil {
		return vmerr.InvalidAddress
	}

	addr := faultAddr.RoundDown()
	m := as.M()
	if uint32(addr) >= m.Cfg.KSeg0 {
		return vmerr.InvalidAddress
	}

	if faultType == FaultReadOnlyWrite {
		return vmerr.Permission
	}

	readonly, inAny := h.classify(as, addr)
	if !inAny {
		return vmerr.InvalidAddress
	}

	vpn := addr.VPN()

	pte, ok := as.PageTable().GetEntry(vpn, false)
	if !ok {
		pte, ok = as.PageTable().GetEntry(vpn, true)
		if !ok {
			return vmerr.OutOfMemory
		}
		pte.Lock.Lock()
		if pte.State != pagetable.Unalloc {
			// Lost a creation race to a concurrent faulter; fall
			// through using whatever they installed.
			readonly = pte.Readonly
		} else {
			pte.State = pagetable.Zero
			pte.Readonly = readonly
		}
	} else {
		pte.Lock.Lock()
		readonly = pte.Readonly
	}

	switch pte.State {
	case pagetable.RAM:
		pte.Referenced = true
		pfn, ro := pte.PFN, pte.Readonly
		pte.Lock.Unlock()
		installTLB(as, addr, pfn, ro)
		return nil

	case pagetable.Swap:
		return h.handleSwapIn(as, pte, addr, readonly)

	case pagetable.Zero, pagetable.Unalloc:
		pte.Lock.Unlock()
		return h.handleZeroFill(as, vpn, addr, readonly)

	default:
		pte.Lock.Unlock()
		return errors.Errorf("vmfault: PTE at vpn %d in unexpected state %v", vpn, pte.State)
	}
}

// classify reports whether addr falls inside a defined region or the
// heap, and whether it should be treated as writable.
func (h *Handler) classify(as *addrspace.AddressSpace, addr hostarch.Addr) (readonly, inAny bool) {
	if r, ok := as.FindRegion(addr); ok {
		return !r.Writeable, true
	}
	heap := as.HeapRange()
	if heap.Contains(addr) {
		return false, true
	}
	return false, false
}

// handleSwapIn services a PTE already locked by the caller in SWAP
// state: allocate a frame (which may itself evict), read the slot in,
// free the slot, and install the mapping.
func (h *Handler) handleSwapIn(as *addrspace.AddressSpace, pte *pagetable.PTE, addr hostarch.Addr, readonly bool) error {
	m := as.M()
	vpn := addr.VPN()

	frame, ok := m.Coremap.AllocUser(as, vpn)
	if !ok {
		pte.Lock.Unlock()
		return vmerr.OutOfMemory
	}

	slot := pte.SwapSlot
	buf := make([]byte, m.Cfg.PageSize)
	if err := m.Swap.ReadIn(slot, buf); err != nil {
		pte.Lock.Unlock()
		m.Coremap.FreeUser(frame)
		return err
	}
	m.Phys.Write(coremap.FrameToAddr(frame, m.Cfg.PageSize), buf)
	m.Swap.FreeSlot(slot)

	pte.State = pagetable.RAM
	pte.PFN = frame
	pte.SwapSlot = 0
	pte.Referenced = true
	pte.Lock.Unlock()

	installTLB(as, addr, frame, readonly)
	return nil
}

// handleZeroFill services the UNALLOC/ZERO path: the caller has already
// released the PTE lock (allocation may sleep/evict and must not happen
// under it). Concurrent faulters on the same page are collapsed through
// a singleflight group keyed by (address space, vpn); the one that
// actually runs still re-checks the PTE after allocating, per spec.md
// §9's documented race, and frees its frame if it lost.
func (h *Handler) handleZeroFill(as *addrspace.AddressSpace, vpn uint32, addr hostarch.Addr, readonly bool) error {
	key := fmt.Sprintf("%s:%d", as.ID, vpn)
	_, err, _ := h.sf.Do(key, func() (interface{}, error) {
		return nil, h.doZeroFill(as, vpn, addr, readonly)
	})
	return err
}

func (h *Handler) doZeroFill(as *addrspace.AddressSpace, vpn uint32, addr hostarch.Addr, readonly bool) error {
	m := as.M()

	frame, ok := m.Coremap.AllocUser(as, vpn)
	if !ok {
		return vmerr.OutOfMemory
	}
	m.Phys.Zero(coremap.FrameToAddr(frame, m.Cfg.PageSize), uint64(m.Cfg.PageSize))

	pte, ok := as.PageTable().GetEntry(vpn, false)
	if !ok {
		m.Coremap.FreeUser(frame)
		return errors.Errorf("vmfault: PTE at vpn %d vanished during zero-fill", vpn)
	}

	pte.Lock.Lock()
	defer pte.Lock.Unlock()

	if pte.State == pagetable.RAM {
		// A concurrent fault on the same page won the race and already
		// installed a frame: ours is redundant, free it and proceed
		// with theirs.
		m.Coremap.FreeUser(frame)
		pte.Referenced = true
		installTLB(as, addr, pte.PFN, pte.Readonly)
		return nil
	}
	if pte.State != pagetable.Unalloc && pte.State != pagetable.Zero {
		m.Coremap.FreeUser(frame)
		return errors.Errorf("vmfault: PTE at vpn %d in unexpected state %v after zero-fill allocation", vpn, pte.State)
	}

	pte.State = pagetable.RAM
	pte.PFN = frame
	pte.Referenced = true
	installTLB(as, addr, frame, readonly)
	return nil
}

// TLBShootdown would invalidate vaddr's mapping on every CPU sharing as.
// This core assumes a single active CPU (spec.md Non-goals), so
// cross-CPU shootdown is an acknowledged, reported gap rather than a
// silently-incomplete no-op.
func TLBShootdown(as *addrspace.AddressSpace, vaddr hostarch.Addr) error {
	return errors.Wrap(vmerr.NotImplemented, "vmfault: cross-CPU TLB shootdown")
}
