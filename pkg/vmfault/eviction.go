package vmfault

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Arasfon/os161/pkg/addrspace"
	"github.com/Arasfon/os161/pkg/coremap"
	"github.com/Arasfon/os161/pkg/pagetable"
	"github.com/Arasfon/os161/pkg/vmerr"
)

// Engine is the clock (second-chance) eviction engine, grounded on
// original_source/kern/vm/vm.c's vm_find_eviction_victim and the
// eviction steps embedded in vm_evict_page. It implements
// coremap.Evictor, so a frame table wired with SetEvictor(engine) calls
// back into it exactly once per allocation failure.
type Engine struct {
	cm *coremap.Table

	mu     sync.Mutex
	cursor uint32 // persistent clock position, survives across calls

	logInterval uint32
	evictCount  uint32

	log *logrus.Entry
}

// NewEngine builds an eviction engine over cm, logging a coremap_dump-style
// summary line every logInterval evictions (0 disables periodic dumps).
func NewEngine(cm *coremap.Table, logInterval uint32) *Engine {
	return &Engine{cm: cm, logInterval: logInterval, log: logrus.WithField("component", "vmfault.eviction")}
}

// findVictim runs the two-pass clock scan and returns a frame index
// in USER state, advancing the persistent cursor past it. Neither pass
// holds the frame-table lock across a PTE-lock acquisition: Frame()
// takes and releases it per read.
func (e *Engine) findVictim() (uint32, bool) {
	e.mu.Lock()
	start := e.cursor
	e.mu.Unlock()

	total := e.cm.NumFrames()
	if total == 0 {
		return 0, false
	}

	// Pass 1: prefer a frame whose PTE has referenced == 0, clearing the
	// bit on every USER frame visited along the way (second chance).
	for i := uint32(0); i < total; i++ {
		idx := (start + i) % total
		f := e.cm.Frame(idx)
		if f.State != coremap.User {
			continue
		}
		as, ok := f.Owner.(*addrspace.AddressSpace)
		if !ok || as == nil {
			continue
		}
		pte, ok := as.PageTable().GetEntry(f.VPN, false)
		if !ok {
			continue
		}

		pte.Lock.Lock()
		if !pte.Referenced {
			pte.Lock.Unlock()
			e.mu.Lock()
			e.cursor = (idx + 1) % total
			e.mu.Unlock()
			return idx, true
		}
		pte.Referenced = false
		pte.Lock.Unlock()
	}

	// Pass 2: take the first USER frame encountered, reference bit or
	// not.
	for i := uint32(0); i < total; i++ {
		idx := (start + i) % total
		f := e.cm.Frame(idx)
		if f.State == coremap.User {
			e.mu.Lock()
			e.cursor = (idx + 1) % total
			e.mu.Unlock()
			return idx, true
		}
	}

	return 0, false
}

// EvictOne selects a victim USER frame, writes it to swap, and updates
// its PTE and the frame table accordingly, returning the now-FREE
// frame's index. On any failure after mark_evicting, the frame is
// reverted to USER (not left FREE) and the PTE keeps its RAM state, per
// the corrected swap-exhaustion handling this implementation uses.
func (e *Engine) EvictOne() (uint32, error) {
	idx, ok := e.findVictim()
	if !ok {
		return 0, errors.Wrap(vmerr.OutOfMemory, "vmfault: no evictable user frame")
	}

	if !e.cm.MarkEvicting(idx) {
		return 0, errors.Wrap(vmerr.Busy, "vmfault: victim frame raced to non-USER")
	}

	f := e.cm.Frame(idx)
	as, ok := f.Owner.(*addrspace.AddressSpace)
	if !ok || as == nil {
		e.cm.RevertEviction(idx)
		return 0, errors.Wrap(vmerr.OutOfMemory, "vmfault: victim frame has no owning address space")
	}

	pte, ok := as.PageTable().GetEntry(f.VPN, false)
	if !ok {
		e.cm.RevertEviction(idx)
		return 0, errors.Wrap(vmerr.OutOfMemory, "vmfault: victim PTE vanished")
	}

	pte.Lock.Lock()
	if pte.State != pagetable.RAM || pte.PFN != idx {
		pte.Lock.Unlock()
		e.cm.RevertEviction(idx)
		return 0, errors.Wrap(vmerr.Busy, "vmfault: victim PTE no longer matches chosen frame")
	}

	m := as.M()

	slot, err := m.Swap.AllocSlot()
	if err != nil {
		pte.Lock.Unlock()
		e.cm.RevertEviction(idx)
		return 0, err
	}

	buf := make([]byte, m.Cfg.PageSize)
	m.Phys.Read(coremap.FrameToAddr(idx, m.Cfg.PageSize), buf)
	if err := m.Swap.WriteOut(slot, buf); err != nil {
		m.Swap.FreeSlot(slot)
		pte.Lock.Unlock()
		e.cm.RevertEviction(idx)
		return 0, err
	}

	as.InvalidateTLB(vpnToAddr(f.VPN, m.Cfg.PageSize))

	pte.State = pagetable.Swap
	pte.SwapSlot = slot
	pte.PFN = 0
	pte.Lock.Unlock()

	e.cm.EvictionFinished(idx)
	e.log.WithFields(logrus.Fields{"frame": idx, "as": as.ID, "vpn": f.VPN, "slot": slot}).Debug("evicted page to swap")

	if e.logInterval > 0 {
		e.mu.Lock()
		e.evictCount++
		due := e.evictCount%e.logInterval == 0
		e.mu.Unlock()
		if due {
			e.cm.Dump()
		}
	}

	return idx, nil
}
