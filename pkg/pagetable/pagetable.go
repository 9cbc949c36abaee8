// Package pagetable implements the two-level software page table,
// grounded on original_source/kern/include/addrspace.h (the pte bitfield
// struct, PT_L1_SIZE/PT_L2_SIZE, VPN/L1_INDEX/L2_INDEX macros) and
// pt_get_pte/pt_alloc_l2 as declared there. Lazy L2 allocation and the
// per-PTE sleeping lock are load-bearing: spec.md §5 requires the
// structural lock to be released before a PTE's own lock is taken.
package pagetable

import (
	"sync"

	"github.com/Arasfon/os161/pkg/vmconf"
)

// State is a PTE's residency state (spec.md §3 "Page table entry").
type State uint8

const (
	// Unalloc: page not yet allocated; any reference forces allocation
	// and zero-fill.
	Unalloc State = iota
	// Zero: allocated but never written; satisfiable by zero-fill
	// without consulting swap.
	Zero
	// RAM: resident in memory, PFN valid.
	RAM
	// Swap: non-resident; contents live at SwapSlot.
	Swap
)

func (s State) String() string {
	switch s {
	case Unalloc:
		return "UNALLOC"
	case Zero:
		return "ZERO"
	case RAM:
		return "RAM"
	case Swap:
		return "SWAP"
	default:
		return "?"
	}
}

// PTE is one page-table entry. Every field transition happens with Lock
// held, except the initial construction inside GetEntry.
type PTE struct {
	Lock sync.Mutex

	State      State
	PFN        uint32 // valid iff State == RAM
	SwapSlot   uint32 // valid iff State == Swap
	Dirty      bool
	Readonly   bool
	Referenced bool
}

// l2Table is one second-level table: L2Entries PTEs, allocated lazily the
// first time any of its VPNs is touched.
type l2Table struct {
	entries []PTE
}

// Table is the two-level page table for one address space. The
// structural lock (Mu) guards the L1 slice and L2-table-presence only;
// it must never be held while a per-PTE Lock is taken or while blocking
// on I/O (spec.md §5 "Lock ordering").
type Table struct {
	Mu  sync.Mutex
	cfg vmconf.Config
	l1  []*l2Table
}

// New creates an empty page table sized per cfg (L1Entries slots, each
// initially nil).
func New(cfg vmconf.Config) *Table {
	return &Table{cfg: cfg, l1: make([]*l2Table, cfg.L1Entries)}
}

// indices splits a virtual page number into its L1 and L2 indices.
func (t *Table) indices(vpn uint32) (l1, l2 uint32) {
	return t.cfg.VPNIndices(vpn)
}

// allocL2Locked materializes the L2 table at l1Index if absent. Must be
// called with t.Mu held. Mirrors pt_alloc_l2.
func (t *Table) allocL2Locked(l1Index uint32) *l2Table {
	if t.l1[l1Index] == nil {
		t.l1[l1Index] = &l2Table{entries: make([]PTE, t.cfg.L2Entries)}
	}
	return t.l1[l1Index]
}

// GetEntry returns the PTE for vpn. If create is false and no L2 table
// is present at vpn's L1 index, returns (nil, false): the page has never
// been touched and the caller should treat it as UNALLOC without
// materializing storage for it. If create is true, the L2 table (and
// thus the PTE, starting UNALLOC) is allocated on demand.
//
// The L2 table is looked up and, when absent and create is true,
// allocated and installed in one critical section under the structural
// lock; there is no allocate-outside-the-lock-then-re-check step. The
// lock is dropped before the caller ever touches pte.Lock, so two faults
// on different pages never serialize on the whole address space.
func (t *Table) GetEntry(vpn uint32, create bool) (*PTE, bool) {
	l1idx, l2idx := t.indices(vpn)

	t.Mu.Lock()
	l2 := t.l1[l1idx]
	if l2 == nil {
		if !create {
			t.Mu.Unlock()
			return nil, false
		}
		l2 = t.allocL2Locked(l1idx)
	}
	t.Mu.Unlock()

	return &l2.entries[l2idx], true
}

// Walk calls fn for every PTE materialized when Walk starts, in VPN
// order, passing its VPN. Used by as_copy (fork) and by destroy to
// release swap slots and frames without re-deriving which VPNs exist.
// fn is called without the structural lock or any PTE lock held; callers
// that mutate state must lock the PTE themselves.
func (t *Table) Walk(fn func(vpn uint32, pte *PTE)) {
	t.Mu.Lock()
	l1 := make([]*l2Table, len(t.l1))
	copy(l1, t.l1)
	t.Mu.Unlock()
	for l1idx, l2 := range l1 {
		if l2 == nil {
			continue
		}
		for l2idx := range l2.entries {
			vpn := uint32(l1idx)*t.cfg.L2Entries + uint32(l2idx)
			fn(vpn, &l2.entries[l2idx])
		}
	}
}
