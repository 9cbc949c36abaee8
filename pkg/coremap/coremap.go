// Package coremap implements the physical frame table (spec.md §4.1): a
// dense array indexed by physical frame number, guarded by a single
// mutex, serving both contiguous kernel allocations and single user
// pages, and falling back to the eviction engine under pressure.
//
// Grounded on original_source/kern/vm/vm.c (vm_bootstrap, cm_find_run,
// alloc_kpages/free_kpages, alloc_upage/free_upage,
// vm_mark_page_evicting/vm_eviction_finished, coremap_used_bytes,
// coremap_dump), restructured from C file-static globals into a Table
// value so tests can run several independent coremaps.
package coremap

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is a frame's allocation state (spec.md §3 "Physical frame
// entry").
type State int

const (
	// Free: the frame is unallocated.
	Free State = iota
	// Fixed: kernel image, frame-table storage, or a kernel allocation.
	Fixed
	// User: owned by exactly one address space's page table.
	User
	// Evicting: transient state entered only from User; blocks further
	// state changes until EvictionFinished or RevertEviction.
	Evicting
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Fixed:
		return "FIXED"
	case User:
		return "USER"
	case Evicting:
		return "EVICTING"
	default:
		return "?"
	}
}

// Frame is one physical-frame-table entry.
type Frame struct {
	State State
	// ChunkLen: for a FIXED head frame, the run length; zero for
	// interior frames of a run, boot-reserved frames and FREE frames;
	// one for USER/EVICTING frames.
	ChunkLen uint32
	// Owner is a weak, lookup-only back-reference to the owning address
	// space for USER/EVICTING frames. coremap never dereferences it;
	// the type is opaque here to avoid an import cycle with
	// pkg/addrspace, which itself depends on coremap.
	Owner interface{}
	// VPN is the owning address space's virtual page number for
	// USER/EVICTING frames.
	VPN uint32
}

// Evictor is the eviction engine's interface as seen by the frame table:
// asked to free exactly one USER frame and report its index, or fail.
// Implemented by pkg/vmfault; injected after construction (via
// SetEvictor) to avoid coremap depending on vmfault, which itself depends
// on coremap.
type Evictor interface {
	EvictOne() (frameIndex uint32, err error)
}

// Table is the frame table for one machine. The zero value is not
// usable; construct with Bootstrap.
type Table struct {
	mu sync.Mutex

	frames   []Frame
	evictor  Evictor
	log      *logrus.Entry
	pageSize uint32
}

// Bootstrap computes the frame count from ramTop. Frames that start below
// firstFree start FIXED; the rest start FREE. Returns the table and the
// number of free pages.
//
// In a real kernel the frame table's own storage physically occupies the
// frames just above firstFree (original_source places it at
// PADDR_TO_KVADDR(first_free)); this Go port keeps the Table struct as a
// plain Go slice living in the Go heap rather than in the simulated
// physical RAM it describes, so unlike the original, no frames need to
// be additionally reserved for the table's own storage: every frame at
// or above firstFree is free.
func Bootstrap(ramTop, firstFree uint64, pageSize uint32) (*Table, uint32) {
	totalFrames := uint32(ramTop / uint64(pageSize))
	freeBase := firstFree

	t := &Table{
		frames:   make([]Frame, totalFrames),
		log:      logrus.WithField("component", "coremap"),
		pageSize: pageSize,
	}

	var free uint32
	for i := uint32(0); i < totalFrames; i++ {
		pageAddr := uint64(i) * uint64(pageSize)
		if pageAddr < freeBase {
			t.frames[i].State = Fixed
		} else {
			t.frames[i].State = Free
			free++
		}
	}

	t.log.WithFields(logrus.Fields{
		"total_frames": totalFrames,
		"free_frames":  free,
	}).Info("frame table bootstrapped")

	return t, free
}

// SetEvictor wires the eviction engine in after both it and the frame
// table have been constructed, breaking the coremap<->vmfault import
// cycle.
func (t *Table) SetEvictor(e Evictor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictor = e
}

// NumFrames returns the total frame count.
func (t *Table) NumFrames() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(len(t.frames))
}

// findRunLocked returns the index of the first run of n consecutive FREE
// frames (first-fit linear scan), or len(frames) if none exists. Must be
// called with t.mu held.
func (t *Table) findRunLocked(n uint32) uint32 {
	total := uint32(len(t.frames))
	for i := uint32(0); i+n <= total; {
		if t.frames[i].State != Free {
			i++
			continue
		}
		ok := true
		var j uint32
		for j = 1; j < n; j++ {
			if t.frames[i+j].State != Free {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
		i += j
	}
	return total
}

// AllocKernel allocates n contiguous FIXED frames and returns the index
// of the head frame, or (0, false) on failure. For n == 1, a failed scan
// triggers exactly one eviction attempt before giving up (spec.md §4.1).
// For n > 1, no eviction is attempted: a contiguous kernel run cannot be
// satisfied by evicting scattered user pages.
func (t *Table) AllocKernel(n uint32) (frameIndex uint32, ok bool) {
	if n == 0 {
		return 0, false
	}

	t.mu.Lock()
	idx := t.findRunLocked(n)
	if idx == uint32(len(t.frames)) && n == 1 {
		t.mu.Unlock()
		if t.tryEvictOnce() {
			t.mu.Lock()
			idx = t.findRunLocked(1)
		} else {
			t.mu.Lock()
		}
	}
	defer t.mu.Unlock()

	if idx == uint32(len(t.frames)) {
		t.log.WithField("n", n).Warn("alloc_kernel: out of memory")
		return 0, false
	}

	t.frames[idx].State = Fixed
	t.frames[idx].ChunkLen = n
	for j := uint32(1); j < n; j++ {
		t.frames[idx+j].State = Fixed
		t.frames[idx+j].ChunkLen = 0
	}
	return idx, true
}

// tryEvictOnce releases the frame-table lock (spec.md §4.1 "Calls into
// the eviction engine happen with the lock released") and asks the
// evictor for one frame. Returns true iff it succeeded, in which case
// the freed frame is already back in the FREE state and findRunLocked
// will see it.
func (t *Table) tryEvictOnce() bool {
	t.mu.Lock()
	evictor := t.evictor
	t.mu.Unlock()

	if evictor == nil {
		return false
	}
	if _, err := evictor.EvictOne(); err != nil {
		t.log.WithError(err).Warn("eviction attempt failed")
		return false
	}
	return true
}

// FreeKernel frees the kernel allocation whose head frame is at
// physical frame index idx, derived by the caller from a kernel-virtual
// address. Panics (matching OS/161's panic("free_kpages: bad or non-head
// page")) if idx is not a FIXED head.
func (t *Table) FreeKernel(idx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= uint32(len(t.frames)) || t.frames[idx].State != Fixed || t.frames[idx].ChunkLen == 0 {
		panic(fmt.Sprintf("coremap: free_kernel: bad or non-head frame @%d", idx))
	}

	run := t.frames[idx].ChunkLen
	for j := uint32(0); j < run; j++ {
		f := &t.frames[idx+j]
		if f.State != Fixed {
			panic(fmt.Sprintf("coremap: free_kernel: frame %d in run is not FIXED", idx+j))
		}
		f.State = Free
		f.ChunkLen = 0
		f.Owner = nil
		f.VPN = 0
	}
}

// AllocUser allocates one USER frame owned by owner at virtual page vpn.
// Must be called where sleeping is permitted: on scan failure it invokes
// the eviction engine exactly once before giving up.
func (t *Table) AllocUser(owner interface{}, vpn uint32) (frameIndex uint32, ok bool) {
	t.mu.Lock()
	idx := t.findRunLocked(1)
	if idx == uint32(len(t.frames)) {
		t.mu.Unlock()
		if t.tryEvictOnce() {
			t.mu.Lock()
			idx = t.findRunLocked(1)
		} else {
			t.mu.Lock()
		}
	}
	defer t.mu.Unlock()

	if idx == uint32(len(t.frames)) {
		return 0, false
	}

	t.frames[idx] = Frame{State: User, ChunkLen: 1, Owner: owner, VPN: vpn}
	return idx, true
}

// FreeUser releases a USER frame. If the frame is currently EVICTING,
// this is a silent no-op: the eviction engine owns the transition to
// FREE in that case, and callers cannot assume the frame is free on
// return (spec.md §9, second bullet). Panics if the frame is neither
// USER nor EVICTING, or if a USER frame somehow has ChunkLen != 1.
func (t *Table) FreeUser(idx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := &t.frames[idx]
	if f.State == Evicting {
		return
	}
	if f.State != User || f.ChunkLen != 1 {
		panic(fmt.Sprintf("coremap: free_user: frame %d is not a single USER frame (state=%v chunk_len=%d)", idx, f.State, f.ChunkLen))
	}
	f.State = Free
	f.ChunkLen = 0
	f.Owner = nil
	f.VPN = 0
}

// MarkEvicting transitions a USER frame to EVICTING, blocking further
// state changes until EvictionFinished or RevertEviction. Returns false
// if the frame was not USER (it may have raced to another state; the
// caller should treat this as a transient BUSY and retry).
func (t *Table) MarkEvicting(idx uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frames[idx].State != User {
		return false
	}
	t.frames[idx].State = Evicting
	return true
}

// EvictionFinished transitions an EVICTING frame to FREE. Panics if the
// frame is not EVICTING: this is the implementation's chosen fatal path
// for "double-eviction" (spec.md §9 design notes).
func (t *Table) EvictionFinished(idx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := &t.frames[idx]
	if f.State != Evicting {
		panic(fmt.Sprintf("coremap: eviction_finished: frame %d is not EVICTING", idx))
	}
	if f.ChunkLen != 1 {
		panic(fmt.Sprintf("coremap: eviction_finished: frame %d has chunk_len %d, want 1", idx, f.ChunkLen))
	}
	f.State = Free
	f.ChunkLen = 0
	f.Owner = nil
	f.VPN = 0
}

// RevertEviction transitions an EVICTING frame back to USER, for when
// eviction fails partway through (spec.md §4.6 step 3/4, and the
// corrected gap noted in spec.md §9 third bullet: eviction_finished
// would incorrectly mark the frame FREE while its PTE still claims RAM
// residency). Owner and VPN are left as they are: MarkEvicting does not
// clear them, so the frame keeps its original owner and page.
func (t *Table) RevertEviction(idx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := &t.frames[idx]
	if f.State != Evicting {
		panic(fmt.Sprintf("coremap: revert_eviction: frame %d is not EVICTING", idx))
	}
	f.State = User
}

// Frame returns a copy of frame idx's current state, for callers (such
// as the eviction engine) that need to read Owner/VPN under the frame
// lock before looking up the owning PTE.
func (t *Table) Frame(idx uint32) Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[idx]
}

// UsedBytes sums the size of every non-FREE frame, for diagnostics only
// (spec.md §4.1).
func (t *Table) UsedBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var used uint64
	for i := range t.frames {
		if t.frames[i].State != Free {
			used += uint64(t.pageSize)
		}
	}
	return used
}

// Dump logs a one-line summary of the frame table's state distribution,
// mirroring OS/161's coremap_dump.
func (t *Table) Dump() {
	t.mu.Lock()
	var free, fixed, user, evicting int
	for i := range t.frames {
		switch t.frames[i].State {
		case Free:
			free++
		case Fixed:
			fixed++
		case User:
			user++
		case Evicting:
			evicting++
		}
	}
	total := len(t.frames)
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"total": total, "free": free, "fixed": fixed, "user": user, "evicting": evicting,
	}).Info("coremap dump")
}

// FrameToAddr converts a frame index to its physical byte address.
func FrameToAddr(idx uint32, pageSize uint32) uint64 {
	return uint64(idx) * uint64(pageSize)
}

// AddrToFrame converts a physical byte address to a frame index.
func AddrToFrame(pa uint64, pageSize uint32) uint32 {
	return uint32(pa / uint64(pageSize))
}
