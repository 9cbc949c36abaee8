// Package swapstore manages the on-disk swap slot allocator and backing
// I/O, grounded on original_source/kern/include/vm.h's struct swapmap
// and the swap-related paths of kern/vm/vm.c (vm_fault's SWAP-state
// branch).
//
// A slot is a PageSize-sized region of the backing vnode at byte offset
// slot*PageSize (spec.md §6 "Persisted layout"). Slot 0 is valid and
// allocatable: unlike the coremap, whose frame 0 is never a plain "no
// frame" sentinel because frame indices are always paired with an
// explicit state, PTEs that reference a swap slot carry their own
// separate "is this PTE in the SWAP state at all" bit (pkg/pagetable),
// so slot 0 needs no reservation here.
package swapstore

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Arasfon/os161/pkg/machdep"
	"github.com/Arasfon/os161/pkg/vmerr"
)

// Store is the swap slot allocator and I/O path for one backing vnode.
type Store struct {
	mu       sync.Mutex
	free     slotBitmap // bit set => slot is free
	vnode    machdep.SwapVnode
	pageSize uint32
	log      *logrus.Entry
}

// Init sizes the slot bitmap from the vnode's byte size and marks every
// slot free, mirroring vm_bootstrap's swap_bootstrap step.
func Init(vnode machdep.SwapVnode, pageSize uint32) (*Store, error) {
	size, err := vnode.Size()
	if err != nil {
		return nil, errors.Wrap(vmerr.DeviceError, err.Error())
	}
	if size < 0 {
		return nil, errors.Errorf("swapstore: negative vnode size %d", size)
	}

	nslots := uint32(uint64(size) / uint64(pageSize))
	s := &Store{
		free:     newSlotBitmap(nslots),
		vnode:    vnode,
		pageSize: pageSize,
		log:      logrus.WithField("component", "swapstore"),
	}
	for i := uint32(0); i < nslots; i++ {
		s.free.set(i)
	}

	s.log.WithField("slots", nslots).Info("swap store initialized")
	return s, nil
}

// NumSlots returns the total slot count.
func (s *Store) NumSlots() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.nbits
}

// FreeSlots returns the number of currently-unused slots.
func (s *Store) FreeSlots() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.count()
}

// AllocSlot reserves and returns one free slot, or vmerr.OutOfSwap if
// none remain.
func (s *Store) AllocSlot() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.free.firstSet(0)
	if !ok {
		return 0, vmerr.OutOfSwap
	}
	s.free.clear(slot)
	return slot, nil
}

// FreeSlot releases slot back to the free pool. Panics if the slot was
// already free: a double free here means a PTE or the coremap lost track
// of its own swap_slot, which the original implementation treats as a
// coremap-level invariant violation rather than something to mask.
func (s *Store) FreeSlot(slot uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.free.isSet(slot) {
		panic("swapstore: double free of swap slot")
	}
	s.free.set(slot)
}

// WriteOut writes one page's contents to slot. Returns vmerr.DeviceError
// (wrapping the I/O error) on failure, leaving the slot allocated so the
// caller can retry or propagate the fault.
func (s *Store) WriteOut(slot uint32, page []byte) error {
	if uint32(len(page)) != s.pageSize {
		return errors.Errorf("swapstore: page buffer is %d bytes, want %d", len(page), s.pageSize)
	}
	off := int64(slot) * int64(s.pageSize)
	n, err := s.vnode.WriteAt(page, off)
	if err != nil {
		return errors.Wrapf(vmerr.DeviceError, "swap write slot %d: %v", slot, err)
	}
	if uint32(n) != s.pageSize {
		return errors.Wrapf(vmerr.DeviceError, "swap write slot %d: short write %d/%d bytes", slot, n, s.pageSize)
	}
	return nil
}

// ReadIn reads slot's contents into page. Returns vmerr.DeviceError on
// failure.
func (s *Store) ReadIn(slot uint32, page []byte) error {
	if uint32(len(page)) != s.pageSize {
		return errors.Errorf("swapstore: page buffer is %d bytes, want %d", len(page), s.pageSize)
	}
	off := int64(slot) * int64(s.pageSize)
	n, err := s.vnode.ReadAt(page, off)
	if err != nil {
		return errors.Wrapf(vmerr.DeviceError, "swap read slot %d: %v", slot, err)
	}
	if uint32(n) != s.pageSize {
		return errors.Wrapf(vmerr.DeviceError, "swap read slot %d: short read %d/%d bytes", slot, n, s.pageSize)
	}
	return nil
}
