package addrspace

import (
	"github.com/google/btree"

	"github.com/Arasfon/os161/pkg/hostarch"
)

// Region is one virtual memory region: a page-aligned, non-overlapping
// [VBase, VBase+NPages*PageSize) range with the three OS/161 permission
// bits (spec.md §3 "Region").
type Region struct {
	VBase      hostarch.Addr
	NPages     uint32
	Readable   bool
	Writeable  bool
	Executable bool
}

// End returns the exclusive end address of r.
func (r Region) End() hostarch.Addr {
	return r.VBase + hostarch.Addr(r.NPages*hostarch.PageSize)
}

// Contains reports whether addr falls in r.
func (r Region) Contains(addr hostarch.Addr) bool {
	return addr >= r.VBase && addr < r.End()
}

// regionLess orders regions by base address; kept as a free function so
// both the btree comparator and any manual sorting in tests agree.
func regionLess(a, b Region) bool {
	return a.VBase < b.VBase
}

// regionSet is the ordered, non-overlapping region index for one address
// space, backed by google/btree's generic B-tree instead of the original
// kernel's singly linked list: the traversal the fault handler and
// as_copy both need ("find the region containing this address", "walk
// all regions in order") is exactly an ordered-set scan, and a B-tree
// gives that an O(log n) point lookup instead of O(n) for address spaces
// with many mapped regions.
type regionSet struct {
	t *btree.BTreeG[Region]
}

func newRegionSet() *regionSet {
	return &regionSet{t: btree.NewG(32, regionLess)}
}

func (s *regionSet) insert(r Region) {
	s.t.ReplaceOrInsert(r)
}

// find returns the region containing addr, if any.
func (s *regionSet) find(addr hostarch.Addr) (Region, bool) {
	var found Region
	var ok bool
	// DescendLessOrEqual walks regions with VBase <= addr in descending
	// order; the first one visited is the last region whose base is
	// <= addr, so only it needs a containment check.
	s.t.DescendLessOrEqual(Region{VBase: addr}, func(r Region) bool {
		if r.Contains(addr) {
			found, ok = r, true
		}
		return false // at most one candidate: the closest base <= addr
	})
	return found, ok
}

// ascend calls fn for every region in ascending base-address order,
// until fn returns false.
func (s *regionSet) ascend(fn func(Region) bool) {
	s.t.Ascend(func(r Region) bool {
		return fn(r)
	})
}

// clone deep-copies the region set (regions are plain values, so this is
// just a fresh tree with the same entries).
func (s *regionSet) clone() *regionSet {
	c := newRegionSet()
	s.ascend(func(r Region) bool {
		c.insert(r)
		return true
	})
	return c
}
