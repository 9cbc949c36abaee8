package addrspace

import (
	"testing"

	"github.com/Arasfon/os161/internal/machfake"
	"github.com/Arasfon/os161/pkg/coremap"
	"github.com/Arasfon/os161/pkg/hostarch"
	"github.com/Arasfon/os161/pkg/pagetable"
	"github.com/Arasfon/os161/pkg/swapstore"
	"github.com/Arasfon/os161/pkg/vmconf"
)

const testPageSize = 4096

func newTestMachine(t *testing.T, totalPages, firstFreePages uint32, swapSlots int) *Machine {
	t.Helper()
	cfg := vmconf.DefaultConfig()
	cfg.PageSize = testPageSize

	ram := machfake.NewRAM(uint64(totalPages)*testPageSize, uint64(firstFreePages)*testPageSize)
	cm, _ := coremap.Bootstrap(ram.Top(), ram.FirstFree(), testPageSize)

	vnode := machfake.NewVnode(int64(swapSlots) * testPageSize)
	swap, err := swapstore.Init(vnode, testPageSize)
	if err != nil {
		t.Fatalf("swapstore.Init: %v", err)
	}

	tlb := machfake.NewTLB(8, testPageSize)
	return NewMachine(cfg, cm, swap, tlb, ram, machfake.Gate{})
}

func TestDefineRegionAdvancesHeap(t *testing.T) {
	m := newTestMachine(t, 16, 2, 4)
	as := m.Create()

	if err := as.DefineRegion(0x400000, 2*testPageSize, true, false, true); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}

	heap := as.HeapRange()
	want := hostarch.Addr(0x400000 + 2*testPageSize)
	if heap.Start != want || heap.End != want {
		t.Fatalf("heap range = %s, want [%s, %s)", heap, want, want)
	}
}

func TestDefineStackDoesNotDisturbHeap(t *testing.T) {
	m := newTestMachine(t, 16, 2, 4)
	as := m.Create()
	if err := as.DefineRegion(0x400000, testPageSize, true, true, false); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	before := as.HeapRange()

	sp, err := as.DefineStack()
	if err != nil {
		t.Fatalf("DefineStack: %v", err)
	}
	if sp != hostarch.Addr(m.Cfg.UserStack) {
		t.Fatalf("initial SP = %s, want %#x", sp, m.Cfg.UserStack)
	}

	after := as.HeapRange()
	if before != after {
		t.Fatalf("heap range changed by DefineStack: before=%s after=%s", before, after)
	}
}

func TestPrepareCompleteLoadSetsReadonly(t *testing.T) {
	m := newTestMachine(t, 16, 2, 4)
	as := m.Create()
	if err := as.DefineRegion(0x400000, testPageSize, true, false, true); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	if err := as.PrepareLoad(); err != nil {
		t.Fatalf("PrepareLoad: %v", err)
	}
	if err := as.CompleteLoad(); err != nil {
		t.Fatalf("CompleteLoad: %v", err)
	}

	pte, ok := as.pt.GetEntry(hostarch.Addr(0x400000).VPN(), false)
	if !ok {
		t.Fatal("expected PTE to exist after prepare/complete load")
	}
	if pte.State != pagetable.Zero {
		t.Fatalf("state = %v, want ZERO", pte.State)
	}
	if !pte.Readonly {
		t.Fatal("expected readonly=true for a non-writeable region")
	}
}

func TestDestroyReleasesFramesAndSlots(t *testing.T) {
	m := newTestMachine(t, 16, 2, 4)
	as := m.Create()

	pte, _ := as.pt.GetEntry(5, true)
	frame, ok := m.Coremap.AllocUser(as, 5)
	if !ok {
		t.Fatal("AllocUser failed")
	}
	pte.State = pagetable.RAM
	pte.PFN = frame

	slotPTE, _ := as.pt.GetEntry(6, true)
	slot, err := m.Swap.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	slotPTE.State = pagetable.Swap
	slotPTE.SwapSlot = slot

	usedBefore := m.Coremap.UsedBytes()
	slotsBefore := m.Swap.FreeSlots()

	as.Destroy()

	if got := m.Coremap.UsedBytes(); got >= usedBefore {
		t.Fatalf("UsedBytes after destroy = %d, want less than %d", got, usedBefore)
	}
	if got := m.Swap.FreeSlots(); got <= slotsBefore {
		t.Fatalf("FreeSlots after destroy = %d, want more than %d", got, slotsBefore)
	}
}

func TestAdjustBreakRejectsGrowthPastStackReservation(t *testing.T) {
	m := newTestMachine(t, 16, 2, 4)
	as := m.Create()

	huge := int32(m.Cfg.HeapLimit()) + 1
	if _, err := as.AdjustBreak(huge); err == nil {
		t.Fatal("expected growth past the stack reservation to fail")
	}
}

func TestAdjustBreakSamePageFreesNoFrames(t *testing.T) {
	m := newTestMachine(t, 16, 2, 4)
	as := m.Create()
	if err := as.DefineRegion(0x400000, testPageSize, true, true, false); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}

	if _, err := as.AdjustBreak(16); err != nil {
		t.Fatalf("AdjustBreak(+16): %v", err)
	}
	before := m.Coremap.UsedBytes()
	if _, err := as.AdjustBreak(-8); err != nil {
		t.Fatalf("AdjustBreak(-8): %v", err)
	}
	after := m.Coremap.UsedBytes()
	if before != after {
		t.Fatalf("shrink within the same page freed frames: before=%d after=%d", before, after)
	}
}
