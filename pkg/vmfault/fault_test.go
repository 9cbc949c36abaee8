package vmfault

import (
	"bytes"
	"testing"

	"github.com/Arasfon/os161/internal/machfake"
	"github.com/Arasfon/os161/pkg/addrspace"
	"github.com/Arasfon/os161/pkg/coremap"
	"github.com/Arasfon/os161/pkg/hostarch"
	"github.com/Arasfon/os161/pkg/pagetable"
	"github.com/Arasfon/os161/pkg/swapstore"
	"github.com/Arasfon/os161/pkg/vmconf"
	"github.com/Arasfon/os161/pkg/vmerr"
)

const pageSize = 4096

type harness struct {
	m       *addrspace.Machine
	handler *Handler
	engine  *Engine
}

func newHarness(t *testing.T, totalPages, firstFreePages uint32, swapSlots int) *harness {
	t.Helper()
	cfg := vmconf.DefaultConfig()
	cfg.PageSize = pageSize

	ram := machfake.NewRAM(uint64(totalPages)*pageSize, uint64(firstFreePages)*pageSize)
	cm, _ := coremap.Bootstrap(ram.Top(), ram.FirstFree(), pageSize)

	vnode := machfake.NewVnode(int64(swapSlots) * pageSize)
	swap, err := swapstore.Init(vnode, pageSize)
	if err != nil {
		t.Fatalf("swapstore.Init: %v", err)
	}

	tlb := machfake.NewTLB(8, pageSize)
	gate := machfake.Gate{}

	m := addrspace.NewMachine(cfg, cm, swap, tlb, ram, gate)

	engine := NewEngine(cm, cfg.SwapReplacementLogInterval)
	cm.SetEvictor(engine)

	return &harness{m: m, handler: NewHandler(), engine: engine}
}

func TestZeroFillFaultRoundTrip(t *testing.T) {
	h := newHarness(t, 64, 4, 16)
	as := h.m.Create()
	if err := as.DefineRegion(0x400000, 2*pageSize, true, false, true); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}

	before := h.m.Coremap.UsedBytes()

	if err := h.handler.HandleFault(as, FaultRead, 0x400abc); err != nil {
		t.Fatalf("first fault: %v", err)
	}
	if err := h.handler.HandleFault(as, FaultRead, 0x400abd); err != nil {
		t.Fatalf("second fault on same page: %v", err)
	}

	after := h.m.Coremap.UsedBytes()
	if after-before != pageSize {
		t.Fatalf("used_bytes grew by %d, want %d", after-before, pageSize)
	}

	pte, ok := as.PageTable().GetEntry(hostarch.Addr(0x400000).VPN(), false)
	if !ok {
		t.Fatal("expected PTE to exist after fault")
	}
	if pte.State != pagetable.RAM {
		t.Fatalf("PTE state = %v, want RAM", pte.State)
	}
}

func TestWriteToReadonlyIsPermission(t *testing.T) {
	h := newHarness(t, 64, 4, 16)
	as := h.m.Create()
	if err := as.DefineRegion(0x400000, pageSize, true, false, true); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	if err := as.PrepareLoad(); err != nil {
		t.Fatalf("PrepareLoad: %v", err)
	}
	if err := as.CompleteLoad(); err != nil {
		t.Fatalf("CompleteLoad: %v", err)
	}

	before := h.m.Coremap.UsedBytes()
	err := h.handler.HandleFault(as, FaultReadOnlyWrite, 0x400000)
	if vmerr.KindOf(err) != vmerr.KindPermission {
		t.Fatalf("KindOf(err) = %v, want PERMISSION", vmerr.KindOf(err))
	}
	after := h.m.Coremap.UsedBytes()
	if after != before {
		t.Fatal("expected no frame materialized for a readonly-write fault")
	}
}

func TestHeapGrowShrinkRoundTrip(t *testing.T) {
	h := newHarness(t, 64, 4, 16)
	as := h.m.Create()
	if err := as.DefineRegion(0x400000, pageSize, true, true, false); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	// Heap begins right after the region, at 0x401000; the test grows
	// from whatever break DefineRegion set rather than from a fixed
	// literal address.
	old, err := as.AdjustBreak(0)
	if err != nil {
		t.Fatalf("AdjustBreak(0): %v", err)
	}

	before := h.m.Coremap.UsedBytes()

	grown, err := as.AdjustBreak(8192)
	if err != nil {
		t.Fatalf("AdjustBreak(+8192): %v", err)
	}
	if grown != old {
		t.Fatalf("AdjustBreak(+8192) returned %s, want old break %s", grown, old)
	}

	if err := h.handler.HandleFault(as, FaultWrite, old); err != nil {
		t.Fatalf("fault at %s: %v", old, err)
	}
	if err := h.handler.HandleFault(as, FaultWrite, old+pageSize); err != nil {
		t.Fatalf("fault at %s: %v", old+pageSize, err)
	}

	shrunk, err := as.AdjustBreak(-8192)
	if err != nil {
		t.Fatalf("AdjustBreak(-8192): %v", err)
	}
	if shrunk != old+8192 {
		t.Fatalf("AdjustBreak(-8192) returned %s, want %s", shrunk, old+8192)
	}

	after := h.m.Coremap.UsedBytes()
	if after != before {
		t.Fatalf("used_bytes after shrink = %d, want %d (pre-grow value)", after, before)
	}
}

func TestForkPreservesContents(t *testing.T) {
	h := newHarness(t, 64, 4, 16)
	parent := h.m.Create()
	if err := parent.DefineRegion(0x400000, pageSize, true, true, false); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	if err := h.handler.HandleFault(parent, FaultWrite, 0x400000); err != nil {
		t.Fatalf("fault: %v", err)
	}

	pte, _ := parent.PageTable().GetEntry(hostarch.Addr(0x400000).VPN(), false)
	pa := coremap.FrameToAddr(pte.PFN, pageSize)
	h.m.Phys.Write(pa, []byte{0xA, 0xB, 0xC})

	child, err := parent.Copy()
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if err := h.handler.HandleFault(child, FaultRead, 0x400000); err != nil {
		t.Fatalf("child fault: %v", err)
	}
	childPTE, _ := child.PageTable().GetEntry(hostarch.Addr(0x400000).VPN(), false)
	childBuf := make([]byte, 3)
	h.m.Phys.Read(coremap.FrameToAddr(childPTE.PFN, pageSize), childBuf)
	if !bytes.Equal(childBuf, []byte{0xA, 0xB, 0xC}) {
		t.Fatalf("child contents = %v, want [A B C]", childBuf)
	}

	h.m.Phys.Write(pa, []byte{0xFF})
	childBuf2 := make([]byte, 1)
	h.m.Phys.Read(coremap.FrameToAddr(childPTE.PFN, pageSize), childBuf2)
	if childBuf2[0] != 0xA {
		t.Fatalf("child first byte after parent overwrite = %#x, want 0xA", childBuf2[0])
	}
}

func TestEvictionUnderPressureRoundTrips(t *testing.T) {
	// 2 user-allocable frames (ram has 4 pages total, 2 reserved FIXED
	// via firstFreePages), 3 distinct address spaces each touching one
	// page: forces at least one RAM -> SWAP -> RAM transition.
	h := newHarness(t, 4, 2, 16)

	var spaces []*addrspace.AddressSpace
	var values []byte
	for i := 0; i < 3; i++ {
		as := h.m.Create()
		if err := as.DefineRegion(0x400000, pageSize, true, true, false); err != nil {
			t.Fatalf("DefineRegion %d: %v", i, err)
		}
		if err := h.handler.HandleFault(as, FaultWrite, 0x400000); err != nil {
			t.Fatalf("initial fault %d: %v", i, err)
		}
		pte, _ := as.PageTable().GetEntry(hostarch.Addr(0x400000).VPN(), false)
		val := byte(0x10 + i)
		h.m.Phys.Write(coremap.FrameToAddr(pte.PFN, pageSize), []byte{val})
		spaces = append(spaces, as)
		values = append(values, val)
	}

	for i, as := range spaces {
		if err := h.handler.HandleFault(as, FaultRead, 0x400000); err != nil {
			t.Fatalf("re-touch fault %d: %v", i, err)
		}
		pte, _ := as.PageTable().GetEntry(hostarch.Addr(0x400000).VPN(), false)
		if pte.State != pagetable.RAM {
			t.Fatalf("space %d PTE not RAM after re-touch", i)
		}
		buf := make([]byte, 1)
		h.m.Phys.Read(coremap.FrameToAddr(pte.PFN, pageSize), buf)
		if buf[0] != values[i] {
			t.Fatalf("space %d contents after evict/refault = %#x, want %#x", i, buf[0], values[i])
		}
	}
}
