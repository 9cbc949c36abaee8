package swapstore

import (
	"testing"

	"github.com/Arasfon/os161/internal/machfake"
	"github.com/Arasfon/os161/pkg/vmerr"
)

const testPageSize = 4096

func newTestStore(t *testing.T, slots int) (*Store, *machfake.Vnode) {
	t.Helper()
	vn := machfake.NewVnode(int64(slots) * testPageSize)
	s, err := Init(vn, testPageSize)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s, vn
}

func TestAllocFreeRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 4)

	var slots []uint32
	for i := 0; i < 4; i++ {
		slot, err := s.AllocSlot()
		if err != nil {
			t.Fatalf("AllocSlot %d: %v", i, err)
		}
		slots = append(slots, slot)
	}

	if _, err := s.AllocSlot(); err != vmerr.OutOfSwap {
		t.Fatalf("expected OutOfSwap once exhausted, got %v", err)
	}

	for _, slot := range slots {
		s.FreeSlot(slot)
	}
	if got := s.FreeSlots(); got != 4 {
		t.Fatalf("FreeSlots after releasing all = %d, want 4", got)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	s, _ := newTestStore(t, 1)
	slot, err := s.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	s.FreeSlot(slot)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	s.FreeSlot(slot)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 2)
	slot, err := s.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}

	out := make([]byte, testPageSize)
	for i := range out {
		out[i] = byte(i)
	}
	if err := s.WriteOut(slot, out); err != nil {
		t.Fatalf("WriteOut: %v", err)
	}

	in := make([]byte, testPageSize)
	if err := s.ReadIn(slot, in); err != nil {
		t.Fatalf("ReadIn: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, in[i], out[i])
		}
	}
}

func TestDeviceErrorOnFailure(t *testing.T) {
	s, vn := newTestStore(t, 1)
	slot, err := s.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}

	vn.FailAfter = 0
	page := make([]byte, testPageSize)
	err = s.WriteOut(slot, page)
	if err == nil {
		t.Fatal("expected device error")
	}
	if vmerr.KindOf(err) != vmerr.KindDeviceError {
		t.Fatalf("KindOf = %v, want DEVICE_ERROR", vmerr.KindOf(err))
	}
}

func TestAllocPrefersLowestFreeSlot(t *testing.T) {
	s, _ := newTestStore(t, 3)
	a, _ := s.AllocSlot()
	b, _ := s.AllocSlot()
	s.FreeSlot(a)

	c, err := s.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	if c != a {
		t.Fatalf("expected reallocation to reuse freed slot %d, got %d (b=%d)", a, c, b)
	}
}
