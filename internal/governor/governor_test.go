package governor

import "testing"

func TestReserveSlotRespectsConcurrencyCap(t *testing.T) {
	g := NewWithLimits(MaxMemory, WarningThreshold, 2)
	if !g.ReserveSlot() {
		t.Fatalf("expected first transfer admitted")
	}
	if !g.ReserveSlot() {
		t.Fatalf("expected second transfer admitted")
	}
	if g.ReserveSlot() {
		t.Fatalf("expected third transfer to be rejected: at concurrency cap")
	}
}

func TestAllocateMemoryIsUnconditionalAndReportsOverLimit(t *testing.T) {
	g := NewWithLimits(100, 80, 10)
	g.AllocateMemory(90)
	if g.Snapshot().OverLimit {
		t.Fatalf("expected 90 of 100 to stay under the cap")
	}
	// AllocateMemory never rejects: the caller is expected to allocate
	// first, then consult Snapshot().OverLimit to decide whether to run
	// eviction, rather than have the allocation itself refuse the newest
	// transfer's chunk (spec §4.5 emergency cleanup evicts *older* transfers,
	// not the one that tipped the balance).
	g.AllocateMemory(20)
	if !g.Snapshot().OverLimit {
		t.Fatalf("expected memoryInFlight of 110 to exceed the 100 cap")
	}
}

func TestReleaseIsIdempotentSafe(t *testing.T) {
	g := New()
	g.ReserveSlot()
	g.AllocateMemory(1000)
	g.Release(1000)
	snap := g.Snapshot()
	if snap.MemoryInFlight != 0 || snap.ActiveTransfers != 0 {
		t.Fatalf("expected zeroed governor after release, got %+v", snap)
	}
	// A second release for the same transfer must never happen from
	// well-behaved callers (model.Transfer.ReleaseBuffers guards that), but
	// the governor itself should not go negative if it ever did.
	g.Release(1000)
	snap = g.Snapshot()
	if snap.MemoryInFlight != 0 || snap.ActiveTransfers != 0 {
		t.Fatalf("expected governor to clamp at zero, got %+v", snap)
	}
}

func TestReleaseFreesSlotEvenWithoutBuffers(t *testing.T) {
	g := NewWithLimits(MaxMemory, WarningThreshold, 1)
	g.ReserveSlot()
	if g.ReserveSlot() {
		t.Fatalf("expected concurrency cap of 1 to reject a second reservation")
	}
	// A transfer rejected/cancelled before its first chunk never allocates
	// memory, but its reserved slot must still be freed.
	g.Release(0)
	if !g.ReserveSlot() {
		t.Fatalf("expected slot to be free again after Release(0)")
	}
}

func TestAdmitConnectionRejectsOverLimit(t *testing.T) {
	g := NewWithLimits(100, 80, 10)
	g.AllocateMemory(150)
	if g.AdmitConnection() {
		t.Fatalf("expected new connections rejected while over memory limit")
	}
}
