// Package governor implements the in-memory resource governor (spec §4.5):
// the byte-accounting and concurrency admission authority for active
// transfers.
package governor

import (
	"sync"
)

const (
	// MaxMemory is the hard cap on bytes held by Transfer buffers.
	MaxMemory = 500 * 1024 * 1024
	// WarningThreshold triggers a normal sweep of aging transfers.
	WarningThreshold = 400 * 1024 * 1024
	// MaxConcurrentTransfers caps simultaneous active transfers: a slot is
	// held from offer until the terminal transition.
	MaxConcurrentTransfers = 5
)

// Governor tracks memoryInFlight and activeTransferCount (spec §3
// "Process-wide state").
type Governor struct {
	mu               sync.Mutex
	memoryInFlight   int64
	activeTransfers  int
	maxMemory        int64
	warningThreshold int64
	maxConcurrent    int
}

// New constructs a Governor with the spec's default limits. Tests and
// alternate deployments can use NewWithLimits for tighter bounds.
func New() *Governor {
	return NewWithLimits(MaxMemory, WarningThreshold, MaxConcurrentTransfers)
}

func NewWithLimits(maxMemory, warningThreshold int64, maxConcurrent int) *Governor {
	return &Governor{
		maxMemory:        maxMemory,
		warningThreshold: warningThreshold,
		maxConcurrent:    maxConcurrent,
	}
}

// AdmitConnection reports whether a new connection may be accepted, per
// spec §4.3 admission control ("If heapBytes > MAX_MEMORY, new connections
// are rejected at the handshake layer").
func (g *Governor) AdmitConnection() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memoryInFlight <= g.maxMemory
}

// ReserveSlot reports whether another transfer may be offered at all,
// independent of its size, and if so reserves the slot atomically — spec
// §4.5's activeTransferCount cap, checked at offer time ("further offers
// are rejected immediately with transferError: memory"). The reservation
// is released exactly once, on the transfer's terminal transition, by
// Release.
func (g *Governor) ReserveSlot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activeTransfers >= g.maxConcurrent {
		return false
	}
	g.activeTransfers++
	return true
}

// AllocateMemory accounts size bytes against memoryInFlight, once the
// transfer actually starts streaming on its first fileChunk. The
// concurrency slot itself was already reserved at offer time by
// ReserveSlot. Allocation is unconditional — spec §4.5 does not reject the
// chunk that pushes memoryInFlight over MAX_MEMORY; it admits it and then
// runs emergency cleanup against the resulting over-limit state, evicting
// older streaming transfers instead. Engine.Chunk is the caller that runs
// that cleanup immediately after this call.
func (g *Governor) AllocateMemory(size int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.memoryInFlight += size
}

// Release frees the transfer's concurrency slot and, if it had allocated
// buffers, deducts size bytes from memoryInFlight. Callers must invoke this
// exactly once per transfer, on its terminal transition — regardless of
// whether the transfer ever reached the streaming state (Transfer.
// ReleaseBuffers returns 0 for a transfer that never allocated buffers, but
// the reserved slot still needs to be freed).
func (g *Governor) Release(size int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if size > 0 {
		g.memoryInFlight -= size
		if g.memoryInFlight < 0 {
			g.memoryInFlight = 0
		}
	}
	g.activeTransfers--
	if g.activeTransfers < 0 {
		g.activeTransfers = 0
	}
}

// Stats is a point-in-time snapshot for the /api/server-info collaborator.
type Stats struct {
	MemoryInFlight  int64
	MaxMemory       int64
	ActiveTransfers int
	MaxConcurrent   int
	OverWarning     bool
	OverLimit       bool
}

func (g *Governor) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		MemoryInFlight:  g.memoryInFlight,
		MaxMemory:       g.maxMemory,
		ActiveTransfers: g.activeTransfers,
		MaxConcurrent:   g.maxConcurrent,
		OverWarning:     g.memoryInFlight > g.warningThreshold,
		OverLimit:       g.memoryInFlight > g.maxMemory,
	}
}
