// Package xfer implements the Transfer Engine (spec §4.6): the per-transfer
// state machine from offer through chunk streaming to completion, plus the
// memory-pressure emergency cleanup of spec §4.5 (which needs the actual
// Transfer objects, not just governor counters, to decide which to evict).
package xfer

import (
	"encoding/base64"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"relaydrop/internal/governor"
	"relaydrop/internal/model"
	"relaydrop/internal/protocol"
	"relaydrop/internal/registry"
)

// Error taxonomy names, sent verbatim in transferError.message (spec §7).
var (
	ErrTargetNotFound    = errors.New("TargetNotFound")
	ErrCrossRoomTransfer = errors.New("CrossRoomTransfer")
	ErrTargetOffline     = errors.New("TargetOffline")
	ErrMemoryExhausted   = errors.New("MemoryExhausted")
	ErrSenderUnavailable = errors.New("SenderUnavailable")
	ErrAssemblyFailed    = errors.New("AssemblyFailed")
	ErrUnknownTransfer   = errors.New("UnknownTransfer")
	ErrDuplicateTransfer = errors.New("DuplicateTransfer")
)

const (
	recentlyCompletedCacheSize = 2048
	keepMostRecentOnEviction   = 5
	normalSweepAge             = 5 * time.Minute
)

// Engine owns the process-wide active-transfer map.
type Engine struct {
	catalog *registry.Catalog
	gov     *governor.Governor

	mu        sync.Mutex
	transfers map[string]*model.Transfer

	// recentIDs guards against a caller-proposed transferId colliding with
	// one that already ran to completion (spec §9: "treat caller-proposed
	// ids as untrusted; dedupe, reject collisions on active transfers").
	recentIDs *lru.Cache[string, struct{}]
}

func NewEngine(catalog *registry.Catalog, gov *governor.Governor) *Engine {
	cache, _ := lru.New[string, struct{}](recentlyCompletedCacheSize)
	return &Engine{
		catalog:   catalog,
		gov:       gov,
		transfers: make(map[string]*model.Transfer),
		recentIDs: cache,
	}
}

// Get returns the transfer by id.
func (e *Engine) Get(id string) (*model.Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	return t, ok
}

// List returns a snapshot of all active transfers.
func (e *Engine) List() []*model.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		out = append(out, t)
	}
	return out
}

// Offer begins the pending state for a new transfer (spec §4.6 "offer").
func (e *Engine) Offer(fromID string, in protocol.FileTransferIn) (*model.Transfer, error) {
	sender, ok := e.catalog.Get(fromID)
	if !ok {
		return nil, ErrSenderUnavailable
	}
	target, ok := e.catalog.Get(in.TargetID)
	if !ok {
		return nil, ErrTargetNotFound
	}
	if !target.Online {
		return nil, ErrTargetOffline
	}
	if sender.RoomID == "" || sender.RoomID != target.RoomID {
		return nil, ErrCrossRoomTransfer
	}

	id := in.TransferID
	if id == "" {
		id = uuid.NewString()
	}

	e.mu.Lock()
	if _, exists := e.transfers[id]; exists {
		e.mu.Unlock()
		return nil, ErrDuplicateTransfer
	}
	if _, seen := e.recentIDs.Get(id); seen {
		e.mu.Unlock()
		return nil, ErrDuplicateTransfer
	}
	if !e.gov.ReserveSlot() {
		e.mu.Unlock()
		return nil, ErrMemoryExhausted
	}

	files := make([]model.FileMeta, 0, len(in.Files))
	var total int64
	for _, f := range in.Files {
		files = append(files, model.FileMeta{Name: f.Name, Size: f.Size, Type: f.Type})
		total += f.Size
	}

	t := &model.Transfer{
		ID:             id,
		FromDeviceID:   fromID,
		TargetDeviceID: in.TargetID,
		Files:          files,
		Timestamp:      time.Now(),
		Status:         model.StatusPending,
		TotalSize:      total,
		StartTime:      time.Now(),
	}
	e.transfers[id] = t
	e.mu.Unlock()

	return t, nil
}

// Accept moves a transfer from pending to accepted.
func (e *Engine) Accept(id string) (*model.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return nil, ErrUnknownTransfer
	}
	t.Status = model.StatusAccepted
	return t, nil
}

// Reject moves a transfer to rejected and erases it (no buffers exist yet
// at reject time per spec §4.6).
func (e *Engine) Reject(id string) (*model.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return nil, ErrUnknownTransfer
	}
	t.Status = model.StatusRejected
	e.finalizeLocked(t)
	return t, nil
}

// Cancel releases buffers and deletes the transfer immediately.
func (e *Engine) Cancel(id string) (*model.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return nil, ErrUnknownTransfer
	}
	t.Status = model.StatusCancelled
	e.finalizeLocked(t)
	return t, nil
}

// ChunkResult reports what the caller should emit after Chunk returns.
type ChunkResult struct {
	Transfer      *model.Transfer
	JustCompleted bool
	AssembledB64  string
	// Evicted holds transfers the emergency memory-pressure sweep (spec
	// §4.5) errored out as a side effect of admitting this chunk's
	// allocation. Callers must notify each evicted transfer's sender.
	Evicted []*model.Transfer
}

// Chunk applies a single indexed chunk from the sender (spec §4.6 "chunk(i)").
// The payload is expected to already be decoded from base64 (prefix
// stripped) by the caller — see NormalizeBase64.
func (e *Engine) Chunk(id string, index, totalChunks int, fileSize int64, payload []byte) (ChunkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[id]
	if !ok {
		return ChunkResult{}, ErrUnknownTransfer
	}

	var evicted []*model.Transfer
	if t.Chunks == nil {
		t.TotalSize = fileSize
		t.AllocateBuffers(totalChunks)
		e.gov.AllocateMemory(t.BufferedBytes())
		t.Status = model.StatusStreaming
		// Allocation is unconditional; over-limit is handled *after* the
		// fact by evicting the oldest streaming transfers, not by rejecting
		// the chunk that tipped the balance (spec §4.5 "keep the 5 most
		// recently created transfers"). t itself is the most recently
		// created transfer to enter streaming, but it is not necessarily
		// among the 5 most recently *offered* ones — if it was offered a
		// while before being accepted, the sweep can evict it too.
		evicted = e.maybeEmergencyCleanupLocked()
		if t.Status.Terminal() {
			for i, ev := range evicted {
				if ev.ID == t.ID {
					evicted = append(evicted[:i], evicted[i+1:]...)
					break
				}
			}
			return ChunkResult{Transfer: t, Evicted: evicted}, ErrMemoryExhausted
		}
	} else if t.TotalChunks != totalChunks {
		// Divergent totalChunks between chunks of the same transfer is a
		// protocol violation (spec §4.6 edge cases).
		t.Status = model.StatusErrored
		e.finalizeLocked(t)
		return ChunkResult{Transfer: t}, ErrAssemblyFailed
	}

	if index < 0 || index >= len(t.Chunks) {
		return ChunkResult{Transfer: t, Evicted: evicted}, ErrAssemblyFailed
	}
	if t.Chunks[index] == nil {
		t.ReceivedChunks++
	}
	t.Chunks[index] = payload

	if t.ReceivedChunks < t.TotalChunks {
		return ChunkResult{Transfer: t, Evicted: evicted}, nil
	}

	assembled, err := assemble(t.Chunks)
	if err != nil {
		t.Status = model.StatusErrored
		e.finalizeLocked(t)
		return ChunkResult{Transfer: t, Evicted: evicted}, ErrAssemblyFailed
	}
	t.Status = model.StatusCompleted
	t.EndTime = time.Now()
	e.finalizeLocked(t)
	return ChunkResult{Transfer: t, JustCompleted: true, AssembledB64: assembled, Evicted: evicted}, nil
}

// assemble concatenates chunk payloads (already-decoded bytes) in index
// order and re-encodes once as a single base64 blob, matching the
// per-chunk-decode / one-final-encode strategy spec §9 recommends to avoid
// quadratic base64 reallocation.
func assemble(chunks [][]byte) (string, error) {
	var total int
	for _, c := range chunks {
		if c == nil {
			return "", ErrAssemblyFailed
		}
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// NormalizeBase64 strips an optional data-URL prefix ("data:...;base64,")
// and returns decoded bytes, per spec §4.6 / §9.
func NormalizeBase64(raw string) ([]byte, error) {
	s := raw
	if idx := strings.IndexByte(s, ','); idx >= 0 && strings.Contains(s[:idx], ";base64") {
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}

// RequestMissing returns the payloads (still buffered) for the requested
// indices, per spec §4.6 "request-missing". Indices no longer buffered are
// silently dropped.
func (e *Engine) RequestMissing(id string, indices []int) ([]FileChunkResend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return nil, ErrUnknownTransfer
	}
	out := make([]FileChunkResend, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(t.Chunks) || t.Chunks[idx] == nil {
			continue
		}
		out = append(out, FileChunkResend{Index: idx, TotalChunks: t.TotalChunks, Payload: t.Chunks[idx]})
	}
	return out, nil
}

// FileChunkResend is a chunk re-emitted to satisfy requestMissingChunks.
type FileChunkResend struct {
	Index       int
	TotalChunks int
	Payload     []byte
}

// ErrorTransfersForDevice moves every non-terminal transfer where
// deviceID is sender or receiver into errored state, per spec §4.6/§5
// ("A channel close cancels all outstanding state changes tied to its
// device"). Returns the transfers that changed, so the caller can notify
// the counterpart and re-broadcast presence.
func (e *Engine) ErrorTransfersForDevice(deviceID string) []*model.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	var affected []*model.Transfer
	for _, t := range e.transfers {
		if t.Status.Terminal() {
			continue
		}
		if t.FromDeviceID != deviceID && t.TargetDeviceID != deviceID {
			continue
		}
		t.Status = model.StatusErrored
		e.finalizeLocked(t)
		affected = append(affected, t)
	}
	return affected
}

// ExpireOlderThan finalizes (as errored) every transfer whose Timestamp
// predates the cutoff, for the Janitor's 60-minute sweep (spec §4.8).
func (e *Engine) ExpireOlderThan(cutoff time.Time) []*model.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	var expired []*model.Transfer
	for _, t := range e.transfers {
		if t.Status.Terminal() {
			continue
		}
		if t.Timestamp.After(cutoff) {
			continue
		}
		t.Status = model.StatusErrored
		e.finalizeLocked(t)
		expired = append(expired, t)
	}
	return expired
}

// SweepAged finalizes transfers older than normalSweepAge that hold chunk
// buffers, for the governor's WarningThreshold sweep (spec §4.5). Transfers
// that have not received a chunk yet are left alone.
func (e *Engine) SweepAged() []*model.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-normalSweepAge)
	var swept []*model.Transfer
	for _, t := range e.transfers {
		if t.Status.Terminal() || t.Chunks == nil {
			continue
		}
		if t.Timestamp.After(cutoff) {
			continue
		}
		t.Status = model.StatusErrored
		e.finalizeLocked(t)
		swept = append(swept, t)
	}
	return swept
}

// maybeEmergencyCleanupLocked implements spec §4.5's emergency cleanup:
// once memoryInFlight exceeds MaxMemory, keep the keepMostRecentOnEviction
// most-recently-created streaming transfers and error out the rest. Caller
// must hold e.mu.
func (e *Engine) maybeEmergencyCleanupLocked() []*model.Transfer {
	if !e.gov.Snapshot().OverLimit {
		return nil
	}
	streaming := make([]*model.Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		if t.Status == model.StatusStreaming {
			streaming = append(streaming, t)
		}
	}
	if len(streaming) <= keepMostRecentOnEviction {
		return nil
	}
	sort.Slice(streaming, func(i, j int) bool { return streaming[i].Timestamp.After(streaming[j].Timestamp) })

	var evicted []*model.Transfer
	for _, t := range streaming[keepMostRecentOnEviction:] {
		t.Status = model.StatusErrored
		e.finalizeLocked(t)
		evicted = append(evicted, t)
	}
	log.Printf("[XFER] emergency cleanup evicted %d transfers", len(evicted))
	return evicted
}

// finalizeLocked releases governor accounting exactly once and records the
// transfer id so a later caller-proposed id collision is rejected. Caller
// must hold e.mu.
func (e *Engine) finalizeLocked(t *model.Transfer) {
	// ReleaseBuffers reports 0 for a transfer that never reached streaming
	// (rejected/cancelled/errored before its first chunk), but the
	// concurrency slot ReserveSlot granted at offer time still has to be
	// freed, so Release is called unconditionally rather than only when
	// bytes were actually freed.
	e.gov.Release(t.ReleaseBuffers())
	e.recentIDs.Add(t.ID, struct{}{})
	if t.Status.Terminal() {
		delete(e.transfers, t.ID)
	}
}
