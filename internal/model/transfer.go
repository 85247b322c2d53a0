package model

import "time"

// TransferStatus is the Transfer Engine's state machine position (spec §4.6).
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusAccepted  TransferStatus = "accepted"
	StatusStreaming TransferStatus = "streaming"
	StatusCompleted TransferStatus = "completed"
	StatusRejected  TransferStatus = "rejected"
	StatusErrored   TransferStatus = "errored"
	StatusCancelled TransferStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state that frees buffers.
func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusErrored, StatusCancelled:
		return true
	default:
		return false
	}
}

// FileMeta describes one file within a transfer offer.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Transfer is a server-mediated unidirectional file movement between two
// devices in the same room (spec §3, §4.6).
type Transfer struct {
	ID             string
	FromDeviceID   string
	TargetDeviceID string
	Files          []FileMeta
	Timestamp      time.Time
	Status         TransferStatus

	TotalSize      int64
	ReceivedChunks int
	TotalChunks    int
	Chunks         [][]byte // indexed buffer, allocated only while streaming

	// bufferedBytes tracks the size actually accounted to the governor;
	// released exactly once on the terminal transition (spec §3 invariant).
	bufferedBytes int64
	released      bool

	StartTime time.Time
	EndTime   time.Time
}

// PrimaryFile returns the authoritative file metadata for the chunked path
// (spec §3: "a single primary file in the chunked path").
func (t *Transfer) PrimaryFile() FileMeta {
	if len(t.Files) == 0 {
		return FileMeta{}
	}
	return t.Files[0]
}

// AllocateBuffers reserves the chunk index and marks bufferedBytes for
// governor accounting. Idempotent: calling it twice does not double-account.
func (t *Transfer) AllocateBuffers(totalChunks int) {
	if t.Chunks != nil {
		return
	}
	t.Chunks = make([][]byte, totalChunks)
	t.TotalChunks = totalChunks
	t.bufferedBytes = t.TotalSize
}

// BufferedBytes reports the bytes currently accounted to the governor for
// this transfer (0 once released).
func (t *Transfer) BufferedBytes() int64 {
	if t.released {
		return 0
	}
	return t.bufferedBytes
}

// ReleaseBuffers frees the chunk buffer and returns the number of bytes to
// deduct from the governor. Re-entrant: a second call returns 0 (spec §3:
// "a terminal status frees all buffers and deducts the accounted memory
// exactly once").
func (t *Transfer) ReleaseBuffers() int64 {
	if t.released {
		return 0
	}
	t.released = true
	freed := t.bufferedBytes
	t.bufferedBytes = 0
	t.Chunks = nil
	return freed
}

// PercentComplete reports receiver-observed reassembly progress.
func (t *Transfer) PercentComplete() int {
	if t.TotalChunks == 0 {
		return 0
	}
	return t.ReceivedChunks * 100 / t.TotalChunks
}
