package xfer

import (
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"relaydrop/internal/governor"
	"relaydrop/internal/model"
	"relaydrop/internal/protocol"
	"relaydrop/internal/registry"
	"relaydrop/internal/registry/store"
)

type fakeChannel struct{}

func (fakeChannel) Send(any) error          { return nil }
func (fakeChannel) Close(int, string) error { return nil }
func (fakeChannel) RemoteAddr() string      { return "127.0.0.1:1" }

func newTestEngine(t *testing.T) (*Engine, *registry.Catalog, *governor.Governor) {
	t.Helper()
	dir := t.TempDir()
	cat := registry.New(
		store.NewJSONFile(filepath.Join(dir, "devices.json")),
		store.NewJSONFile(filepath.Join(dir, "rooms.json")),
	)
	gov := governor.New()
	return NewEngine(cat, gov), cat, gov
}

func setupPair(t *testing.T, cat *registry.Catalog) {
	t.Helper()
	cat.UpsertDeviceOnConnect("sender", fakeChannel{}, "ua", "S", model.DeviceDesktop, "", "")
	cat.UpsertDeviceOnConnect("receiver", fakeChannel{}, "ua", "R", model.DeviceDesktop, "", "")
	room, err := cat.CreateRoom("Foo", "sender")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := cat.JoinRoom(room.ID, "receiver"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestHappyPathAssemblesInOrder(t *testing.T) {
	e, cat, gov := newTestEngine(t)
	setupPair(t, cat)

	tr, err := e.Offer("sender", protocol.FileTransferIn{
		TargetID: "receiver",
		Files:    []protocol.FileMetaWire{{Name: "x.txt", Size: 9, Type: "text/plain"}},
	})
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := e.Accept(tr.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	parts := []string{"abc", "def", "ghi"}
	var last ChunkResult
	for i, p := range parts {
		data, _ := NormalizeBase64(b64(p))
		res, err := e.Chunk(tr.ID, i, 3, 9, data)
		if err != nil {
			t.Fatalf("Chunk(%d): %v", i, err)
		}
		last = res
	}
	if !last.JustCompleted {
		t.Fatalf("expected completion on final chunk")
	}
	want := base64.StdEncoding.EncodeToString([]byte("abcdefghi"))
	if last.AssembledB64 != want {
		t.Fatalf("assembled mismatch: got %q want %q", last.AssembledB64, want)
	}
	if snap := gov.Snapshot(); snap.MemoryInFlight != 0 {
		t.Fatalf("expected memoryInFlight to return to 0, got %d", snap.MemoryInFlight)
	}
}

func TestOutOfOrderChunksStillAssembleCorrectly(t *testing.T) {
	e, cat, _ := newTestEngine(t)
	setupPair(t, cat)

	tr, _ := e.Offer("sender", protocol.FileTransferIn{
		TargetID: "receiver",
		Files:    []protocol.FileMetaWire{{Name: "x.txt", Size: 9, Type: "text/plain"}},
	})
	e.Accept(tr.ID)

	order := []int{2, 0, 1}
	parts := map[int]string{0: "abc", 1: "def", 2: "ghi"}
	var last ChunkResult
	var percents []int
	for _, idx := range order {
		data, _ := NormalizeBase64(b64(parts[idx]))
		res, _ := e.Chunk(tr.ID, idx, 3, 9, data)
		percents = append(percents, res.Transfer.PercentComplete())
		last = res
	}
	want := []int{33, 66, 100}
	for i, p := range percents {
		if p != want[i] {
			t.Errorf("percent[%d] = %d, want %d", i, p, want[i])
		}
	}
	wantB64 := base64.StdEncoding.EncodeToString([]byte("abcdefghi"))
	if last.AssembledB64 != wantB64 {
		t.Fatalf("assembled mismatch: got %q want %q", last.AssembledB64, wantB64)
	}
}

func TestMissingChunkRecovery(t *testing.T) {
	e, cat, _ := newTestEngine(t)
	setupPair(t, cat)

	tr, _ := e.Offer("sender", protocol.FileTransferIn{
		TargetID: "receiver",
		Files:    []protocol.FileMetaWire{{Name: "x.txt", Size: 9, Type: "text/plain"}},
	})
	e.Accept(tr.ID)

	d0, _ := NormalizeBase64(b64("abc"))
	d2, _ := NormalizeBase64(b64("ghi"))
	e.Chunk(tr.ID, 0, 3, 9, d0)
	res, err := e.Chunk(tr.ID, 2, 3, 9, d2)
	if err != nil {
		t.Fatalf("Chunk(2): %v", err)
	}
	if res.JustCompleted {
		t.Fatalf("should not complete with chunk 1 missing")
	}

	resend, err := e.RequestMissing(tr.ID, []int{1})
	if err != nil {
		t.Fatalf("RequestMissing: %v", err)
	}
	if len(resend) != 0 {
		t.Fatalf("expected 0 resends: index 1 was never buffered")
	}

	d1, _ := NormalizeBase64(b64("def"))
	final, err := e.Chunk(tr.ID, 1, 3, 9, d1)
	if err != nil {
		t.Fatalf("Chunk(1): %v", err)
	}
	if !final.JustCompleted {
		t.Fatalf("expected completion after final missing chunk arrives")
	}
}

func TestRequestMissingResendsBufferedChunks(t *testing.T) {
	e, cat, _ := newTestEngine(t)
	setupPair(t, cat)
	tr, _ := e.Offer("sender", protocol.FileTransferIn{
		TargetID: "receiver",
		Files:    []protocol.FileMetaWire{{Name: "x.bin", Size: 12, Type: "application/octet-stream"}},
	})
	e.Accept(tr.ID)
	d0, _ := NormalizeBase64(b64("aaaa"))
	d1, _ := NormalizeBase64(b64("bbbb"))
	e.Chunk(tr.ID, 0, 3, 12, d0)
	e.Chunk(tr.ID, 1, 3, 12, d1)

	resend, err := e.RequestMissing(tr.ID, []int{0, 1, 2})
	if err != nil {
		t.Fatalf("RequestMissing: %v", err)
	}
	if len(resend) != 2 {
		t.Fatalf("expected exactly 2 resends for the 2 buffered indices, got %d", len(resend))
	}
}

func TestOfferRejectsCrossRoom(t *testing.T) {
	e, cat, _ := newTestEngine(t)
	cat.UpsertDeviceOnConnect("a", fakeChannel{}, "ua", "A", model.DeviceDesktop, "", "")
	cat.UpsertDeviceOnConnect("b", fakeChannel{}, "ua", "B", model.DeviceDesktop, "", "")
	cat.CreateRoom("RoomA", "a")
	cat.CreateRoom("RoomB", "b")

	_, err := e.Offer("a", protocol.FileTransferIn{TargetID: "b", Files: []protocol.FileMetaWire{{Name: "f", Size: 1}}})
	if err != ErrCrossRoomTransfer {
		t.Fatalf("expected ErrCrossRoomTransfer, got %v", err)
	}
}

func TestEmergencyCleanupEvictsOldestBeyondFive(t *testing.T) {
	dir := t.TempDir()
	cat := registry.New(
		store.NewJSONFile(filepath.Join(dir, "devices.json")),
		store.NewJSONFile(filepath.Join(dir, "rooms.json")),
	)
	gov := governor.NewWithLimits(500, 400, 10) // tiny memory cap, forces eviction with small payloads
	e := NewEngine(cat, gov)

	cat.UpsertDeviceOnConnect("sender", fakeChannel{}, "ua", "S", model.DeviceDesktop, "", "")
	room, _ := cat.CreateRoom("Room", "sender")
	for i := 0; i < 6; i++ {
		id := "r" + string(rune('a'+i))
		cat.UpsertDeviceOnConnect(id, fakeChannel{}, "ua", id, model.DeviceDesktop, "", "")
		cat.JoinRoom(room.ID, id)
	}

	var ids []string
	for i := 0; i < 6; i++ {
		target := "r" + string(rune('a'+i))
		tr, err := e.Offer("sender", protocol.FileTransferIn{
			TargetID: target,
			Files:    []protocol.FileMetaWire{{Name: "f", Size: 100}},
		})
		if err != nil {
			t.Fatalf("Offer %d: %v", i, err)
		}
		e.Accept(tr.ID)
		tr.Timestamp = time.Now().Add(time.Duration(i) * time.Second)
		ids = append(ids, tr.ID)

		data, _ := NormalizeBase64(b64("x"))
		e.Chunk(tr.ID, 0, 2, 100, data)
	}

	// The oldest transfer (ids[0]) should have been evicted once the 6th
	// pushed memoryInFlight over the cap; it should no longer be active.
	if _, ok := e.Get(ids[0]); ok {
		if tr, _ := e.Get(ids[0]); tr.Status != model.StatusErrored {
			t.Fatalf("expected oldest transfer evicted or errored")
		}
	}
}
