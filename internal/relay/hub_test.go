package relay

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"relaydrop/internal/governor"
	"relaydrop/internal/model"
	"relaydrop/internal/presence"
	"relaydrop/internal/protocol"
	"relaydrop/internal/registry"
	"relaydrop/internal/registry/store"
	"relaydrop/internal/xfer"
)

// fakeChannel captures every frame sent to it, standing in for the real
// WebSocket channel conn.Manager would otherwise supply.
type fakeChannel struct {
	sent []any
}

func (c *fakeChannel) Send(frame any) error {
	c.sent = append(c.sent, frame)
	return nil
}
func (c *fakeChannel) Close(code int, reason string) error { return nil }
func (c *fakeChannel) RemoteAddr() string                  { return "test" }

func (c *fakeChannel) types() []string {
	var out []string
	for _, f := range c.sent {
		b, _ := json.Marshal(f)
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(b, &env)
		out = append(out, env.Type)
	}
	return out
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	dir := t.TempDir()
	cat := registry.New(
		store.NewJSONFile(filepath.Join(dir, "devices.json")),
		store.NewJSONFile(filepath.Join(dir, "rooms.json")),
	)
	gov := governor.NewWithLimits(1<<20, 1<<19, 5)
	engine := xfer.NewEngine(cat, gov)
	pres := presence.New(cat)
	return New(cat, gov, engine, pres)
}

func connectDevice(h *Hub, id, ua string) (*model.Device, *fakeChannel) {
	ch := &fakeChannel{}
	dev := h.catalog.UpsertDeviceOnConnect(id, ch, ua, "TestDevice", model.DeviceDesktop, "", "")
	h.OnConnect(dev, true)
	return dev, ch
}

func send(h *Hub, dev *model.Device, v any) {
	raw, _ := json.Marshal(v)
	h.OnMessage(dev.ID, raw)
}

// TestJoinRoomOrderingAndBroadcast covers scenario S1: two devices join the
// same room, and the second joiner's frame precedes the first joiner
// learning about it, per spec §5's roomJoined-before-deviceList ordering.
func TestJoinRoomOrderingAndBroadcast(t *testing.T) {
	h := newTestHub(t)
	alice, aliceCh := connectDevice(h, "alice", "desktop-ua")
	bob, bobCh := connectDevice(h, "bob", "desktop-ua")

	send(h, alice, protocol.CreateRoomIn{Type: protocol.TypeCreateRoom, Name: "denim-otter"})
	if got := aliceCh.types(); len(got) == 0 || got[0] != protocol.TypeRoomCreated {
		t.Fatalf("expected roomCreated before the deviceList broadcast, got %v", got)
	}

	send(h, bob, protocol.JoinRoomIn{Type: protocol.TypeJoinRoom, Name: "denim-otter"})
	bobTypes := bobCh.types()
	if len(bobTypes) == 0 || bobTypes[0] != protocol.TypeRoomJoined {
		t.Fatalf("expected bob's first frame to be roomJoined, got %v", bobTypes)
	}

	found := false
	for _, ty := range aliceCh.types() {
		if ty == protocol.TypeDeviceJoined {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alice to receive deviceJoined for bob, got %v", aliceCh.types())
	}
}

// TestFileTransferLifecycleSingleChunk covers scenario S3: a one-chunk
// transfer from offer through completion, verifying the target receives
// fileComplete and the sender receives transferComplete.
func TestFileTransferLifecycleSingleChunk(t *testing.T) {
	h := newTestHub(t)
	alice, aliceCh := connectDevice(h, "alice", "desktop-ua")
	bob, bobCh := connectDevice(h, "bob", "desktop-ua")

	send(h, alice, protocol.CreateRoomIn{Type: protocol.TypeCreateRoom, Name: "cedar-lynx"})
	send(h, bob, protocol.JoinRoomIn{Type: protocol.TypeJoinRoom, Name: "cedar-lynx"})

	send(h, alice, protocol.FileTransferIn{
		Type:     protocol.TypeFileTransfer,
		TargetID: bob.ID,
		Files:    []protocol.FileMetaWire{{Name: "photo.jpg", Size: 4, Type: "image/jpeg"}},
	})

	var transferID string
	for _, f := range bobCh.sent {
		if in, ok := f.(protocol.IncomingFileOut); ok {
			transferID = in.TransferID
		}
	}
	if transferID == "" {
		t.Fatalf("expected bob to receive incomingFile, got %v", bobCh.types())
	}

	send(h, bob, protocol.TransferAcceptedIn{Type: protocol.TypeTransferAccepted, TransferID: transferID})
	send(h, alice, protocol.FileChunkIn{
		Type:        protocol.TypeFileChunk,
		TransferID:  transferID,
		ChunkIndex:  0,
		TotalChunks: 1,
		FileSize:    4,
		Data:        base64Encode([]byte("data")),
	})

	completedForBob := false
	for _, f := range bobCh.sent {
		if _, ok := f.(protocol.FileCompleteOut); ok {
			completedForBob = true
		}
	}
	if !completedForBob {
		t.Fatalf("expected bob to receive fileComplete, got %v", bobCh.types())
	}

	completedForAlice := false
	for _, f := range aliceCh.sent {
		if _, ok := f.(protocol.TransferCompleteOut); ok {
			completedForAlice = true
		}
	}
	if !completedForAlice {
		t.Fatalf("expected alice to receive transferComplete, got %v", aliceCh.types())
	}
}

// TestOutOfOrderChunksEmitProgressThenComplete covers scenario S2: a
// 3-chunk transfer delivered out of order still reports uploadProgress to
// the sender at 33%, 66%, 100% in arrival order, and the completing chunk
// carries both the 100% progress frame and the fileComplete/
// transferComplete frames rather than dropping the final progress frame.
func TestOutOfOrderChunksEmitProgressThenComplete(t *testing.T) {
	h := newTestHub(t)
	alice, aliceCh := connectDevice(h, "alice", "desktop-ua")
	bob, bobCh := connectDevice(h, "bob", "desktop-ua")

	send(h, alice, protocol.CreateRoomIn{Type: protocol.TypeCreateRoom, Name: "spruce-owl"})
	send(h, bob, protocol.JoinRoomIn{Type: protocol.TypeJoinRoom, Name: "spruce-owl"})

	send(h, alice, protocol.FileTransferIn{
		Type:     protocol.TypeFileTransfer,
		TargetID: bob.ID,
		Files:    []protocol.FileMetaWire{{Name: "a.bin", Size: 3, Type: "application/octet-stream"}},
	})

	var transferID string
	for _, f := range bobCh.sent {
		if in, ok := f.(protocol.IncomingFileOut); ok {
			transferID = in.TransferID
		}
	}
	if transferID == "" {
		t.Fatalf("expected bob to receive incomingFile, got %v", bobCh.types())
	}
	send(h, bob, protocol.TransferAcceptedIn{Type: protocol.TypeTransferAccepted, TransferID: transferID})

	order := []int{1, 0, 2}
	for _, idx := range order {
		send(h, alice, protocol.FileChunkIn{
			Type:        protocol.TypeFileChunk,
			TransferID:  transferID,
			ChunkIndex:  idx,
			TotalChunks: 3,
			FileSize:    3,
			Data:        base64Encode([]byte{'a' + byte(idx)}),
		})
	}

	var percents []int
	for _, f := range aliceCh.sent {
		if p, ok := f.(protocol.UploadProgressOut); ok {
			percents = append(percents, p.Percent)
		}
	}
	if len(percents) != 3 || percents[0] != 33 || percents[1] != 66 || percents[2] != 100 {
		t.Fatalf("expected uploadProgress 33, 66, 100 in arrival order, got %v", percents)
	}

	completedForBob := false
	for _, f := range bobCh.sent {
		if _, ok := f.(protocol.FileCompleteOut); ok {
			completedForBob = true
		}
	}
	if !completedForBob {
		t.Fatalf("expected bob to receive fileComplete, got %v", bobCh.types())
	}

	completedForAlice := false
	for _, f := range aliceCh.sent {
		if _, ok := f.(protocol.TransferCompleteOut); ok {
			completedForAlice = true
		}
	}
	if !completedForAlice {
		t.Fatalf("expected alice to receive transferComplete, got %v", aliceCh.types())
	}
}

// TestFileTransferCrossRoomRejected covers spec §4.5's room-boundary
// invariant: a transfer offered to a device outside the sender's room is
// refused before the Transfer Engine ever creates state for it.
func TestFileTransferCrossRoomRejected(t *testing.T) {
	h := newTestHub(t)
	alice, aliceCh := connectDevice(h, "alice", "desktop-ua")
	eve, _ := connectDevice(h, "eve", "desktop-ua")

	send(h, alice, protocol.CreateRoomIn{Type: protocol.TypeCreateRoom, Name: "maple-fox"})

	send(h, alice, protocol.FileTransferIn{
		Type:     protocol.TypeFileTransfer,
		TargetID: eve.ID,
		Files:    []protocol.FileMetaWire{{Name: "x.txt", Size: 1, Type: "text/plain"}},
	})

	last := aliceCh.sent[len(aliceCh.sent)-1]
	errOut, ok := last.(protocol.TransferErrorOut)
	if !ok || errOut.Message != "CrossRoomTransfer" {
		t.Fatalf("expected CrossRoomTransfer transferError, got %#v", last)
	}
}

// TestDisconnectDuringTransferErrorsBoth covers spec §4.6: if the sender of
// an in-flight transfer disconnects, the Message Router's OnDisconnect hook
// walks the Transfer Engine's per-device index and errors the transfer out
// rather than leaving it dangling.
func TestDisconnectDuringTransferErrorsBoth(t *testing.T) {
	h := newTestHub(t)
	alice, _ := connectDevice(h, "alice", "desktop-ua")
	bob, bobCh := connectDevice(h, "bob", "desktop-ua")

	send(h, alice, protocol.CreateRoomIn{Type: protocol.TypeCreateRoom, Name: "birch-hare"})
	send(h, bob, protocol.JoinRoomIn{Type: protocol.TypeJoinRoom, Name: "birch-hare"})

	send(h, alice, protocol.FileTransferIn{
		Type:     protocol.TypeFileTransfer,
		TargetID: bob.ID,
		Files:    []protocol.FileMetaWire{{Name: "a.bin", Size: 4, Type: "application/octet-stream"}},
	})

	h.OnDisconnect(alice.ID)

	found := false
	for _, f := range bobCh.sent {
		if te, ok := f.(protocol.TransferErrorOut); ok && te.Message == "SenderUnavailable" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bob to receive a SenderUnavailable transferError, got %v", bobCh.types())
	}
}

// TestUnknownFrameTypeSendsError exercises the router's fallback branch for
// a well-formed envelope whose type has no registered handler.
func TestUnknownFrameTypeSendsError(t *testing.T) {
	h := newTestHub(t)
	dev, ch := connectDevice(h, "solo", "desktop-ua")

	h.OnMessage(dev.ID, []byte(`{"type":"notARealFrame"}`))

	last := ch.sent[len(ch.sent)-1]
	errOut, ok := last.(protocol.ErrorOut)
	if !ok || errOut.Message != "UnknownMessageType" {
		t.Fatalf("expected UnknownMessageType error, got %#v", last)
	}
}

// TestMalformedFrameSendsError exercises a known frame type whose body does
// not decode: the handler answers with a MalformedFrame error and the
// connection stays usable.
func TestMalformedFrameSendsError(t *testing.T) {
	h := newTestHub(t)
	dev, ch := connectDevice(h, "solo", "desktop-ua")

	h.OnMessage(dev.ID, []byte(`{"type":"fileTransfer","files":"not-an-array"}`))

	last := ch.sent[len(ch.sent)-1]
	errOut, ok := last.(protocol.ErrorOut)
	if !ok || errOut.Message != "MalformedFrame" {
		t.Fatalf("expected MalformedFrame error, got %#v", last)
	}
}
