package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaydrop/internal/model"
	"relaydrop/internal/registry/store"
)

type fakeChannel struct{}

func (fakeChannel) Send(any) error            { return nil }
func (fakeChannel) Close(int, string) error   { return nil }
func (fakeChannel) RemoteAddr() string        { return "127.0.0.1:1" }

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	return New(
		store.NewJSONFile(filepath.Join(dir, "devices.json")),
		store.NewJSONFile(filepath.Join(dir, "rooms.json")),
	)
}

func TestRoomNameCaseInsensitiveUniqueness(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDeviceOnConnect("a", fakeChannel{}, "ua", "A", model.DeviceDesktop, "", "")

	if _, err := c.CreateRoom("Foo", "a"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := c.CreateRoom("foo ", "a"); err != ErrRoomAlreadyExists {
		t.Fatalf("expected ErrRoomAlreadyExists, got %v", err)
	}
}

func TestJoinRoomByNameCaseInsensitive(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDeviceOnConnect("a", fakeChannel{}, "ua", "A", model.DeviceDesktop, "", "")
	c.UpsertDeviceOnConnect("b", fakeChannel{}, "ua", "B", model.DeviceDesktop, "", "")

	room, err := c.CreateRoom("Foo", "a")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	joined, err := c.JoinRoom("foo", "b")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if joined.ID != room.ID {
		t.Fatalf("expected to join same room by case-insensitive name")
	}
	if len(joined.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(joined.Members))
	}
}

func TestLeaveRoomDeletesWhenEmpty(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDeviceOnConnect("a", fakeChannel{}, "ua", "A", model.DeviceDesktop, "", "")
	room, err := c.CreateRoom("Solo", "a")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	roomID, deleted := c.LeaveRoom("a")
	if roomID != room.ID || !deleted {
		t.Fatalf("expected leaving last member to delete room, got roomID=%q deleted=%v", roomID, deleted)
	}
	if _, ok := c.GetRoom(room.ID); ok {
		t.Fatalf("room should no longer exist")
	}
}

func TestLeaveRoomKeepsRoomWithRemainingMembers(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDeviceOnConnect("a", fakeChannel{}, "ua", "A", model.DeviceDesktop, "", "")
	c.UpsertDeviceOnConnect("b", fakeChannel{}, "ua", "B", model.DeviceDesktop, "", "")
	room, _ := c.CreateRoom("Group", "a")
	c.JoinRoom(room.ID, "b")

	_, deleted := c.LeaveRoom("a")
	if deleted {
		t.Fatalf("room should survive while b remains")
	}
	got, ok := c.GetRoom(room.ID)
	if !ok || len(got.Members) != 1 {
		t.Fatalf("expected room to persist with 1 member")
	}
}

func TestTogglePinRequiresSameRoom(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDeviceOnConnect("a", fakeChannel{}, "ua", "A", model.DeviceDesktop, "", "")
	c.UpsertDeviceOnConnect("b", fakeChannel{}, "ua", "B", model.DeviceDesktop, "", "")

	if _, ok := c.TogglePin("b", "a"); ok {
		t.Fatalf("expected no-op when devices share no room")
	}

	room, _ := c.CreateRoom("Room", "a")
	c.JoinRoom(room.ID, "b")

	pinned, ok := c.TogglePin("b", "a")
	if !ok || !pinned {
		t.Fatalf("expected pin to toggle true, got pinned=%v ok=%v", pinned, ok)
	}
	pinned, ok = c.TogglePin("b", "a")
	if !ok || pinned {
		t.Fatalf("expected pin to toggle back to false (involution)")
	}
}

func TestCreateRoomEmptyNameRejected(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDeviceOnConnect("a", fakeChannel{}, "ua", "A", model.DeviceDesktop, "", "")
	if _, err := c.CreateRoom("   ", "a"); err != ErrRoomNameEmpty {
		t.Fatalf("expected ErrRoomNameEmpty, got %v", err)
	}
}

func TestLoadRestoresOfflineDevices(t *testing.T) {
	dir := "" // placeholder to keep gofmt import grouping consistent
	_ = dir
	tmp := t.TempDir()
	devPath := filepath.Join(tmp, "devices.json")
	roomPath := filepath.Join(tmp, "rooms.json")

	c1 := New(store.NewJSONFile(devPath), store.NewJSONFile(roomPath))
	c1.UpsertDeviceOnConnect("a", fakeChannel{}, "ua", "A", model.DeviceDesktop, "", "")
	// allow the coalesced async writer to flush
	waitForFile(t, devPath)

	c2 := New(store.NewJSONFile(devPath), store.NewJSONFile(roomPath))
	if err := c2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d, ok := c2.Get("a")
	if !ok {
		t.Fatalf("expected device 'a' to be restored")
	}
	if d.Online {
		t.Fatalf("restored device must start offline")
	}
	if d.Channel != nil {
		t.Fatalf("restored device must have no bound channel")
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be written", path)
}
