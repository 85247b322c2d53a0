// Package registry implements the Device Registry and Room Registry (spec
// §4.2): the process-wide device-id -> Device and room-id -> Room maps,
// their invariants, and their projection to disk.
//
// Device and room membership are tightly coupled (joining a room mutates
// both a Device.RoomID and a Room.Members set), so both maps live behind one
// mutex here rather than two independently-locked registries — that keeps
// join/leave atomic without a lock-ordering protocol between two structs.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaydrop/internal/model"
	"relaydrop/internal/registry/store"
)

// Sentinel errors surfaced as the taxonomy names in spec §7.
var (
	ErrRoomNameEmpty     = errors.New("RoomNameEmpty")
	ErrRoomNotFound      = errors.New("RoomNotFound")
	ErrRoomAlreadyExists = errors.New("RoomAlreadyExists")
	ErrNotSameRoom       = errors.New("NotSameRoom")
)

// Catalog is the process-wide device/room state plus its disk projection.
type Catalog struct {
	mu      sync.RWMutex
	devices map[string]*model.Device
	rooms   map[string]*model.Room

	deviceStore *store.JSONFile
	roomStore   *store.JSONFile
}

// New constructs an empty catalog backed by the given JSON files.
func New(deviceStore, roomStore *store.JSONFile) *Catalog {
	return &Catalog{
		devices:     make(map[string]*model.Device),
		rooms:       make(map[string]*model.Room),
		deviceStore: deviceStore,
		roomStore:   roomStore,
	}
}

// Load restores devices and rooms from disk. Devices always come back
// offline with no bound channel, per spec §4.2.
func (c *Catalog) Load() error {
	var deviceSnaps []model.Snapshot
	if err := c.deviceStore.Load(&deviceSnaps); err != nil {
		return err
	}
	var roomSnaps []model.RoomSnapshot
	if err := c.roomStore.Load(&roomSnaps); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range deviceSnaps {
		c.devices[s.ID] = model.FromSnapshot(s)
	}
	for _, s := range roomSnaps {
		c.rooms[s.ID] = model.RoomFromSnapshot(s)
	}
	return nil
}

// Flush blocks until the device and room stores' pending writes have
// landed on disk, or until d elapses per store. Used on graceful shutdown
// (spec §6, "flushing registries") since every mutating call already
// schedules a save — this only waits for that save to complete rather than
// triggering a new one.
func (c *Catalog) Flush(d time.Duration) {
	c.deviceStore.Wait(d)
	c.roomStore.Wait(d)
}

func (c *Catalog) persistDevicesLocked() {
	snaps := make([]model.Snapshot, 0, len(c.devices))
	for _, d := range c.devices {
		snaps = append(snaps, d.ToSnapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	c.deviceStore.Save(snaps)
}

func (c *Catalog) persistRoomsLocked() {
	snaps := make([]model.RoomSnapshot, 0, len(c.rooms))
	for _, r := range c.rooms {
		snaps = append(snaps, r.ToSnapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	c.roomStore.Save(snaps)
}

// ---- Device operations ----

// UpsertDeviceOnConnect rebinds an existing device's channel or creates a
// new one, per spec §4.2. defaultName is used only for newly created
// devices.
func (c *Catalog) UpsertDeviceOnConnect(id string, ch model.Channel, ua, defaultName string, dtype model.DeviceType, platform, browser string) *model.Device {
	c.mu.Lock()
	d, ok := c.devices[id]
	if !ok {
		d = &model.Device{
			ID:       id,
			Name:     defaultName,
			Type:     dtype,
			Platform: platform,
			Browser:  browser,
		}
		c.devices[id] = d
	}
	d.Channel = ch
	d.UserAgent = ua
	if dtype != "" {
		d.Type = dtype
	}
	if platform != "" {
		d.Platform = platform
	}
	if browser != "" {
		d.Browser = browser
	}
	d.Online = true
	d.LastSeen = time.Now()
	c.persistDevicesLocked()
	c.mu.Unlock()
	return d
}

// MarkOffline clears a device's channel binding and stamps LastSeen.
func (c *Catalog) MarkOffline(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return
	}
	d.Channel = nil
	d.Online = false
	d.LastSeen = time.Now()
	c.persistDevicesLocked()
}

// Get returns the device by id.
func (c *Catalog) Get(id string) (*model.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	return d, ok
}

// Rename updates a device's custom name.
func (c *Catalog) Rename(id, name string) (*model.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return nil, false
	}
	d.CustomName = name
	d.Name = name
	c.persistDevicesLocked()
	return d, true
}

// UpdateInfo applies a client-reported deviceInfo patch (type/platform/
// browser/connection strength); zero values leave the field untouched.
func (c *Catalog) UpdateInfo(id string, dtype model.DeviceType, platform, browser string, strength model.ConnectionStrength) (*model.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return nil, false
	}
	if dtype != "" {
		d.Type = dtype
	}
	if platform != "" {
		d.Platform = platform
	}
	if browser != "" {
		d.Browser = browser
	}
	if strength != "" {
		d.ConnectionStrength = strength
	}
	c.persistDevicesLocked()
	return d, true
}

// TogglePin flips targetID's pinned flag if targetID and byID share a room.
// A no-op (false, false) is returned silently otherwise, per spec §4.2.
func (c *Catalog) TogglePin(targetID, byID string) (pinned bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target, tok := c.devices[targetID]
	by, bok := c.devices[byID]
	if !tok || !bok || target.RoomID == "" || target.RoomID != by.RoomID {
		return false, false
	}
	target.Pinned = !target.Pinned
	c.persistDevicesLocked()
	return target.Pinned, true
}

// ---- Room operations ----

func normalizeRoomName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CreateRoom mints a room, rejecting empty or case-insensitively colliding
// names (spec §4.2 naming rules).
func (c *Catalog) CreateRoom(name, byID string) (*model.Room, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, ErrRoomNameEmpty
	}
	norm := normalizeRoomName(trimmed)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rooms {
		if normalizeRoomName(r.Name) == norm {
			return nil, ErrRoomAlreadyExists
		}
	}

	room := model.NewRoom(uuid.NewString(), trimmed, byID)
	c.rooms[room.ID] = room

	if d, ok := c.devices[byID]; ok {
		c.leaveRoomLocked(d)
		d.RoomID = room.ID
	}
	c.persistRoomsLocked()
	c.persistDevicesLocked()
	return room, nil
}

// JoinRoom looks a room up by server-minted id or by display name
// (case-insensitive) and adds byID as a member.
func (c *Catalog) JoinRoom(nameOrID, byID string) (*model.Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.rooms[nameOrID]
	if !ok {
		norm := normalizeRoomName(nameOrID)
		for _, r := range c.rooms {
			if normalizeRoomName(r.Name) == norm {
				room = r
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, ErrRoomNotFound
	}

	d, dok := c.devices[byID]
	if !dok {
		return nil, errors.New("unknown device")
	}
	c.leaveRoomLocked(d)
	room.Members[byID] = struct{}{}
	d.RoomID = room.ID

	c.persistRoomsLocked()
	c.persistDevicesLocked()
	return room, nil
}

// LeaveRoom removes byID from whatever room it currently occupies. It
// returns the room id left (empty if the device was not in a room) and
// whether the room was deleted as a result (spec §3: "a room with empty
// members is deleted, lazy, at leave time").
func (c *Catalog) LeaveRoom(byID string) (roomID string, deletedRoom bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[byID]
	if !ok || d.RoomID == "" {
		return "", false
	}
	roomID = d.RoomID
	deletedRoom = c.leaveRoomLocked(d)
	c.persistRoomsLocked()
	c.persistDevicesLocked()
	return roomID, deletedRoom
}

// leaveRoomLocked removes d from its current room (if any), deleting the
// room if it becomes empty. Caller must hold c.mu.
func (c *Catalog) leaveRoomLocked(d *model.Device) (deletedRoom bool) {
	if d.RoomID == "" {
		return false
	}
	room, ok := c.rooms[d.RoomID]
	d.RoomID = ""
	if !ok {
		return false
	}
	delete(room.Members, d.ID)
	if len(room.Members) == 0 {
		delete(c.rooms, room.ID)
		return true
	}
	return false
}

// GetRoom returns a room by id.
func (c *Catalog) GetRoom(id string) (*model.Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[id]
	return r, ok
}

// RoomMembers returns the live Device pointers for a room's members, in a
// stable id-sorted order — the ordering the Presence Broadcaster projects.
func (c *Catalog) RoomMembers(roomID string) []*model.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(room.Members))
	for id := range room.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*model.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := c.devices[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// ListRooms returns a snapshot of all rooms (used by the /api/rooms
// external collaborator, spec §6).
func (c *Catalog) ListRooms() []*model.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListDevices returns a snapshot of all devices.
func (c *Catalog) ListDevices() []*model.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SameRoom reports whether two devices currently share a non-empty room.
func (c *Catalog) SameRoom(aID, bID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, aok := c.devices[aID]
	b, bok := c.devices[bID]
	return aok && bok && a.RoomID != "" && a.RoomID == b.RoomID
}

// StaleOfflineDevices returns the ids of offline devices whose LastSeen
// predates normalAge, or predates pinnedAge if the device is pinned (spec
// §4.8: pinned devices get a much longer grace period before expiry).
func (c *Catalog) StaleOfflineDevices(normalAge, pinnedAge time.Duration) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	var stale []string
	for _, d := range c.devices {
		if d.Online {
			continue
		}
		age := pinnedAge
		if !d.Pinned {
			age = normalAge
		}
		if now.Sub(d.LastSeen) >= age {
			stale = append(stale, d.ID)
		}
	}
	return stale
}

// ExpireDevice removes a device entirely (from its room, then the catalog)
// as part of the Janitor's stale-device sweep (spec §4.8). It reports the
// room id the device was removed from, if any, and whether that room was
// deleted.
func (c *Catalog) ExpireDevice(id string) (roomID string, deletedRoom bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return "", false
	}
	roomID = d.RoomID
	deletedRoom = c.leaveRoomLocked(d)
	delete(c.devices, id)
	c.persistDevicesLocked()
	c.persistRoomsLocked()
	return roomID, deletedRoom
}
