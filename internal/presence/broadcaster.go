// Package presence implements the Presence Broadcaster (spec §4.7): it
// recomputes a room's device list on every membership or naming change and
// fans it out to every member's live channel.
package presence

import (
	"log"

	"relaydrop/internal/model"
	"relaydrop/internal/protocol"
	"relaydrop/internal/registry"
)

type Broadcaster struct {
	catalog *registry.Catalog
}

func New(catalog *registry.Catalog) *Broadcaster {
	return &Broadcaster{catalog: catalog}
}

// Project builds the wire projection for a single device, per spec §4.7's
// field list.
func Project(d *model.Device) protocol.DeviceView {
	return protocol.DeviceView{
		ID:                 d.ID,
		Name:               d.DisplayName(),
		OriginalName:       d.Name,
		Type:               string(d.Type),
		Platform:           d.Platform,
		Browser:            d.Browser,
		Pinned:             d.Pinned,
		Online:             d.Online,
		LastSeen:           d.LastSeen.UTC().Format("2006-01-02T15:04:05.000Z"),
		ConnectionStrength: string(d.ConnectionStrength),
		HasCustomName:      d.HasCustomName(),
	}
}

// Broadcast recomputes roomID's member list and sends one deviceList frame
// to every member with an OPEN channel. A send failure on one channel is
// logged and does not block delivery to the others (spec §4.7).
func (b *Broadcaster) Broadcast(roomID string) {
	if roomID == "" {
		return
	}
	members := b.catalog.RoomMembers(roomID)

	views := make([]protocol.DeviceView, 0, len(members))
	for _, d := range members {
		views = append(views, Project(d))
	}
	frame := protocol.DeviceListOut{Type: protocol.TypeDeviceList, RoomID: roomID, Devices: views}

	for _, d := range members {
		if !d.Online || d.Channel == nil {
			continue
		}
		if err := d.Channel.Send(frame); err != nil {
			log.Printf("[PRESENCE] deviceList send to %s failed: %v", d.ID, err)
		}
	}
}
