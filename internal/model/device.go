// Package model holds the shared domain types for devices, rooms and
// transfers. It has no dependency on transport or storage so every other
// package can import it without creating a cycle.
package model

import "time"

// DeviceType classifies the hardware a device presented at connect time.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
	DeviceUnknown DeviceType = "unknown"
)

// ConnectionStrength is a client-reported signal quality hint, last-write-wins.
type ConnectionStrength string

const (
	ConnGood ConnectionStrength = "good"
	ConnFair ConnectionStrength = "fair"
	ConnPoor ConnectionStrength = "poor"
)

// Channel is the minimal surface the model layer needs from a live
// connection. conn.Manager's WebSocket channel implements this; keeping it
// here (rather than importing the conn package) is what lets registry,
// presence and xfer bind a channel to a Device without a cycle back to conn.
type Channel interface {
	Send(frame any) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Device is a logical endpoint identified by a stable derived id. It may be
// bound to at most one live Channel at a time.
type Device struct {
	ID                 string
	Name               string
	CustomName         string
	Type               DeviceType
	Platform           string
	Browser            string
	UserAgent          string
	Pinned             bool
	Online             bool
	LastSeen           time.Time
	RoomID             string
	ConnectionStrength ConnectionStrength

	// Channel is transient: never persisted, cleared on disconnect.
	Channel Channel `json:"-"`
}

// DisplayName returns CustomName when set, else the derived Name. This is
// the projection rule used by the Presence Broadcaster (spec §4.7).
func (d *Device) DisplayName() string {
	if d.CustomName != "" {
		return d.CustomName
	}
	return d.Name
}

// HasCustomName reports whether the device has ever been explicitly renamed.
func (d *Device) HasCustomName() bool {
	return d.CustomName != ""
}

// Snapshot is the persisted projection of a Device: no channel, no Online
// flag (registry.Load always starts devices offline per spec §4.2).
type Snapshot struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	CustomName         string             `json:"customName,omitempty"`
	Type               DeviceType         `json:"type"`
	Platform           string             `json:"platform,omitempty"`
	Browser            string             `json:"browser,omitempty"`
	UserAgent          string             `json:"userAgent,omitempty"`
	Pinned             bool               `json:"pinned"`
	LastSeen           time.Time          `json:"lastSeen"`
	RoomID             string             `json:"roomId,omitempty"`
	ConnectionStrength ConnectionStrength `json:"connectionStrength,omitempty"`
}

// ToSnapshot strips the transient fields for persistence.
func (d *Device) ToSnapshot() Snapshot {
	return Snapshot{
		ID:                 d.ID,
		Name:               d.Name,
		CustomName:         d.CustomName,
		Type:               d.Type,
		Platform:           d.Platform,
		Browser:            d.Browser,
		UserAgent:          d.UserAgent,
		Pinned:             d.Pinned,
		LastSeen:           d.LastSeen,
		RoomID:             d.RoomID,
		ConnectionStrength: d.ConnectionStrength,
	}
}

// FromSnapshot reconstructs a Device in the offline state Load requires.
func FromSnapshot(s Snapshot) *Device {
	return &Device{
		ID:                 s.ID,
		Name:               s.Name,
		CustomName:         s.CustomName,
		Type:               s.Type,
		Platform:           s.Platform,
		Browser:            s.Browser,
		UserAgent:          s.UserAgent,
		Pinned:             s.Pinned,
		Online:             false,
		LastSeen:           s.LastSeen,
		RoomID:             s.RoomID,
		ConnectionStrength: s.ConnectionStrength,
	}
}
