// Package relay implements the Message Router (spec §4.4): it decodes
// inbound control frames and dispatches to the handlers that mutate the
// registries, drive the Transfer Engine, and invoke the Presence
// Broadcaster. It implements conn.Dispatcher so the Connection Manager can
// hand it lifecycle events and raw frame bytes without either package
// importing the other's concrete types beyond the narrow interface.
package relay

import (
	"encoding/json"
	"log"

	"relaydrop/internal/governor"
	"relaydrop/internal/model"
	"relaydrop/internal/presence"
	"relaydrop/internal/protocol"
	"relaydrop/internal/registry"
	"relaydrop/internal/xfer"
)

// AuditSink receives a record for every transfer that reaches a terminal
// state, independent of the in-memory Transfer Engine (SPEC_FULL.md
// "Transfer history ledger"). Optional — nil is a valid, no-op sink.
type AuditSink interface {
	RecordTransfer(t *model.Transfer, source string)
}

// Notifier sends a receipt notification when a transfer completes into a
// room whose creator opted in (SPEC_FULL.md "Email receipt notification").
// Optional — nil is a valid, no-op notifier.
type Notifier interface {
	NotifyTransferComplete(roomID string, t *model.Transfer)
}

type Hub struct {
	catalog   *registry.Catalog
	gov       *governor.Governor
	engine    *xfer.Engine
	presence  *presence.Broadcaster
	audit     AuditSink
	notifier  Notifier
}

func New(catalog *registry.Catalog, gov *governor.Governor, engine *xfer.Engine, pres *presence.Broadcaster) *Hub {
	return &Hub{catalog: catalog, gov: gov, engine: engine, presence: pres}
}

// SetAudit wires the optional transfer-history sink after construction
// (mirrors the teacher's SetDiscovery/SetTransfer late-binding to resolve
// the cmd/relayd wiring order).
func (h *Hub) SetAudit(a AuditSink) { h.audit = a }

// SetNotifier wires the optional email-receipt notifier.
func (h *Hub) SetNotifier(n Notifier) { h.notifier = n }

// ---- conn.Dispatcher ----

func (h *Hub) OnConnect(dev *model.Device, isNewDevice bool) {
	if isNewDevice {
		log.Printf("[CONN] new device %s (%s)", dev.ID, dev.Type)
	} else {
		log.Printf("[CONN] device %s reconnected", dev.ID)
	}
	if dev.RoomID != "" {
		h.presence.Broadcast(dev.RoomID)
	}
}

func (h *Hub) OnDisconnect(deviceID string) {
	dev, ok := h.catalog.Get(deviceID)
	var roomID string
	if ok {
		roomID = dev.RoomID
	}

	for _, t := range h.engine.ErrorTransfersForDevice(deviceID) {
		h.notifyTransferErrored(t, "SenderUnavailable")
		h.recordAudit(t, "ws")
	}

	if roomID != "" {
		members := h.catalog.RoomMembers(roomID)
		count := len(members)
		for _, m := range members {
			if m.Channel == nil {
				continue
			}
			m.Channel.Send(protocol.DeviceLeftOut{
				Type:        protocol.TypeDeviceLeft,
				DeviceID:    deviceID,
				DeviceCount: count,
			})
		}
		h.presence.Broadcast(roomID)
	}
}

func (h *Hub) OnMessage(deviceID string, raw []byte) {
	dev, ok := h.catalog.Get(deviceID)
	if !ok || dev.Channel == nil {
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		dev.Channel.Send(protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}

	handler, ok := h.handlers()[env.Type]
	if !ok {
		dev.Channel.Send(protocol.ErrorOut{Type: protocol.TypeError, Message: "UnknownMessageType"})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ROUTER] panic handling %s from %s: %v", env.Type, deviceID, r)
			dev.Channel.Send(protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		}
	}()
	handler(dev, raw)
}

type frameHandler func(dev *model.Device, raw []byte)

func (h *Hub) handlers() map[string]frameHandler {
	return map[string]frameHandler{
		protocol.TypeClientIdentify:      h.handleClientIdentify,
		protocol.TypeDeviceInfo:          h.handleDeviceInfo,
		protocol.TypeUpdateDeviceName:    h.handleUpdateDeviceName,
		protocol.TypeCreateRoom:          h.handleCreateRoom,
		protocol.TypeJoinRoom:            h.handleJoinRoom,
		protocol.TypeLeaveRoom:           h.handleLeaveRoom,
		protocol.TypeFileTransfer:        h.handleFileTransfer,
		protocol.TypeTransferAccepted:    h.handleTransferAccepted,
		protocol.TypeTransferRejected:    h.handleTransferRejected,
		protocol.TypeFileChunk:           h.handleFileChunk,
		protocol.TypeFileComplete:        h.handleFileComplete,
		protocol.TypeFileProgress:        h.handleFileProgress,
		protocol.TypeRequestMissingChunks: h.handleRequestMissingChunks,
		protocol.TypeRequestFileDownload: h.handleRequestFileDownload,
		protocol.TypeTogglePinDevice:     h.handleTogglePinDevice,
		protocol.TypeFileCancel:          h.handleFileCancel,
		protocol.TypePing:                h.handlePing,
	}
}

func (h *Hub) recordAudit(t *model.Transfer, source string) {
	if h.audit == nil || t == nil {
		return
	}
	h.audit.RecordTransfer(t, source)
}
