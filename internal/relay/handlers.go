package relay

import (
	"encoding/base64"
	"encoding/json"
	"log"

	"relaydrop/internal/identity"
	"relaydrop/internal/model"
	"relaydrop/internal/presence"
	"relaydrop/internal/protocol"
	"relaydrop/internal/registry"
	"relaydrop/internal/xfer"
)

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decode[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (h *Hub) sendTo(dev *model.Device, frame any) {
	if dev == nil || dev.Channel == nil {
		return
	}
	if err := dev.Channel.Send(frame); err != nil {
		log.Printf("[ROUTER] send to %s failed: %v", dev.ID, err)
	}
}

func (h *Hub) sendRoomError(dev *model.Device, message string) {
	h.sendTo(dev, protocol.RoomErrorOut{Type: protocol.TypeRoomError, Message: message})
}

func (h *Hub) sendTransferError(dev *model.Device, transferID, message string) {
	h.sendTo(dev, protocol.TransferErrorOut{Type: protocol.TypeTransferError, TransferID: transferID, Message: message})
}

// ---- client_identify ----

func (h *Hub) handleClientIdentify(dev *model.Device, raw []byte) {
	in, err := decode[protocol.ClientIdentifyIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	if in.UserAgent != "" {
		dev.UserAgent = in.UserAgent
	}

	mobile := identity.IsMobileSafari(dev.UserAgent)
	chunkSize := 20 * 1024 * 1024
	if mobile {
		chunkSize = 1 * 1024 * 1024
	}
	h.sendTo(dev, protocol.WelcomeOut{
		Type:         protocol.TypeWelcome,
		DeviceID:     dev.ID,
		ChunkSize:    chunkSize,
		Capabilities: []string{"chunked-transfer", "presence", "pinning"},
	})
}

// ---- deviceInfo / updateDeviceName ----

func (h *Hub) handleDeviceInfo(dev *model.Device, raw []byte) {
	in, err := decode[protocol.DeviceInfoIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	updated, ok := h.catalog.UpdateInfo(dev.ID, model.DeviceType(in.DeviceType), in.Platform, in.Browser, model.ConnectionStrength(in.ConnectionStrength))
	if !ok {
		return
	}
	if in.Name != "" || in.CustomName != "" {
		name := in.CustomName
		if name == "" {
			name = in.Name
		}
		h.catalog.Rename(dev.ID, name)
	}
	if updated.RoomID != "" {
		h.presence.Broadcast(updated.RoomID)
	}
}

func (h *Hub) handleUpdateDeviceName(dev *model.Device, raw []byte) {
	in, err := decode[protocol.UpdateDeviceNameIn](raw)
	if err != nil || in.Name == "" {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	updated, ok := h.catalog.Rename(dev.ID, in.Name)
	if !ok {
		return
	}
	h.sendTo(dev, protocol.DeviceNameUpdatedOut{Type: protocol.TypeDeviceNameUpdated, Name: updated.Name})
	if updated.RoomID != "" {
		h.presence.Broadcast(updated.RoomID)
	}
}

// ---- room membership ----

func (h *Hub) handleCreateRoom(dev *model.Device, raw []byte) {
	in, err := decode[protocol.CreateRoomIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	room, err := h.catalog.CreateRoom(in.Name, dev.ID)
	if err != nil {
		h.sendRoomError(dev, err.Error())
		return
	}
	h.sendTo(dev, protocol.RoomCreatedOut{Type: protocol.TypeRoomCreated, RoomID: room.ID, Name: room.Name})
	h.presence.Broadcast(room.ID)
}

func (h *Hub) handleJoinRoom(dev *model.Device, raw []byte) {
	in, err := decode[protocol.JoinRoomIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	room, err := h.catalog.JoinRoom(in.Name, dev.ID)
	if err != nil {
		msg := err.Error()
		if err == registry.ErrRoomNotFound {
			msg = "RoomNotFound"
		}
		h.sendRoomError(dev, msg)
		return
	}
	// roomJoined must precede the first deviceList reflecting the new
	// member on the joining channel (spec §5 ordering guarantee).
	h.sendTo(dev, protocol.RoomJoinedOut{
		Type:        protocol.TypeRoomJoined,
		RoomID:      room.ID,
		Name:        room.Name,
		DeviceCount: len(room.Members),
	})
	h.presence.Broadcast(room.ID)

	others := h.catalog.RoomMembers(room.ID)
	view := presence.Project(dev)
	for _, m := range others {
		if m.ID == dev.ID || m.Channel == nil {
			continue
		}
		h.sendTo(m, protocol.DeviceJoinedOut{Type: protocol.TypeDeviceJoined, Device: view, DeviceCount: len(room.Members)})
	}
}

func (h *Hub) handleLeaveRoom(dev *model.Device, raw []byte) {
	roomID, deletedRoom := h.catalog.LeaveRoom(dev.ID)
	h.sendTo(dev, protocol.RoomLeftOut{Type: protocol.TypeRoomLeft})
	if roomID == "" || deletedRoom {
		return
	}
	members := h.catalog.RoomMembers(roomID)
	count := len(members)
	for _, m := range members {
		h.sendTo(m, protocol.DeviceLeftOut{Type: protocol.TypeDeviceLeft, DeviceID: dev.ID, DeviceCount: count})
	}
	h.presence.Broadcast(roomID)
}

func (h *Hub) handleTogglePinDevice(dev *model.Device, raw []byte) {
	in, err := decode[protocol.TogglePinDeviceIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	_, ok := h.catalog.TogglePin(in.TargetID, dev.ID)
	if !ok {
		return // silent no-op per spec §4.2
	}
	if dev.RoomID != "" {
		h.presence.Broadcast(dev.RoomID)
	}
}

// ---- transfer offer / accept / reject ----

func (h *Hub) handleFileTransfer(dev *model.Device, raw []byte) {
	in, err := decode[protocol.FileTransferIn](raw)
	if err != nil || len(in.Files) == 0 {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}

	t, err := h.engine.Offer(dev.ID, in)
	if err != nil {
		h.sendTransferError(dev, in.TransferID, transferErrMessage(err))
		return
	}

	target, _ := h.catalog.Get(t.TargetDeviceID)
	files := make([]protocol.FileMetaWire, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, protocol.FileMetaWire{Name: f.Name, Size: f.Size, Type: f.Type})
	}
	h.sendTo(target, protocol.IncomingFileOut{
		Type:         protocol.TypeIncomingFile,
		TransferID:   t.ID,
		FromDeviceID: t.FromDeviceID,
		Files:        files,
	})
	h.sendTo(dev, protocol.TransferStartedOut{Type: protocol.TypeTransferStarted, TransferID: t.ID})
}

func (h *Hub) handleTransferAccepted(dev *model.Device, raw []byte) {
	in, err := decode[protocol.TransferAcceptedIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	t, err := h.engine.Accept(in.TransferID)
	if err != nil {
		return
	}
	sender, _ := h.catalog.Get(t.FromDeviceID)
	h.sendTo(sender, protocol.TransferAcceptedIn{Type: protocol.TypeTransferAccepted, TransferID: t.ID})
}

func (h *Hub) handleTransferRejected(dev *model.Device, raw []byte) {
	in, err := decode[protocol.TransferRejectedIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	t, err := h.engine.Reject(in.TransferID)
	if err != nil {
		return
	}
	h.recordAudit(t, "ws")
	sender, _ := h.catalog.Get(t.FromDeviceID)
	h.sendTo(sender, protocol.TransferRejectedIn{Type: protocol.TypeTransferRejected, TransferID: t.ID})
}

// ---- chunk streaming ----

func (h *Hub) handleFileChunk(dev *model.Device, raw []byte) {
	in, err := decode[protocol.FileChunkIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	payload, err := xfer.NormalizeBase64(in.Data)
	if err != nil {
		h.sendTransferError(dev, in.TransferID, "AssemblyFailed")
		return
	}

	res, err := h.engine.Chunk(in.TransferID, in.ChunkIndex, in.TotalChunks, in.FileSize, payload)
	for _, evicted := range res.Evicted {
		h.notifyTransferErrored(evicted, "MemoryExhausted")
		h.recordAudit(evicted, "ws")
	}
	if err != nil {
		if err == xfer.ErrUnknownTransfer {
			log.Printf("[XFER] fileChunk for unknown transfer %s dropped", in.TransferID)
			return
		}
		h.sendTransferError(dev, in.TransferID, transferErrMessage(err))
		if res.Transfer != nil {
			h.recordAudit(res.Transfer, "ws")
		}
		return
	}

	t := res.Transfer
	sender, _ := h.catalog.Get(t.FromDeviceID)
	target, _ := h.catalog.Get(t.TargetDeviceID)

	h.sendTo(sender, protocol.UploadProgressOut{
		Type:           protocol.TypeUploadProgress,
		TransferID:     t.ID,
		ReceivedChunks: t.ReceivedChunks,
		TotalChunks:    t.TotalChunks,
		Percent:        t.PercentComplete(),
	})
	if !res.JustCompleted {
		return
	}

	h.sendTo(target, protocol.FileCompleteOut{
		Type:       protocol.TypeFileComplete,
		TransferID: t.ID,
		FileName:   t.PrimaryFile().Name,
		FileData:   res.AssembledB64,
	})
	h.sendTo(sender, protocol.TransferCompleteOut{Type: protocol.TypeTransferComplete, TransferID: t.ID})
	h.recordAudit(t, "ws")
	if dev.RoomID != "" && h.notifier != nil {
		h.notifier.NotifyTransferComplete(dev.RoomID, t)
	}
}

func (h *Hub) handleFileComplete(dev *model.Device, raw []byte) {
	in, err := decode[protocol.FileCompleteIn](raw)
	if err != nil {
		return
	}
	// The server already finalizes the transfer at the last chunk (see
	// handleFileChunk); this inbound frame is the client's own completion
	// ack. If the transfer is already gone the ack is redundant — nothing
	// to do.
	if _, ok := h.engine.Get(in.TransferID); ok {
		log.Printf("[XFER] fileComplete ack for still-active transfer %s from %s", in.TransferID, dev.ID)
	}
}

func (h *Hub) handleFileProgress(dev *model.Device, raw []byte) {
	in, err := decode[protocol.FileProgressIn](raw)
	if err != nil {
		return
	}
	t, ok := h.engine.Get(in.TransferID)
	if !ok {
		return
	}
	sender, _ := h.catalog.Get(t.FromDeviceID)
	h.sendTo(sender, protocol.TransferProgressOut{Type: protocol.TypeTransferProgress, TransferID: t.ID, Percent: in.Percent})
}

func (h *Hub) handleRequestMissingChunks(dev *model.Device, raw []byte) {
	in, err := decode[protocol.RequestMissingChunksIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	resends, err := h.engine.RequestMissing(in.TransferID, in.MissingChunks)
	if err != nil {
		h.sendTransferError(dev, in.TransferID, transferErrMessage(err))
		return
	}
	for _, r := range resends {
		h.sendTo(dev, protocol.FileChunkIn{
			Type:        protocol.TypeFileChunk,
			TransferID:  in.TransferID,
			ChunkIndex:  r.Index,
			TotalChunks: r.TotalChunks,
			Data:        base64Encode(r.Payload),
		})
	}
}

// handleRequestFileDownload serves the legacy HTTP-fallback path (spec §6's
// downloadError/sendFileData frame pair). The Transfer Engine deletes a
// transfer's state the instant it reaches a terminal status (spec §3), so by
// the time a client asks to re-download a completed transfer its buffers are
// already gone; there is nothing left to re-assemble here.
func (h *Hub) handleRequestFileDownload(dev *model.Device, raw []byte) {
	in, err := decode[protocol.RequestFileDownloadIn](raw)
	if err != nil {
		h.sendTo(dev, protocol.ErrorOut{Type: protocol.TypeError, Message: "MalformedFrame"})
		return
	}
	h.sendTo(dev, protocol.DownloadErrorOut{Type: protocol.TypeDownloadError, TransferID: in.TransferID, Message: "TargetNotFound"})
}

func (h *Hub) handleFileCancel(dev *model.Device, raw []byte) {
	in, err := decode[protocol.FileCancelIn](raw)
	if err != nil {
		return
	}
	t, err := h.engine.Cancel(in.TransferID)
	if err != nil {
		return
	}
	h.recordAudit(t, "ws")
	var other *model.Device
	if dev.ID == t.FromDeviceID {
		other, _ = h.catalog.Get(t.TargetDeviceID)
	} else {
		other, _ = h.catalog.Get(t.FromDeviceID)
	}
	h.sendTransferError(other, t.ID, "cancelled")
}

func (h *Hub) handlePing(dev *model.Device, raw []byte) {
	in, err := decode[protocol.PingIn](raw)
	if err != nil {
		return
	}
	h.sendTo(dev, protocol.PongOut{Type: protocol.TypePong, Timestamp: in.Timestamp})
}

// notifyTransferErrored tells the sender (and the target, if it is still
// online) that a transfer has moved to errored.
func (h *Hub) notifyTransferErrored(t *model.Transfer, message string) {
	sender, _ := h.catalog.Get(t.FromDeviceID)
	h.sendTransferError(sender, t.ID, message)
	if target, ok := h.catalog.Get(t.TargetDeviceID); ok && target.Online {
		h.sendTransferError(target, t.ID, message)
	}
}

func transferErrMessage(err error) string {
	switch err {
	case xfer.ErrTargetNotFound:
		return "TargetNotFound"
	case xfer.ErrCrossRoomTransfer:
		return "CrossRoomTransfer"
	case xfer.ErrTargetOffline:
		return "TargetOffline"
	case xfer.ErrMemoryExhausted:
		return "MemoryExhausted"
	case xfer.ErrSenderUnavailable:
		return "SenderUnavailable"
	case xfer.ErrAssemblyFailed:
		return "AssemblyFailed"
	case xfer.ErrDuplicateTransfer:
		return "DuplicateTransfer"
	default:
		return "TransferError"
	}
}
