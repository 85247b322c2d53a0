// Package conn implements the Connection Manager (spec §4.3): channel
// lifecycle, stable device identity binding, duplicate-session resolution,
// and heartbeat.
package conn

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaydrop/internal/governor"
	"relaydrop/internal/identity"
	"relaydrop/internal/model"
	"relaydrop/internal/protocol"
	"relaydrop/internal/registry"
)

const (
	defaultChunkSize = 20 * 1024 * 1024
	mobileChunkSize  = 1 * 1024 * 1024

	welcomeDebounce = 100 * time.Millisecond

	heartbeatIntervalMobile = 10 * time.Second
	heartbeatIntervalOther  = 15 * time.Second
	activityStaleAfter      = 30 * time.Second

	duplicateGrace = 1 * time.Second

	maxFrameSizeDefault = defaultChunkSize + (defaultChunkSize / 2) // headroom over base64 blow-up
	maxFrameSizeMobile  = mobileChunkSize + (mobileChunkSize / 2)
)

// Dispatcher receives lifecycle and message events from the Connection
// Manager. relay.Hub implements this; keeping it as an interface here (as
// opposed to importing relay directly) means conn never depends on relay.
type Dispatcher interface {
	OnConnect(dev *model.Device, isNewDevice bool)
	OnMessage(deviceID string, raw []byte)
	OnDisconnect(deviceID string)
}

type entry struct {
	deviceID     string
	channel      *Channel
	connectedAt  time.Time
	lastActivity time.Time
	mobileSafari bool

	mu     sync.Mutex
	closed bool
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *entry) idleSince() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastActivity)
}

// Manager owns every live channel, binds it to a Device via the catalog,
// and runs the heartbeat/duplicate-resolution machinery.
type Manager struct {
	catalog    *registry.Catalog
	governor   *governor.Governor
	dispatcher Dispatcher

	upgrader websocket.Upgrader

	mu       sync.Mutex
	byDevice map[string]*entry
}

func NewManager(catalog *registry.Catalog, gov *governor.Governor, dispatcher Dispatcher) *Manager {
	return &Manager{
		catalog:    catalog,
		governor:   gov,
		dispatcher: dispatcher,
		byDevice:   make(map[string]*entry),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleUpgrade upgrades an inbound HTTP request to a WebSocket connection
// and runs its lifecycle to completion. Intended to be wired at the "/ws"
// route by internal/httpapi.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !m.governor.AdmitConnection() {
		http.Error(w, "server over memory budget", http.StatusServiceUnavailable)
		return
	}

	ua := r.UserAgent()
	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[CONN] upgrade failed: %v", err)
		return
	}

	mobile := identity.IsMobileSafari(ua)
	maxFrame := int64(maxFrameSizeDefault)
	if mobile {
		maxFrame = maxFrameSizeMobile
	}
	wsConn.SetReadLimit(maxFrame)

	deviceID := identity.Derive(identity.Input{
		UserAgent:      ua,
		RemoteAddr:     r.RemoteAddr,
		AcceptLanguage: r.Header.Get("Accept-Language"),
	})

	channel := NewChannel(deviceID, wsConn)
	e := &entry{
		deviceID:     deviceID,
		channel:      channel,
		connectedAt:  time.Now(),
		lastActivity: time.Now(),
		mobileSafari: mobile,
	}

	m.resolveDuplicate(deviceID, e)

	dev, isNew := m.upsertDevice(deviceID, channel, ua)
	m.dispatcher.OnConnect(dev, isNew)

	if mobile {
		m.sendWelcome(channel, deviceID, mobileChunkSize)
	} else {
		go func() {
			time.Sleep(welcomeDebounce)
			m.sendWelcome(channel, deviceID, defaultChunkSize)
		}()
	}

	go m.heartbeatLoop(e)

	m.readLoop(e)
}

// resolveDuplicate implements "newer wins": if deviceID already has a live
// channel, tell it to close, give it a grace period, then adopt the new one
// as authoritative (spec §4.3, §9).
func (m *Manager) resolveDuplicate(deviceID string, newEntry *entry) {
	m.mu.Lock()
	old, hadOld := m.byDevice[deviceID]
	m.byDevice[deviceID] = newEntry
	m.mu.Unlock()

	if hadOld {
		old.channel.Send(protocol.DuplicateConnectionOut{
			Type:               protocol.TypeDuplicateConnection,
			KeepThisConnection: false,
		})
		go func() {
			time.Sleep(duplicateGrace)
			old.channel.Close(websocket.CloseNormalClosure, "duplicate_connection")
		}()
	}
	newEntry.channel.Send(protocol.DuplicateConnectionOut{
		Type:               protocol.TypeDuplicateConnection,
		KeepThisConnection: true,
	})
}

func (m *Manager) upsertDevice(deviceID string, channel *Channel, ua string) (*model.Device, bool) {
	_, existed := m.catalog.Get(deviceID)
	dtype := classifyDevice(ua)
	dev := m.catalog.UpsertDeviceOnConnect(deviceID, channel, ua, defaultDeviceName(dtype), dtype, "", "")
	return dev, !existed
}

func (m *Manager) sendWelcome(ch *Channel, deviceID string, chunkSize int) {
	ch.Send(protocol.WelcomeOut{
		Type:         protocol.TypeWelcome,
		DeviceID:     deviceID,
		ChunkSize:    chunkSize,
		Capabilities: []string{"chunked-transfer", "presence", "pinning"},
	})
}

func (m *Manager) heartbeatLoop(e *entry) {
	interval := heartbeatIntervalOther
	if e.mobileSafari {
		interval = heartbeatIntervalMobile
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		if e.idleSince() < activityStaleAfter {
			continue
		}
		if err := e.channel.Send(protocol.PingIn{Type: protocol.TypePing}); err != nil {
			return
		}
	}
}

// readLoop blocks reading frames off the connection until it closes, then
// runs teardown. Runs on the calling goroutine (HandleUpgrade's), matching
// the "concurrent per connection" model of spec §5.
func (m *Manager) readLoop(e *entry) {
	defer m.teardown(e)

	for {
		_, data, err := e.channel.conn.ReadMessage()
		if err != nil {
			return
		}
		e.touch()
		m.dispatcher.OnMessage(e.deviceID, data)
	}
}

func (m *Manager) teardown(e *entry) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	m.mu.Lock()
	current, ok := m.byDevice[e.deviceID]
	if ok && current == e {
		delete(m.byDevice, e.deviceID)
	}
	m.mu.Unlock()

	// A channel replaced by a newer one for the same device must not take
	// the device offline: the newer channel now owns the binding.
	if ok && current != e {
		return
	}

	m.catalog.MarkOffline(e.deviceID)
	m.dispatcher.OnDisconnect(e.deviceID)
}

// CloseIdle force-closes any connection idle longer than d, used by the
// Janitor (spec §4.8).
func (m *Manager) CloseIdle(d time.Duration, reason string) {
	m.mu.Lock()
	stale := make([]*entry, 0)
	for _, e := range m.byDevice {
		if e.idleSince() > d {
			stale = append(stale, e)
		}
	}
	m.mu.Unlock()

	for _, e := range stale {
		e.channel.Close(websocket.CloseNormalClosure, reason)
	}
}

// CloseDevice force-closes the live channel for a specific device, if any.
func (m *Manager) CloseDevice(deviceID string, reason string) {
	m.mu.Lock()
	e, ok := m.byDevice[deviceID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.channel.Close(websocket.CloseNormalClosure, reason)
}

// CloseAll closes every live connection with a normal closure, used on
// graceful shutdown (spec §6 "flushing registries and closing all channels
// with normal closure and a 1s grace").
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.byDevice))
	for _, e := range m.byDevice {
		all = append(all, e)
	}
	m.mu.Unlock()

	for _, e := range all {
		e.channel.Close(websocket.CloseNormalClosure, reason)
	}
}

func classifyDevice(ua string) model.DeviceType {
	switch {
	case identity.IsMobileSafari(ua):
		return model.DeviceMobile
	case containsAny(ua, "Mobile", "Android"):
		return model.DeviceMobile
	case containsAny(ua, "Tablet", "iPad"):
		return model.DeviceTablet
	case containsAny(ua, "Windows", "Macintosh", "Linux", "X11"):
		return model.DeviceDesktop
	default:
		return model.DeviceUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func defaultDeviceName(t model.DeviceType) string {
	switch t {
	case model.DeviceMobile:
		return "Mobile Device"
	case model.DeviceTablet:
		return "Tablet"
	case model.DeviceDesktop:
		return "Desktop"
	default:
		return "Unknown Device"
	}
}
