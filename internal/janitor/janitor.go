// Package janitor implements the Janitor (spec §4.8): a 60-second sweep
// that closes idle channels, expires stale devices and rooms, expires
// abandoned transfers, runs the governor's WarningThreshold sweep (spec
// §4.5), and cleans the HTTP upload scratch directory. It is grounded on
// the teacher's discovery.Service background-ticker pattern (a single
// goroutine looping on a time.Ticker, logging with a bracketed component
// tag), generalized from LAN-presence pruning to the wider set of sweeps
// spec §4.8 names.
package janitor

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"relaydrop/internal/governor"
	"relaydrop/internal/presence"
	"relaydrop/internal/registry"
	"relaydrop/internal/xfer"
)

const (
	sweepInterval = 60 * time.Second

	idleChannelAge    = 5 * time.Minute
	staleDeviceAge    = 30 * time.Minute
	pinnedDeviceAge   = 24 * time.Hour
	abandonedTransfer = 60 * time.Minute
	scratchFileAge    = 24 * time.Hour
)

// channelCloser is the subset of conn.Manager the Janitor needs. Kept as an
// interface here so this package does not import conn (which would create
// a needless dependency edge; conn never needs to know about janitor).
type channelCloser interface {
	CloseIdle(d time.Duration, reason string)
	CloseDevice(deviceID string, reason string)
}

// Janitor owns the periodic sweep goroutine.
type Janitor struct {
	catalog    *registry.Catalog
	engine     *xfer.Engine
	gov        *governor.Governor
	presence   *presence.Broadcaster
	conns      channelCloser
	scratchDir string

	stop chan struct{}
}

func New(catalog *registry.Catalog, engine *xfer.Engine, gov *governor.Governor, pres *presence.Broadcaster, conns channelCloser, scratchDir string) *Janitor {
	return &Janitor{
		catalog:    catalog,
		engine:     engine,
		gov:        gov,
		presence:   pres,
		conns:      conns,
		scratchDir: scratchDir,
		stop:       make(chan struct{}),
	}
}

// Run blocks, sweeping every sweepInterval until Stop is called.
func (j *Janitor) Run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stop:
			return
		}
	}
}

// Stop ends the sweep loop.
func (j *Janitor) Stop() { close(j.stop) }

func (j *Janitor) sweep() {
	j.conns.CloseIdle(idleChannelAge, "idle_timeout")

	expiredTransfers := j.engine.ExpireOlderThan(time.Now().Add(-abandonedTransfer))
	if len(expiredTransfers) > 0 {
		log.Printf("[JANITOR] expired %d abandoned transfers", len(expiredTransfers))
	}

	// Normal sweep (spec §4.5): independent of the emergency cleanup that
	// fires inline on chunk admission, this drops aged transfers whenever
	// memoryInFlight is merely trending high rather than already over cap.
	if j.gov.Snapshot().OverWarning {
		if aged := j.engine.SweepAged(); len(aged) > 0 {
			log.Printf("[JANITOR] warning-threshold sweep expired %d aged transfers", len(aged))
		}
	}

	staleDevices := j.catalog.StaleOfflineDevices(staleDeviceAge, pinnedDeviceAge)
	touchedRooms := make(map[string]bool)
	for _, id := range staleDevices {
		roomID, _ := j.catalog.ExpireDevice(id)
		j.conns.CloseDevice(id, "device_expired")
		if roomID != "" {
			touchedRooms[roomID] = true
		}
	}
	for roomID := range touchedRooms {
		j.presence.Broadcast(roomID)
	}
	if len(staleDevices) > 0 {
		log.Printf("[JANITOR] expired %d stale devices", len(staleDevices))
	}

	j.sweepScratchDir()
}

// sweepScratchDir removes files older than scratchFileAge from the HTTP
// upload scratch directory (spec §6, shared with internal/httpapi).
func (j *Janitor) sweepScratchDir() {
	if j.scratchDir == "" {
		return
	}
	entries, err := os.ReadDir(j.scratchDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-scratchFileAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.scratchDir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[JANITOR] swept %d aged scratch files", removed)
	}
}
