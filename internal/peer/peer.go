// Package peer tracks what a station knows about each peer it trains with.
package peer

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/beamlink/internal/dmg"
)

// LinkMaintenance is the negotiated beam-link maintenance timer for one peer.
type LinkMaintenance struct {
	Timeout   time.Duration
	Remaining time.Duration
	Master    bool
}

// Restart resets the countdown to the negotiated timeout.
func (m *LinkMaintenance) Restart() {
	m.Remaining = m.Timeout
}

// Consume subtracts d from the countdown and reports whether it expired.
func (m *LinkMaintenance) Consume(d time.Duration) bool {
	if m.Remaining <= d {
		m.Remaining = 0
		return true
	}
	m.Remaining -= d
	return false
}

// Station is the per-peer record.
type Station struct {
	Address dmg.Address

	Capabilities      dmg.Capabilities
	CapabilitiesKnown bool

	BestTx    dmg.AntennaConfiguration
	BestTxSNR float64
	HasBestTx bool
	BestRx    dmg.AntennaConfiguration
	BestRxSNR float64
	HasBestRx bool

	// BestAWV is the refined AWV index inside BestTx, -1 until refined.
	BestAWV int
	// BestRxAWV is the refined receive AWV index, -1 until refined.
	BestRxAWV int

	BRPSetupAsInitiator bool
	BRPSetupAsResponder bool

	// Link is nil unless the link is maintained.
	Link *LinkMaintenance

	// AckMemo holds the last SSW-ACK sent to this peer so that a duplicate
	// SSW-FBCK after completion can be acknowledged again.
	AckMemo []byte
}

// Registry owns the Station records of one station.
type Registry struct {
	peers map[dmg.Address]*Station
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[dmg.Address]*Station)}
}

// GetOrCreate returns the record for addr, creating it on first contact.
func (r *Registry) GetOrCreate(addr dmg.Address) *Station {
	p, ok := r.peers[addr]
	if !ok {
		p = &Station{Address: addr, BestAWV: -1, BestRxAWV: -1}
		r.peers[addr] = p
	}
	return p
}

// Get returns the record for addr if it exists.
func (r *Registry) Get(addr dmg.Address) (*Station, bool) {
	p, ok := r.peers[addr]
	return p, ok
}

// Remove drops the record, as on disassociation.
func (r *Registry) Remove(addr dmg.Address) {
	delete(r.peers, addr)
}

// Len returns the number of known peers.
func (r *Registry) Len() int { return len(r.peers) }

// Addresses returns the known peer addresses in byte order.
func (r *Registry) Addresses() []dmg.Address {
	out := make([]dmg.Address, 0, len(r.peers))
	for a := range r.peers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// SetCapabilities records the outcome of a capability exchange.
func (r *Registry) SetCapabilities(addr dmg.Address, caps dmg.Capabilities) error {
	if err := caps.Validate(); err != nil {
		return fmt.Errorf("peer %s: %w", addr, err)
	}
	p := r.GetOrCreate(addr)
	p.Capabilities = caps
	p.CapabilitiesKnown = true
	return nil
}

// Capabilities returns the exchanged capabilities of addr or
// dmg.ErrCapabilitiesUnknown.
func (r *Registry) Capabilities(addr dmg.Address) (dmg.Capabilities, error) {
	p, ok := r.peers[addr]
	if !ok || !p.CapabilitiesKnown {
		return dmg.Capabilities{}, fmt.Errorf("peer %s: %w", addr, dmg.ErrCapabilitiesUnknown)
	}
	return p.Capabilities, nil
}
