// Package snr keeps per-peer SNR observations keyed by antenna configuration
// and answers best-configuration queries over them.
package snr

import (
	"github.com/banshee-data/beamlink/internal/dmg"
)

// Sample is one SNR observation in dB.
type Sample struct {
	Config dmg.AntennaConfiguration `json:"config"`
	SNR    float64                  `json:"snr_db"`
}

// Map is an insertion-ordered AntennaConfiguration to SNR map. Recording an
// existing configuration replaces its SNR without changing its position.
type Map struct {
	index   map[dmg.AntennaConfiguration]int
	samples []Sample
}

// Record stores snr for cfg.
func (m *Map) Record(cfg dmg.AntennaConfiguration, snr float64) {
	if m.index == nil {
		m.index = make(map[dmg.AntennaConfiguration]int)
	}
	if i, ok := m.index[cfg]; ok {
		m.samples[i].SNR = snr
		return
	}
	m.index[cfg] = len(m.samples)
	m.samples = append(m.samples, Sample{Config: cfg, SNR: snr})
}

// Get returns the SNR recorded for cfg.
func (m *Map) Get(cfg dmg.AntennaConfiguration) (float64, bool) {
	i, ok := m.index[cfg]
	if !ok {
		return 0, false
	}
	return m.samples[i].SNR, true
}

// Len returns the number of distinct configurations recorded.
func (m *Map) Len() int { return len(m.samples) }

// Best returns the first configuration holding the strict maximum SNR.
// Later samples with an equal SNR never displace it.
func (m *Map) Best() (Sample, bool) {
	if len(m.samples) == 0 {
		return Sample{}, false
	}
	best := m.samples[0]
	for _, s := range m.samples[1:] {
		if s.SNR > best.SNR {
			best = s
		}
	}
	return best, true
}

// Samples returns a copy of the recorded samples in insertion order.
func (m *Map) Samples() []Sample {
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Pair holds the transmit-side and receive-side maps for one peer.
//
// Tx is keyed by the transmitter's reported configuration (the peer swept
// its transmit sectors). Rx is keyed by this station's own receive
// configuration (this station swept its receive sectors).
type Pair struct {
	Tx Map
	Rx Map
}

// Table is the per-peer observation table.
type Table struct {
	peers map[dmg.Address]*Pair
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{peers: make(map[dmg.Address]*Pair)}
}

func (t *Table) pair(peer dmg.Address) *Pair {
	p, ok := t.peers[peer]
	if !ok {
		p = &Pair{}
		t.peers[peer] = p
	}
	return p
}

// RecordTx stores an observation of the peer transmitting on cfg.
func (t *Table) RecordTx(peer dmg.Address, cfg dmg.AntennaConfiguration, snr float64) {
	t.pair(peer).Tx.Record(cfg, snr)
}

// RecordRx stores an observation received on this station's configuration cfg.
func (t *Table) RecordRx(peer dmg.Address, cfg dmg.AntennaConfiguration, snr float64) {
	t.pair(peer).Rx.Record(cfg, snr)
}

// BestConfiguration scans the peer's Tx (forTx) or Rx map and returns the
// first strict maximum. ok is false when nothing was recorded.
func (t *Table) BestConfiguration(peer dmg.Address, forTx bool) (dmg.AntennaConfiguration, float64, bool) {
	p, found := t.peers[peer]
	if !found {
		return dmg.AntennaConfiguration{}, 0, false
	}
	m := &p.Rx
	if forTx {
		m = &p.Tx
	}
	s, ok := m.Best()
	return s.Config, s.SNR, ok
}

// Samples returns the peer's Tx or Rx samples in insertion order.
func (t *Table) Samples(peer dmg.Address, forTx bool) []Sample {
	p, ok := t.peers[peer]
	if !ok {
		return nil
	}
	if forTx {
		return p.Tx.Samples()
	}
	return p.Rx.Samples()
}

// Clear drops every observation for peer.
func (t *Table) Clear(peer dmg.Address) {
	delete(t.peers, peer)
}

// Has reports whether any observation exists for peer.
func (t *Table) Has(peer dmg.Address) bool {
	p, ok := t.peers[peer]
	return ok && (p.Tx.Len() > 0 || p.Rx.Len() > 0)
}
