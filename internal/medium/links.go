package medium

import (
	"fmt"

	"github.com/banshee-data/beamlink/internal/codebook"
	"github.com/banshee-data/beamlink/internal/dmg"
)

// LinkGains is the lookup data for one directed link. The SNR of a
// transmission is Base plus the transmit sector gain, plus the receive
// sector gain when the receiver is directional, plus any AWV offsets.
// Missing entries contribute zero.
type LinkGains struct {
	Base  float64
	Tx    map[dmg.AntennaConfiguration]float64
	Rx    map[dmg.AntennaConfiguration]float64
	TxAWV map[int]float64
	RxAWV map[int]float64
}

type linkKey struct {
	from, to dmg.Address
}

// SNRTable is a LinkModel backed by per-link lookup tables.
type SNRTable struct {
	links   map[linkKey]LinkGains
	Default float64
}

// NewSNRTable returns a table whose unknown links yield def.
func NewSNRTable(def float64) *SNRTable {
	return &SNRTable{links: make(map[linkKey]LinkGains), Default: def}
}

// Set stores the gains for the directed link from -> to.
func (t *SNRTable) Set(from, to dmg.Address, g LinkGains) {
	t.links[linkKey{from, to}] = g
}

func (t *SNRTable) SNR(from dmg.Address, tx codebook.Radio, to dmg.Address, rx codebook.Radio) float64 {
	g, ok := t.links[linkKey{from, to}]
	if !ok {
		return t.Default
	}
	v := g.Base + g.Tx[tx.Config]
	if tx.AWV != codebook.NoAWV {
		v += g.TxAWV[tx.AWV]
	}
	if !rx.QuasiOmni {
		v += g.Rx[rx.Config]
		if rx.AWV != codebook.NoAWV {
			v += g.RxAWV[rx.AWV]
		}
	}
	return v
}

// GainEntry is one sector gain in a LinkSpec.
type GainEntry struct {
	Antenna int     `json:"antenna"`
	Sector  int     `json:"sector"`
	Gain    float64 `json:"gain_db"`
}

// LinkSpec is the JSON form of one directed link.
type LinkSpec struct {
	From  string      `json:"from"`
	To    string      `json:"to"`
	Base  float64     `json:"base_db"`
	Tx    []GainEntry `json:"tx,omitempty"`
	Rx    []GainEntry `json:"rx,omitempty"`
	TxAWV []float64   `json:"tx_awv,omitempty"`
	RxAWV []float64   `json:"rx_awv,omitempty"`
}

func gainMap(entries []GainEntry) (map[dmg.AntennaConfiguration]float64, error) {
	m := make(map[dmg.AntennaConfiguration]float64, len(entries))
	for _, e := range entries {
		c := dmg.AntennaConfiguration{Antenna: dmg.AntennaID(e.Antenna), Sector: dmg.SectorID(e.Sector)}
		if e.Antenna < 1 || e.Sector < 1 || !c.Valid() {
			return nil, fmt.Errorf("invalid gain entry antenna=%d sector=%d", e.Antenna, e.Sector)
		}
		m[c] = e.Gain
	}
	return m, nil
}

func awvMap(gains []float64) map[int]float64 {
	m := make(map[int]float64, len(gains))
	for i, g := range gains {
		m[i] = g
	}
	return m
}

// LoadLinks builds an SNRTable from specs.
func LoadLinks(def float64, specs []LinkSpec) (*SNRTable, error) {
	t := NewSNRTable(def)
	for i, s := range specs {
		from, err := dmg.ParseAddress(s.From)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		to, err := dmg.ParseAddress(s.To)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		tx, err := gainMap(s.Tx)
		if err != nil {
			return nil, fmt.Errorf("link %d tx: %w", i, err)
		}
		rx, err := gainMap(s.Rx)
		if err != nil {
			return nil, fmt.Errorf("link %d rx: %w", i, err)
		}
		t.Set(from, to, LinkGains{Base: s.Base, Tx: tx, Rx: rx, TxAWV: awvMap(s.TxAWV), RxAWV: awvMap(s.RxAWV)})
	}
	return t, nil
}
