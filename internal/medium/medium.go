// Package medium is the virtual wireless channel connecting simulated
// stations. Link quality comes from an injected LinkModel.
package medium

import (
	"time"

	"github.com/banshee-data/beamlink/internal/codebook"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/monitoring"
	"github.com/banshee-data/beamlink/internal/timeutil"
)

// Training describes TRN units appended to a frame.
type Training struct {
	// TxUnits holds the transmit radio of each TRN-T unit.
	TxUnits []codebook.Radio
	// RxUnits is the number of TRN-R units; the receiver sweeps its AWVs.
	RxUnits int
}

// Transmission is a frame handed to the medium. The frame bytes and radio
// state are captured when Transmit is called.
type Transmission struct {
	From     dmg.Address
	To       dmg.Address
	Frame    []byte
	Airtime  time.Duration
	Radio    codebook.Radio
	Training Training
}

// Reception is what a receiver sees at the end of a frame.
type Reception struct {
	From  dmg.Address
	Frame []byte
	SNR   float64
	// Radio is the receive state the frame was received with.
	Radio codebook.Radio
	// UnitSNR holds one SNR per appended TRN unit.
	UnitSNR []float64
	// UnitRadios are the receive radios used for TRN-R units.
	UnitRadios []codebook.Radio
	// End is the virtual time the last bit arrived.
	End time.Duration
}

// Receiver is a station attached to the medium.
type Receiver interface {
	ReceiveRadio() codebook.Radio
	RxTrainingRadios(n int) []codebook.Radio
	Receive(r Reception)
}

// LinkModel yields the SNR in dB of a transmission between two radios.
type LinkModel interface {
	SNR(from dmg.Address, tx codebook.Radio, to dmg.Address, rx codebook.Radio) float64
}

// Stats counts frames handled by the medium.
type Stats struct {
	Transmitted int
	Delivered   int
	Dropped     int
}

// Medium delivers frames between attached receivers.
type Medium struct {
	sched     *timeutil.Scheduler
	model     LinkModel
	prop      time.Duration
	threshold float64
	nodes     map[dmg.Address]Receiver
	drop      func(Transmission) bool
	capture   *Capture
	stats     Stats
}

// DefaultThreshold is the lowest SNR in dB at which a frame still decodes.
const DefaultThreshold = -10.0

// New returns a medium using model for link quality and prop as the
// propagation delay.
func New(s *timeutil.Scheduler, model LinkModel, prop time.Duration) *Medium {
	return &Medium{
		sched:     s,
		model:     model,
		prop:      prop,
		threshold: DefaultThreshold,
		nodes:     make(map[dmg.Address]Receiver),
	}
}

// Attach registers r under addr.
func (m *Medium) Attach(addr dmg.Address, r Receiver) {
	m.nodes[addr] = r
}

// SetThreshold sets the decode threshold in dB.
func (m *Medium) SetThreshold(db float64) { m.threshold = db }

// SetDropFilter installs fn; transmissions for which it returns true are lost.
func (m *Medium) SetDropFilter(fn func(Transmission) bool) { m.drop = fn }

// SetCapture writes every transmitted frame to c.
func (m *Medium) SetCapture(c *Capture) { m.capture = c }

// Stats returns the frame counters.
func (m *Medium) Stats() Stats { return m.stats }

// Transmit puts tx on the air. Delivery happens Airtime plus the
// propagation delay later.
func (m *Medium) Transmit(tx Transmission) {
	tx.Frame = append([]byte(nil), tx.Frame...)
	tx.Training.TxUnits = append([]codebook.Radio(nil), tx.Training.TxUnits...)
	m.stats.Transmitted++

	if m.capture != nil {
		if err := m.capture.Write(tx.Frame); err != nil {
			monitoring.Logf("medium: capture write failed: %v", err)
		}
	}

	lost := m.drop != nil && m.drop(tx)
	m.sched.Schedule(tx.Airtime+m.prop, "medium/deliver", func() {
		m.deliver(tx, lost)
	})
}

func (m *Medium) deliver(tx Transmission, lost bool) {
	rcv, ok := m.nodes[tx.To]
	if !ok || lost {
		m.stats.Dropped++
		return
	}
	rxRadio := rcv.ReceiveRadio()
	snr := m.model.SNR(tx.From, tx.Radio, tx.To, rxRadio)
	if snr < m.threshold {
		m.stats.Dropped++
		return
	}

	r := Reception{
		From:  tx.From,
		Frame: tx.Frame,
		SNR:   snr,
		Radio: rxRadio,
		End:   m.sched.Now(),
	}
	for _, unit := range tx.Training.TxUnits {
		r.UnitSNR = append(r.UnitSNR, m.model.SNR(tx.From, unit, tx.To, rxRadio))
	}
	if n := tx.Training.RxUnits; n > 0 {
		r.UnitRadios = rcv.RxTrainingRadios(n)
		for _, rx := range r.UnitRadios {
			r.UnitSNR = append(r.UnitSNR, m.model.SNR(tx.From, tx.Radio, tx.To, rx))
		}
	}
	m.stats.Delivered++
	rcv.Receive(r)
}
