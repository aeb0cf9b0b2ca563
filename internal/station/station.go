// Package station composes one simulated DMG station: its codebook,
// channel-access schedule, beamforming arbiter, sweep and refinement
// engines, peer records and event bus.
package station

import (
	"fmt"
	"time"

	"github.com/banshee-data/beamlink/internal/access"
	"github.com/banshee-data/beamlink/internal/brp"
	"github.com/banshee-data/beamlink/internal/codebook"
	"github.com/banshee-data/beamlink/internal/config"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/events"
	"github.com/banshee-data/beamlink/internal/frames"
	"github.com/banshee-data/beamlink/internal/medium"
	"github.com/banshee-data/beamlink/internal/monitoring"
	"github.com/banshee-data/beamlink/internal/peer"
	"github.com/banshee-data/beamlink/internal/sls"
	"github.com/banshee-data/beamlink/internal/snr"
	"github.com/banshee-data/beamlink/internal/timeutil"
	"github.com/banshee-data/beamlink/internal/txop"
)

// Config describes one station.
type Config struct {
	Address       dmg.Address
	Capabilities  dmg.Capabilities
	AWVsPerSector int
	// Timing defaults to config.DefaultTimingConfig.
	Timing *config.TimingConfig
	// Access is the channel-access schedule. The zero value always allows
	// access. SlotTime defaults to the timing slot time.
	Access access.ScheduleConfig
}

// Station is a DMG station attached to a medium.
type Station struct {
	addr   dmg.Address
	sched  *timeutil.Scheduler
	cfg    *config.TimingConfig
	cb     *codebook.Uniform
	gate   *access.Schedule
	txop   *txop.TxOp
	sls    *sls.Engine
	brp    *brp.Engine
	peers  *peer.Registry
	table  *snr.Table
	bus    *events.Bus
	parser *frames.Parser
	logf   func(format string, v ...interface{})
}

// New builds a station and attaches it to m.
func New(s *timeutil.Scheduler, m *medium.Medium, c Config) (*Station, error) {
	timing := c.Timing
	if timing == nil {
		timing = config.DefaultTimingConfig()
	}
	if err := timing.Validate(); err != nil {
		return nil, fmt.Errorf("station %s: %w", c.Address, err)
	}
	cb, err := codebook.NewUniform(c.Capabilities, c.AWVsPerSector)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", c.Address, err)
	}
	ac := c.Access
	if ac.SlotTime == 0 {
		ac.SlotTime = timing.GetSlotTime()
	}
	if ac.Seed == 0 {
		ac.Seed = int64(c.Address[4])<<8 | int64(c.Address[5])
	}
	gate, err := access.NewSchedule(c.Address.String(), s, ac)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", c.Address, err)
	}

	st := &Station{
		addr:   c.Address,
		sched:  s,
		cfg:    timing,
		cb:     cb,
		gate:   gate,
		peers:  peer.NewRegistry(),
		table:  snr.NewTable(),
		bus:    &events.Bus{},
		parser: frames.NewParser(),
		logf:   monitoring.Prefixed(c.Address.String(), s.Now),
	}
	st.sls = sls.New(sls.Options{
		Address:   c.Address,
		Scheduler: s,
		Codebook:  cb,
		Gate:      gate,
		Medium:    m,
		Peers:     st.peers,
		Table:     st.table,
		Events:    st.bus,
		Config:    timing,
		Logf:      st.logf,
	})
	st.brp = brp.New(brp.Options{
		Address:   c.Address,
		Scheduler: s,
		Codebook:  cb,
		Gate:      gate,
		Medium:    m,
		Peers:     st.peers,
		Events:    st.bus,
		Config:    timing,
		Logf:      st.logf,
	})
	st.txop = txop.New(gate, st.sls, st.peers, timing)
	st.txop.Logf = st.logf
	st.sls.SetArbiter(st.txop)
	st.sls.SetRefiner(st.brp)
	st.brp.SetArbiter(st.txop)

	gate.OnPeriodStart(st.txop.ResumeAccess)
	gate.Start()
	m.Attach(c.Address, st)
	return st, nil
}

func (st *Station) Address() dmg.Address         { return st.addr }
func (st *Station) Events() *events.Bus          { return st.bus }
func (st *Station) Peers() *peer.Registry        { return st.peers }
func (st *Station) Table() *snr.Table            { return st.table }
func (st *Station) Codebook() *codebook.Uniform  { return st.cb }
func (st *Station) TxOp() *txop.TxOp             { return st.txop }
func (st *Station) Gate() access.Gate            { return st.gate }
func (st *Station) Timing() *config.TimingConfig { return st.cfg }

// Session returns the sweep session in progress, if any.
func (st *Station) Session() (sls.Session, bool) { return st.sls.Session() }

// Stop cancels the station's access-period notifications.
func (st *Station) Stop() { st.gate.Stop() }

// ExchangeCapabilities records what peerAddr advertised. Training a peer
// requires it.
func (st *Station) ExchangeCapabilities(peerAddr dmg.Address, caps dmg.Capabilities) error {
	return st.peers.SetCapabilities(peerAddr, caps)
}

// Train queues beamforming training toward peerAddr.
func (st *Station) Train(peerAddr dmg.Address) error {
	return st.txop.RequestTraining(peerAddr)
}

// ISSDuration is the duration of this station's initiator sweep toward
// peerAddr with the configured sweep kind.
func (st *Station) ISSDuration(peerAddr dmg.Address) (time.Duration, error) {
	return st.sls.ISSDuration(peerAddr, st.cfg.GetISSSweep())
}

// BestConfiguration returns the committed transmit configuration toward
// peerAddr.
func (st *Station) BestConfiguration(peerAddr dmg.Address) (dmg.AntennaConfiguration, bool) {
	p, ok := st.peers.Get(peerAddr)
	if !ok || !p.HasBestTx {
		return dmg.AntennaConfiguration{}, false
	}
	return p.BestTx, true
}

// Disassociate forgets peerAddr: any session with it ends and its peer
// record and SNR observations are removed.
func (st *Station) Disassociate(peerAddr dmg.Address) {
	st.sls.Abort(peerAddr)
	st.brp.Abort(peerAddr)
	st.txop.Forget(peerAddr)
	st.table.Clear(peerAddr)
	st.peers.Remove(peerAddr)
	st.logf("disassociated %s", peerAddr)
}

// ConsumeServicePeriod charges d of service period time against the beam
// link maintenance countdown toward peerAddr. On expiry the link is no
// longer maintained and the master side retrains.
func (st *Station) ConsumeServicePeriod(peerAddr dmg.Address, d time.Duration) {
	p, ok := st.peers.Get(peerAddr)
	if !ok || p.Link == nil {
		return
	}
	if !p.Link.Consume(d) {
		return
	}
	master := p.Link.Master
	p.Link = nil
	st.logf("beam link to %s expired (master=%v)", peerAddr, master)
	st.bus.OnBeamLinkExpired(events.BeamLinkExpired{
		Station: st.addr,
		Peer:    peerAddr,
		At:      st.sched.Now(),
		Master:  master,
	})
	if master {
		if err := st.txop.RequestTraining(peerAddr); err != nil {
			st.logf("cannot retrain %s: %v", peerAddr, err)
		}
	}
}

// ReceiveRadio implements medium.Receiver.
func (st *Station) ReceiveRadio() codebook.Radio { return st.cb.ReceiveConfiguration() }

// RxTrainingRadios implements medium.Receiver.
func (st *Station) RxTrainingRadios(n int) []codebook.Radio { return st.brp.RxTrainingRadios(n) }

// Receive implements medium.Receiver.
func (st *Station) Receive(r medium.Reception) {
	f, err := st.parser.Decode(r.Frame)
	if err != nil {
		st.logf("dropping undecodable frame from %s: %v", r.From, err)
		return
	}
	if p, ok := st.peers.Get(f.From()); ok && p.Link != nil {
		p.Link.Restart()
	}
	if f.Type() == frames.TypeBRP {
		st.brp.HandleFrame(r, f)
		return
	}
	st.sls.HandleFrame(r, f)
}
