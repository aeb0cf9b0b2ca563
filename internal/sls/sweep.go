package sls

import (
	"fmt"
	"time"

	"github.com/banshee-data/beamlink/internal/codebook"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/frames"
)

// sweep is the immutable plan of one sweep phase.
type sweep struct {
	kind dmg.SweepKind
	// configs holds the transmit configuration of every frame.
	configs []dmg.AntennaConfiguration
	// gaps[i] is the spacing after frame i.
	gaps []time.Duration
	// remaining[i] is the phase time left after frame i ends.
	remaining []time.Duration
	// rxssLength is the number of receive training frames, zero for TXSS.
	rxssLength int
}

func (w *sweep) frames() int { return len(w.configs) }

// total is the airtime of the whole phase.
func (w *sweep) total(frameTime time.Duration) time.Duration {
	if len(w.configs) == 0 {
		return 0
	}
	return frameTime + w.remaining[0]
}

// buildTXSS plans a transmit sweep over every own sector, repeated once per
// receive antenna of the peer.
func (e *Engine) buildTXSS(peerAddr dmg.Address, peerAntennas int) (*sweep, error) {
	n := e.cb.StartSectorSweeping(peerAddr, dmg.TXSS, peerAntennas)
	if n-1 > frames.MaxCDOWN {
		return nil, fmt.Errorf("sweep of %d frames exceeds the CDOWN range", n)
	}
	w := &sweep{kind: dmg.TXSS}
	for {
		slot, ok := e.cb.NextSector()
		if !ok {
			break
		}
		gap := e.cfg.GetSBIFS()
		if slot.Switch {
			gap = e.cfg.GetLBIFS()
		}
		w.configs = append(w.configs, slot.Config)
		w.gaps = append(w.gaps, gap)
	}
	e.finishPlan(w)
	return w, nil
}

// rxssLength is the number of receive sectors an RXSS toward caps trains.
func rxssLength(caps dmg.Capabilities) int {
	if caps.RxSectors > frames.MaxRXSSLength {
		return frames.MaxRXSSLength
	}
	return caps.RxSectors
}

// buildRXSS plans an announcement frame followed by one training frame per
// receive sector of the peer, all sent from a fixed configuration.
func (e *Engine) buildRXSS(peerAddr dmg.Address, caps dmg.Capabilities) *sweep {
	fixed := dmg.AntennaConfiguration{Antenna: e.cb.ActiveTxAntenna(), Sector: e.cb.ActiveTxSector()}
	if p, ok := e.peers.Get(peerAddr); ok && p.HasBestTx {
		fixed = p.BestTx
	}
	n := rxssLength(caps)
	w := &sweep{kind: dmg.RXSS, rxssLength: n}
	w.configs = append(w.configs, fixed)
	w.gaps = append(w.gaps, e.cfg.GetSBIFS())
	for _, count := range dmg.SectorsPerAntenna(n, caps.Antennas) {
		for j := 0; j < count; j++ {
			gap := e.cfg.GetSBIFS()
			if j == count-1 {
				gap = e.cfg.GetLBIFS()
			}
			w.configs = append(w.configs, fixed)
			w.gaps = append(w.gaps, gap)
		}
	}
	e.finishPlan(w)
	return w
}

func (e *Engine) finishPlan(w *sweep) {
	n := len(w.configs)
	if n == 0 {
		return
	}
	w.gaps[n-1] = 0
	w.remaining = make([]time.Duration, n)
	t := e.cfg.GetSSWFrameTime()
	for i := n - 2; i >= 0; i-- {
		w.remaining[i] = w.gaps[i] + t + w.remaining[i+1]
	}
}

// planSweep builds the plan of the sweep phase this station transmits.
func (e *Engine) planSweep(kind dmg.SweepKind) (*sweep, error) {
	s := e.session
	if kind == dmg.RXSS {
		caps, err := e.peers.Capabilities(s.Peer)
		if err == nil && caps.RxSectors > 0 {
			return e.buildRXSS(s.Peer, caps), nil
		}
		e.logf("sls: cannot receive-sweep %s (%v), using TXSS", s.Peer, err)
	}
	return e.buildTXSS(s.Peer, s.peerAntennas)
}

func (e *Engine) startISS() {
	s := e.session
	s.Phase = PhaseISS
	s.FeedbackOnly = false
	s.hasReported = false
	w, err := e.planSweep(s.ISSKind)
	if err != nil {
		e.fail(err.Error())
		return
	}
	s.ISSKind = w.kind
	s.sweep = w
	e.sendSweepFrame(0)
}

// startRSS runs the responder sweep once the initiator's sweep is over.
func (e *Engine) startRSS() {
	s := e.session
	s.timer = nil
	e.stopReceiveSweep(s)
	s.Phase = PhaseRSS
	s.watchdog.Cancel()
	w, err := e.planSweep(e.cfg.GetRSSSweep())
	if err != nil {
		e.fail(err.Error())
		return
	}
	s.RSSKind = w.kind
	s.sweep = w
	e.sendSweepFrame(0)
}

func (e *Engine) sendSweepFrame(i int) {
	s := e.session
	s.timer = nil
	w := s.sweep
	frameTime := e.cfg.GetSSWFrameTime()
	if !e.canTransmit(frameTime) {
		e.suspend()
		return
	}
	cfg := w.configs[i]
	e.cb.SetActiveTxSector(cfg.Sector, cfg.Antenna)

	body := &frames.SSW{}
	body.SSW = frames.SSWField{
		Direction:  s.Role,
		CDOWN:      uint16(w.frames() - 1 - i),
		Sector:     cfg.Sector,
		Antenna:    cfg.Antenna,
		RXSSLength: uint8(w.rxssLength),
	}
	if s.Role == dmg.Initiator {
		body.Feedback = frames.SSWFeedbackField{
			ISS:          true,
			TotalSectors: uint16(w.frames()),
			RxAntennas:   uint8(e.cb.TotalAntennas()),
		}
	} else {
		body.Feedback = e.bestReport(s.Peer, s.ISSKind)
	}
	h := &frames.Header{Duration: e.durationField(w.remaining[i])}
	if _, err := e.transmit(s.Peer, h, body, frameTime); err != nil {
		e.fail(err.Error())
		return
	}
	s.Remaining = int(body.SSW.CDOWN)

	if i+1 < w.frames() {
		s.timer = e.sched.Schedule(frameTime+w.gaps[i], "sls/sweep-frame", func() { e.sendSweepFrame(i + 1) })
		return
	}
	s.timer = e.sched.Schedule(frameTime, "sls/sweep-end", e.sweepSent)
}

// sweepSent runs when the last frame of this station's sweep left the air.
func (e *Engine) sweepSent() {
	s := e.session
	s.timer = nil
	if s.Role == dmg.Initiator {
		s.Phase = PhaseRSS
		s.timer = e.sched.Schedule(e.cfg.RSSTimeout(), "sls/rss-timeout", e.onRSSTimeout)
		return
	}
	s.Phase = PhaseFeedback
	e.armWatchdog()
}

func (e *Engine) onRSSTimeout() {
	s := e.session
	if s == nil || s.Role != dmg.Initiator || s.Phase != PhaseRSS {
		return
	}
	s.timer = nil
	if !e.gate.IsAccessAllowed() {
		e.suspendSilent("no responder sweep")
		return
	}
	e.retry("no responder sweep")
}

// bestReport returns the non-ISS feedback field naming the best peer
// transmit configuration seen so far. After a receive sweep there is no
// transmit measurement and the active sector is reported with a zero SNR.
func (e *Engine) bestReport(peerAddr dmg.Address, peerKind dmg.SweepKind) frames.SSWFeedbackField {
	f := frames.SSWFeedbackField{
		Sector:  e.cb.ActiveTxSector(),
		Antenna: e.cb.ActiveTxAntenna(),
	}
	if peerKind != dmg.TXSS {
		return f
	}
	if cfg, v, ok := e.table.BestConfiguration(peerAddr, true); ok {
		f.Sector = cfg.Sector
		f.Antenna = cfg.Antenna
		f.SetSNR(v)
	}
	return f
}

// observeSweep records one received sweep frame. TXSS frames are keyed by
// the peer's transmit configuration. During a peer's RXSS this station
// steps through its own receive sectors, one per training frame, and keys
// the samples by the receive configuration used.
func (e *Engine) observeSweep(s *Session, snrDB float64, rx codebook.Radio, f frames.SSWField) {
	if f.RXSSLength == 0 {
		e.table.RecordTx(s.Peer, dmg.AntennaConfiguration{Antenna: f.Antenna, Sector: f.Sector}, snrDB)
		return
	}
	if int(f.CDOWN) == int(f.RXSSLength) {
		e.startReceiveSweep(s)
		return
	}
	if !s.rxSweeping {
		return
	}
	if !rx.QuasiOmni {
		e.table.RecordRx(s.Peer, rx.Config, snrDB)
	}
	if slot, ok := e.cb.NextSector(); ok {
		e.cb.SetReceiveDirectional(slot.Config.Sector, slot.Config.Antenna)
		return
	}
	e.stopReceiveSweep(s)
}

func (e *Engine) startReceiveSweep(s *Session) {
	if e.cb.StartSectorSweeping(s.Peer, dmg.RXSS, 1) == 0 {
		return
	}
	slot, _ := e.cb.NextSector()
	e.cb.SetReceiveDirectional(slot.Config.Sector, slot.Config.Antenna)
	s.rxSweeping = true
	s.sweptRx = true
}

func (e *Engine) stopReceiveSweep(s *Session) {
	if s.rxSweeping {
		e.cb.SetReceiveQuasiOmni()
		s.rxSweeping = false
	}
}
