package sls

import (
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/events"
	"github.com/banshee-data/beamlink/internal/frames"
	"github.com/banshee-data/beamlink/internal/medium"
	"github.com/banshee-data/beamlink/internal/peer"
)

// blmProposal is the link maintenance value this station offers in
// SSW-FBCK. A zero value leaves the link unmaintained.
func (e *Engine) blmProposal() frames.BLMField {
	v := e.cfg.GetBLMValue()
	if v <= 0 {
		return frames.BLMField{}
	}
	return frames.BLMField{Unit2000us: !e.cfg.GetBLMUnit32us(), Value: uint8(v), IsMaster: true}
}

func (e *Engine) brpRequest() frames.BRPRequestField {
	req := frames.BRPRequestField{
		TXSector:  e.cb.ActiveTxSector(),
		TXAntenna: e.cb.ActiveTxAntenna(),
	}
	if e.cfg.GetBRPEnabled() && e.cfg.GetBRPInSLSFeedback() {
		req.LRX = uint8(e.cfg.GetBRPLRX())
		req.TXTrainRequest = e.cfg.GetBRPTxTraining()
	}
	return req
}

// useReported selects the configuration the peer reported best for us as
// the transmit sector for the remaining frames.
func (e *Engine) useReported(s *Session) {
	if s.hasReported {
		c := s.reported.Config()
		e.cb.SetActiveTxSector(c.Sector, c.Antenna)
		return
	}
	if p, ok := e.peers.Get(s.Peer); ok && p.HasBestTx {
		e.cb.SetActiveTxSector(p.BestTx.Sector, p.BestTx.Antenna)
	}
}

// sendFeedback transmits SSW-FBCK as initiator and waits for SSW-ACK.
func (e *Engine) sendFeedback() {
	s := e.session
	s.timer = nil
	e.stopReceiveSweep(s)
	s.Phase = PhaseFeedback
	s.FeedbackOnly = true

	airtime := e.cfg.GetSSWFbckFrameTime()
	if !e.canTransmit(airtime) {
		e.suspend()
		return
	}
	e.useReported(s)
	body := &frames.SSWFeedback{}
	body.Feedback.Feedback = e.bestReport(s.Peer, s.RSSKind)
	body.BRPRequest = e.brpRequest()
	body.BLM = e.blmProposal()
	h := &frames.Header{Duration: e.durationField(e.cfg.GetMBIFS() + e.cfg.GetSSWAckFrameTime())}
	if _, err := e.transmit(s.Peer, h, body, airtime); err != nil {
		e.fail(err.Error())
		return
	}
	s.timer = e.sched.Schedule(airtime+e.cfg.AckTimeout(), "sls/ack-timeout", e.onAckTimeout)
}

func (e *Engine) onAckTimeout() {
	s := e.session
	if s == nil || s.Role != dmg.Initiator || s.Phase != PhaseFeedback {
		return
	}
	s.timer = nil
	if !e.gate.IsAccessAllowed() {
		e.suspendSilent("no SSW-ACK")
		return
	}
	e.retry("no SSW-ACK")
}

// onFeedback handles SSW-FBCK as responder.
func (e *Engine) onFeedback(r medium.Reception, f *frames.Frame) {
	from := f.From()
	s := e.session
	if s == nil || s.Peer != from || s.Role != dmg.Responder {
		if s == nil {
			e.reacknowledge(from)
		}
		return
	}
	if s.Phase != PhaseFeedback && s.Phase != PhaseAck {
		return
	}
	s.cancelTimers()
	s.heard()
	s.Phase = PhaseAck
	fb := f.Feedback.Feedback
	s.feedback = &fb
	s.timer = e.sched.Schedule(e.cfg.GetMBIFS(), "sls/ack", e.sendAck)
}

// reacknowledge answers a duplicate SSW-FBCK after the session completed:
// our SSW-ACK was lost and the initiator is retrying.
func (e *Engine) reacknowledge(from dmg.Address) {
	p, ok := e.peers.Get(from)
	if !ok || p.AckMemo == nil {
		return
	}
	memo := append([]byte(nil), p.AckMemo...)
	airtime := e.cfg.GetSSWAckFrameTime()
	e.sched.Schedule(e.cfg.GetMBIFS(), "sls/re-ack", func() {
		if !e.canTransmit(airtime) {
			return
		}
		e.logf("sls: re-acknowledging duplicate SSW-FBCK from %s", from)
		e.tx.Transmit(medium.Transmission{
			From:    e.self,
			To:      from,
			Frame:   memo,
			Airtime: airtime,
			Radio:   e.cb.TransmitRadio(),
		})
	})
}

// sendAck transmits SSW-ACK as responder and completes the session.
func (e *Engine) sendAck() {
	s := e.session
	s.timer = nil
	airtime := e.cfg.GetSSWAckFrameTime()
	if !e.canTransmit(airtime) {
		e.suspend()
		return
	}
	fb := s.feedback
	p := e.peers.GetOrCreate(s.Peer)

	// BestTx is what the initiator measured for our sweep.
	if s.RSSKind == dmg.TXSS {
		p.BestTx = fb.Feedback.Config()
		p.BestTxSNR = fb.Feedback.SNR()
		p.HasBestTx = true
	}
	e.commitRx(s, p)
	if p.HasBestTx {
		e.cb.SetActiveTxSector(p.BestTx.Sector, p.BestTx.Antenna)
	}

	body := &frames.SSWAck{}
	body.Feedback.Feedback = e.bestReport(s.Peer, s.ISSKind)
	body.BRPRequest = fb.BRPRequest
	body.BRPRequest.TXSector = e.cb.ActiveTxSector()
	body.BRPRequest.TXAntenna = e.cb.ActiveTxAntenna()
	if fb.BLM.Value > 0 {
		body.BLM = frames.BLMField{Unit2000us: fb.BLM.Unit2000us, Value: fb.BLM.Value, IsMaster: !fb.BLM.IsMaster}
		p.Link = &peer.LinkMaintenance{Timeout: fb.BLM.Timeout(), Master: !fb.BLM.IsMaster}
		p.Link.Restart()
	}
	if fb.BRPRequest.Requested() {
		p.BRPSetupAsResponder = true
	}
	data, err := e.transmit(s.Peer, &frames.Header{}, body, airtime)
	if err != nil {
		e.fail(err.Error())
		return
	}
	p.AckMemo = data
	e.complete(s, p)
	e.session = nil
	e.arb.CompleteSession(true)
}

// onAck handles SSW-ACK as initiator.
func (e *Engine) onAck(r medium.Reception, f *frames.Frame) {
	s := e.session
	if s == nil || s.Peer != f.From() || s.Role != dmg.Initiator || s.Phase != PhaseFeedback {
		return
	}
	s.cancelTimers()
	ack := f.Ack.Feedback
	p := e.peers.GetOrCreate(s.Peer)
	if s.ISSKind == dmg.TXSS {
		p.BestTx = ack.Feedback.Config()
		p.BestTxSNR = ack.Feedback.SNR()
		p.HasBestTx = true
		e.cb.SetActiveTxSector(p.BestTx.Sector, p.BestTx.Antenna)
	}
	e.commitRx(s, p)
	if ack.BLM.Value > 0 {
		p.Link = &peer.LinkMaintenance{Timeout: ack.BLM.Timeout(), Master: !ack.BLM.IsMaster}
		p.Link.Restart()
	} else {
		p.Link = nil
	}
	if ack.BRPRequest.Requested() {
		p.BRPSetupAsInitiator = true
	}
	e.complete(s, p)
	e.session = nil
	if e.refiner != nil && e.refiner.StartRefinement(s.Peer, s.ID, s.Retries) {
		return
	}
	e.arb.CompleteSession(true)
}

// commitRx stores the best receive configuration when this station swept
// its receive sectors in the session.
func (e *Engine) commitRx(s *Session, p *peer.Station) {
	if !s.sweptRx {
		return
	}
	if cfg, v, ok := e.table.BestConfiguration(s.Peer, false); ok {
		p.BestRx = cfg
		p.BestRxSNR = v
		p.HasBestRx = true
	}
}

func (e *Engine) complete(s *Session, p *peer.Station) {
	ev := events.SlsCompleted{
		Station:   e.self,
		Peer:      s.Peer,
		Role:      s.Role,
		SessionID: s.ID,
		At:        e.sched.Now(),
		Retries:   s.Retries,
		BestTx:    p.BestTx,
		BestTxSNR: p.BestTxSNR,
		TxSamples: e.table.Samples(s.Peer, true),
		RxSamples: e.table.Samples(s.Peer, false),
	}
	if s.sweptRx && p.HasBestRx {
		rx := p.BestRx
		ev.BestRx = &rx
		ev.BestRxSNR = p.BestRxSNR
	}
	e.logf("sls: session %s with %s completed as %s, best tx %s", s.ID, s.Peer, s.Role, p.BestTx)
	e.events.OnSlsCompleted(ev)
}
