// Package brp runs Beam Refinement Protocol transactions after a sector
// sweep: an optional setup exchange, then transmit and receive AWV
// training inside the selected sector.
package brp

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/beamlink/internal/access"
	"github.com/banshee-data/beamlink/internal/codebook"
	"github.com/banshee-data/beamlink/internal/config"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/events"
	"github.com/banshee-data/beamlink/internal/frames"
	"github.com/banshee-data/beamlink/internal/medium"
	"github.com/banshee-data/beamlink/internal/peer"
	"github.com/banshee-data/beamlink/internal/timeutil"
)

// Arbiter is told when the refinement releases the session.
type Arbiter interface {
	CompleteSession(success bool)
}

// Transmitter puts frames on the air.
type Transmitter interface {
	Transmit(tx medium.Transmission)
}

type stage int

const (
	stageSetup stage = iota
	stageTraining
)

type transaction struct {
	peer      dmg.Address
	sessionID string
	retries   int
	stage     stage
	token     uint8
	// unitAWVs maps each transmitted TRN-T unit to its AWV.
	unitAWVs []int
	timer    *timeutil.Task
}

// Options are the collaborators of an Engine.
type Options struct {
	Address   dmg.Address
	Scheduler *timeutil.Scheduler
	Codebook  codebook.Codebook
	Gate      access.Gate
	Medium    Transmitter
	Peers     *peer.Registry
	Events    events.Listener
	Config    *config.TimingConfig
	Logf      func(format string, v ...interface{})
}

// Engine drives refinement as initiator and answers it as responder.
type Engine struct {
	self   dmg.Address
	sched  *timeutil.Scheduler
	cb     codebook.Codebook
	gate   access.Gate
	tx     Transmitter
	peers  *peer.Registry
	events events.Listener
	cfg    *config.TimingConfig
	arb    Arbiter
	logf   func(format string, v ...interface{})

	txn   *transaction
	token uint8
	// reported is the last dialog token answered per peer, so a repeated
	// request is answered again without a second BrpCompleted.
	reported map[dmg.Address]uint8
}

func New(o Options) *Engine {
	logf := o.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Engine{
		self:   o.Address,
		sched:  o.Scheduler,
		cb:     o.Codebook,
		gate:   o.Gate,
		tx:     o.Medium,
		peers:  o.Peers,
		events: o.Events,
		cfg:    o.Config,
		logf:   logf,

		reported: make(map[dmg.Address]uint8),
	}
}

func (e *Engine) SetArbiter(a Arbiter) { e.arb = a }

// Active returns the peer of the running initiator transaction.
func (e *Engine) Active() (dmg.Address, bool) {
	if e.txn == nil {
		return dmg.Address{}, false
	}
	return e.txn.peer, true
}

// StartRefinement begins a transaction with peerAddr inside the session
// the sector sweep just completed. It returns false when refinement is
// disabled. retries carries the session's retry counter.
func (e *Engine) StartRefinement(peerAddr dmg.Address, sessionID string, retries int) bool {
	if !e.cfg.GetBRPEnabled() {
		return false
	}
	e.token++
	e.txn = &transaction{peer: peerAddr, sessionID: sessionID, retries: retries, token: e.token}
	if e.peers.GetOrCreate(peerAddr).BRPSetupAsInitiator {
		e.logf("brp: setup with %s negotiated during the sweep", peerAddr)
		e.sendTrainingRequest()
		return true
	}
	e.sendSetup()
	return true
}

// Abort drops a transaction with peerAddr, as on disassociation.
func (e *Engine) Abort(peerAddr dmg.Address) {
	t := e.txn
	if t == nil || t.peer != peerAddr {
		return
	}
	t.timer.Cancel()
	e.txn = nil
	e.arb.CompleteSession(false)
}

func (e *Engine) responseTimeout(units int) time.Duration {
	return e.cfg.GetBRPIFS() + e.cfg.GetBRPFrameTime() + time.Duration(units)*e.cfg.GetTRNUnitTime() +
		2*e.cfg.GetPropagationDelay() + e.cfg.GetMBIFS()
}

func (e *Engine) baseRequest() frames.BRPRequestField {
	return frames.BRPRequestField{TXSector: e.cb.ActiveTxSector(), TXAntenna: e.cb.ActiveTxAntenna()}
}

func (e *Engine) sendSetup() {
	t := e.txn
	t.stage = stageSetup
	body := &frames.BRP{
		DialogToken:       t.token,
		Request:           e.baseRequest(),
		IsInitiator:       true,
		CapabilityRequest: true,
	}
	e.send(body, medium.Training{}, e.cfg.GetBRPFrameTime(), 0)
}

func (e *Engine) sendTrainingRequest() {
	t := e.txn
	t.timer = nil
	t.stage = stageTraining

	units := 0
	if e.cfg.GetBRPTxTraining() {
		units = e.cfg.GetBRPTxUnits()
	}
	if units > frames.MaxTrainingUnits {
		units = frames.MaxTrainingUnits
	}
	active := dmg.AntennaConfiguration{Antenna: e.cb.ActiveTxAntenna(), Sector: e.cb.ActiveTxSector()}
	prev := e.cb.ActiveAWV()
	var training medium.Training
	t.unitAWVs = t.unitAWVs[:0]
	e.cb.StartAWVSweep(units)
	for {
		awv, ok := e.cb.NextAWV()
		if !ok {
			break
		}
		training.TxUnits = append(training.TxUnits, codebook.Radio{Config: active, AWV: awv})
		t.unitAWVs = append(t.unitAWVs, awv)
	}
	e.cb.SetActiveAWV(prev)

	lrx := e.cfg.GetBRPLRX()
	req := e.baseRequest()
	req.LRX = uint8(lrx)
	req.TXTrainRequest = len(training.TxUnits) > 0
	body := &frames.BRP{
		DialogToken:    t.token,
		Request:        req,
		IsInitiator:    true,
		TrainingLength: uint8(len(training.TxUnits)),
	}
	airtime := e.cfg.GetBRPFrameTime() + time.Duration(len(training.TxUnits))*e.cfg.GetTRNUnitTime()
	e.send(body, training, airtime, lrx)
}

// send transmits an initiator frame and arms the response timeout. The
// reply carries replyUnits TRN units.
func (e *Engine) send(body *frames.BRP, training medium.Training, airtime time.Duration, replyUnits int) {
	t := e.txn
	if !e.gate.IsAccessAllowed() || e.gate.RemainingTime() < airtime {
		e.fail("access window closed")
		return
	}
	data, err := frames.Serialize(&frames.Header{RA: t.peer, TA: e.self}, body)
	if err != nil {
		e.fail(err.Error())
		return
	}
	e.tx.Transmit(medium.Transmission{
		From:     e.self,
		To:       t.peer,
		Frame:    data,
		Airtime:  airtime,
		Radio:    e.cb.TransmitRadio(),
		Training: training,
	})
	t.timer = e.sched.Schedule(airtime+e.responseTimeout(replyUnits), "brp/response-timeout", e.onTimeout)
}

func (e *Engine) onTimeout() {
	t := e.txn
	if t == nil {
		return
	}
	t.timer = nil
	t.retries++
	if t.retries >= e.cfg.GetRetryLimit() {
		e.fail(fmt.Sprintf("no BRP response: retry limit %d reached", e.cfg.GetRetryLimit()))
		return
	}
	e.logf("brp: no response from %s, retry %d", t.peer, t.retries)
	if t.stage == stageSetup {
		e.sendSetup()
		return
	}
	e.sendTrainingRequest()
}

// fail reports the refinement as failed. The sector sweep before it
// succeeded, so the arbiter still sees a successful session.
func (e *Engine) fail(reason string) {
	t := e.txn
	t.timer.Cancel()
	e.logf("brp: refinement with %s failed: %s", t.peer, reason)
	e.events.OnBrpFailed(events.BrpFailed{
		Station:   e.self,
		Peer:      t.peer,
		SessionID: t.sessionID,
		At:        e.sched.Now(),
		Reason:    reason,
	})
	e.txn = nil
	e.arb.CompleteSession(true)
}

// HandleFrame processes a decoded BRP frame addressed to this station.
func (e *Engine) HandleFrame(r medium.Reception, f *frames.Frame) {
	if f.BRP == nil || f.Header.RA != e.self {
		return
	}
	if f.BRP.IsInitiator {
		e.respond(r, f)
		return
	}
	e.onResponse(r, f)
}

// respond answers an initiator frame after BRPIFS.
func (e *Engine) respond(r medium.Reception, f *frames.Frame) {
	from := f.From()
	req := f.BRP
	p := e.peers.GetOrCreate(from)
	if p.HasBestTx {
		e.cb.SetActiveTxSector(p.BestTx.Sector, p.BestTx.Antenna)
	}

	resp := &frames.BRP{DialogToken: req.DialogToken, Request: e.baseRequest()}
	var training medium.Training
	airtime := e.cfg.GetBRPFrameTime()
	if req.CapabilityRequest {
		p.BRPSetupAsResponder = true
	} else {
		if req.Request.TXTrainRequest && len(r.UnitSNR) > 0 {
			resp.TxTrainResponse = true
			resp.FeedbackPresent = true
			resp.BestAWV = uint8(floats.MaxIdx(r.UnitSNR))
			resp.FeedbackAntenna = req.Request.TXAntenna
			resp.SetMeasurements(r.UnitSNR)
		}
		if n := int(req.Request.LRX); n > 0 {
			resp.RxTrainResponse = true
			resp.ReceiveTraining = true
			resp.TrainingLength = uint8(n)
			training.RxUnits = n
			airtime += time.Duration(n) * e.cfg.GetTRNUnitTime()
		}
	}
	if err := resp.Validate(); err != nil {
		e.logf("brp: cannot answer %s: %v", from, err)
		return
	}
	data, err := frames.Serialize(&frames.Header{RA: from, TA: e.self}, resp)
	if err != nil {
		e.logf("brp: cannot answer %s: %v", from, err)
		return
	}
	radio := e.cb.TransmitRadio()
	ev := events.BrpCompleted{
		Station:   e.self,
		Peer:      from,
		Role:      dmg.Responder,
		TxUnits:   len(r.UnitSNR),
		RxUnits:   training.RxUnits,
		BestTxAWV: -1,
		BestRxAWV: -1,
		BestSNR:   r.SNR,
	}
	if len(r.UnitSNR) > 0 {
		ev.BestSNR = floats.Max(r.UnitSNR)
	}
	e.sched.Schedule(e.cfg.GetBRPIFS(), "brp/respond", func() {
		if !e.gate.IsAccessAllowed() || e.gate.RemainingTime() < airtime {
			e.logf("brp: access window closed, not answering %s", from)
			return
		}
		e.tx.Transmit(medium.Transmission{
			From:     e.self,
			To:       from,
			Frame:    data,
			Airtime:  airtime,
			Radio:    radio,
			Training: training,
		})
		if req.CapabilityRequest {
			return
		}
		if last, ok := e.reported[from]; ok && last == req.DialogToken {
			return
		}
		e.reported[from] = req.DialogToken
		ev.At = e.sched.Now()
		e.events.OnBrpCompleted(ev)
	})
}

// onResponse handles the responder's answer as initiator.
func (e *Engine) onResponse(r medium.Reception, f *frames.Frame) {
	t := e.txn
	b := f.BRP
	if t == nil || t.peer != f.From() || b.DialogToken != t.token {
		return
	}
	t.timer.Cancel()
	t.timer = nil
	p := e.peers.GetOrCreate(t.peer)

	if t.stage == stageSetup {
		p.BRPSetupAsInitiator = true
		t.timer = e.sched.Schedule(e.cfg.GetBRPIFS(), "brp/training", e.sendTrainingRequest)
		return
	}

	ev := events.BrpCompleted{
		Station:   e.self,
		Peer:      t.peer,
		Role:      dmg.Initiator,
		SessionID: t.sessionID,
		At:        e.sched.Now(),
		TxUnits:   len(t.unitAWVs),
		BestTxAWV: -1,
		BestRxAWV: -1,
		BestSNR:   r.SNR,
	}
	if b.FeedbackPresent && int(b.BestAWV) < len(t.unitAWVs) {
		awv := t.unitAWVs[b.BestAWV]
		p.BestAWV = awv
		e.cb.SetActiveAWV(awv)
		ev.BestTxAWV = awv
		if m := b.MeasurementsDB(); int(b.BestAWV) < len(m) {
			ev.BestSNR = m[b.BestAWV]
		}
	}
	if b.ReceiveTraining && len(r.UnitRadios) > 0 {
		rx := r.UnitSNR[len(r.UnitSNR)-len(r.UnitRadios):]
		i := floats.MaxIdx(rx)
		p.BestRxAWV = r.UnitRadios[i].AWV
		ev.RxUnits = len(r.UnitRadios)
		ev.BestRxAWV = p.BestRxAWV
		if rx[i] > ev.BestSNR {
			ev.BestSNR = rx[i]
		}
	}
	e.logf("brp: refinement with %s done, tx awv %d, rx awv %d", t.peer, ev.BestTxAWV, ev.BestRxAWV)
	e.txn = nil
	e.events.OnBrpCompleted(ev)
	e.arb.CompleteSession(true)
}

// RxTrainingRadios returns the receive radios used for n TRN-R units:
// the best receive sector toward the peer being refined, or its best
// transmit sector when no receive sweep ran, stepping through the AWVs.
func (e *Engine) RxTrainingRadios(n int) []codebook.Radio {
	base := e.cb.ReceiveConfiguration()
	if t := e.txn; t != nil {
		if p, ok := e.peers.Get(t.peer); ok {
			switch {
			case p.HasBestRx:
				base.Config = p.BestRx
				base.QuasiOmni = false
			case p.HasBestTx:
				base.Config = p.BestTx
				base.QuasiOmni = false
			}
		}
	}
	count := e.cb.AWVCount()
	out := make([]codebook.Radio, n)
	for i := range out {
		out[i] = base
		out[i].AWV = codebook.NoAWV
		if count > 0 {
			out[i].AWV = i % count
		}
	}
	return out
}
