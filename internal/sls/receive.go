package sls

import (
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/frames"
	"github.com/banshee-data/beamlink/internal/medium"
)

// HandleFrame processes a decoded SSW, SSW-FBCK or SSW-ACK frame addressed
// to this station.
func (e *Engine) HandleFrame(r medium.Reception, f *frames.Frame) {
	if f.Header.RA != e.self {
		return
	}
	switch {
	case f.SSW != nil && f.SSW.SSW.Direction == dmg.Initiator:
		e.onInitiatorSweep(r, f)
	case f.SSW != nil:
		e.onResponderSweep(r, f)
	case f.Feedback != nil:
		e.onFeedback(r, f)
	case f.Ack != nil:
		e.onAck(r, f)
	}
}

// predict schedules fn for the instant a peer phase announced by a frame
// ends, superseding any earlier prediction.
func (e *Engine) predict(s *Session, r medium.Reception, h frames.Header, name string, fn func()) {
	s.timer.Cancel()
	at := r.End + h.DurationValue() + e.cfg.GetMBIFS()
	s.timer = e.sched.Schedule(at-e.sched.Now(), name, fn)
}

// onInitiatorSweep handles an ISS frame as responder.
func (e *Engine) onInitiatorSweep(r medium.Reception, f *frames.Frame) {
	from := f.From()
	s := e.session
	switch {
	case s == nil:
		if !e.arb.AcceptResponder(from) {
			return
		}
		s = e.newSession(from, dmg.Responder)
		e.logf("sls: responding to %s, session %s", from, s.ID)
	case s.Peer != from || s.Role != dmg.Responder:
		return
	case s.Phase == PhaseISS:
	default:
		// The initiator is sweeping again: our sweep never reached it.
		e.logf("sls: %s repeats its sweep while we are in %s", from, s.Phase)
		s.cancelTimers()
		s.Phase = PhaseISS
	}
	s.heard()
	s.peerAntennas = int(f.SSW.Feedback.RxAntennas)
	if f.SSW.SSW.RXSSLength > 0 {
		s.ISSKind = dmg.RXSS
	} else {
		s.ISSKind = dmg.TXSS
	}
	s.Remaining = int(f.SSW.SSW.CDOWN)
	e.observeSweep(s, r.SNR, r.Radio, f.SSW.SSW)
	e.armWatchdog()
	e.predict(s, r, f.Header, "sls/rss-start", e.startRSS)
}

// onResponderSweep handles an RSS frame as initiator.
func (e *Engine) onResponderSweep(r medium.Reception, f *frames.Frame) {
	s := e.session
	if s == nil || s.Peer != f.From() || s.Role != dmg.Initiator {
		return
	}
	if s.Phase != PhaseRSS && s.Phase != PhaseFeedback {
		return
	}
	if s.Phase == PhaseFeedback {
		// The responder resumed its sweep after a suspension.
		s.Phase = PhaseRSS
		s.FeedbackOnly = false
	}
	s.heard()
	if f.SSW.SSW.RXSSLength > 0 {
		s.RSSKind = dmg.RXSS
	} else {
		s.RSSKind = dmg.TXSS
	}
	s.Remaining = int(f.SSW.SSW.CDOWN)
	if s.ISSKind == dmg.TXSS {
		s.reported = f.SSW.Feedback
		s.hasReported = true
	}
	e.observeSweep(s, r.SNR, r.Radio, f.SSW.SSW)
	e.predict(s, r, f.Header, "sls/feedback-due", e.onFeedbackDue)
}

// onFeedbackDue runs when the responder sweep is expected to be over.
func (e *Engine) onFeedbackDue() {
	s := e.session
	s.timer = nil
	if !e.canTransmit(e.cfg.GetSSWFbckFrameTime()) {
		// A sweep cut short resumes as a sweep, a finished one as feedback.
		if s.Remaining == 0 {
			s.Phase = PhaseFeedback
			s.FeedbackOnly = true
		}
		e.suspend()
		return
	}
	e.sendFeedback()
}
