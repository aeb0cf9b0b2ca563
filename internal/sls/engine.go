// Package sls runs the Sector-Level Sweep: initiator sector sweep,
// responder sector sweep, SSW-FBCK and SSW-ACK, with the timeouts, retries
// and access-window suspension around them.
package sls

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/uuid"

	"github.com/banshee-data/beamlink/internal/access"
	"github.com/banshee-data/beamlink/internal/codebook"
	"github.com/banshee-data/beamlink/internal/config"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/events"
	"github.com/banshee-data/beamlink/internal/frames"
	"github.com/banshee-data/beamlink/internal/medium"
	"github.com/banshee-data/beamlink/internal/peer"
	"github.com/banshee-data/beamlink/internal/snr"
	"github.com/banshee-data/beamlink/internal/timeutil"
)

// Phase of a training session.
type Phase int

const (
	PhaseISS Phase = iota
	PhaseRSS
	PhaseFeedback
	PhaseAck
)

func (p Phase) String() string {
	switch p {
	case PhaseISS:
		return "ISS"
	case PhaseRSS:
		return "RSS"
	case PhaseFeedback:
		return "Feedback"
	case PhaseAck:
		return "Ack"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Arbiter is the admission control the engine reports to.
type Arbiter interface {
	AcceptResponder(peer dmg.Address) bool
	Suspend(restart bool)
	CompleteSession(success bool)
}

// Refiner continues a completed sector sweep with beam refinement. It
// returns true if it took over the session, in which case it completes the
// session with the arbiter itself.
type Refiner interface {
	StartRefinement(peer dmg.Address, sessionID string, retries int) bool
}

// Transmitter puts frames on the air.
type Transmitter interface {
	Transmit(tx medium.Transmission)
}

// Session is the state of the one training session a station serves.
type Session struct {
	ID      string
	Peer    dmg.Address
	Role    dmg.Role
	Phase   Phase
	Started time.Duration

	// ISSKind and RSSKind are learnt from the frames as they arrive.
	ISSKind dmg.SweepKind
	RSSKind dmg.SweepKind

	// Remaining is the CDOWN of the last sweep frame sent or received.
	Remaining int
	Retries   int
	// FeedbackOnly is set once the RSS is over, so a retry resends
	// SSW-FBCK rather than the sweep.
	FeedbackOnly bool
	Suspended    bool
	// SilentPeriods counts the consecutive suspensions since a frame was
	// last heard from the peer.
	SilentPeriods int

	peerAntennas int
	sweep        *sweep
	rxSweeping   bool
	sweptRx      bool
	// reported is the configuration the peer measured best for us.
	reported    frames.SSWFeedbackField
	hasReported bool
	feedback    *frames.Feedback

	timer    *timeutil.Task
	watchdog *timeutil.Task
}

func (s *Session) cancelTimers() {
	s.timer.Cancel()
	s.watchdog.Cancel()
	s.timer = nil
	s.watchdog = nil
}

// needsAccess reports whether the station transmits in the session's
// current phase.
func (s *Session) needsAccess() bool {
	if s.Role == dmg.Initiator {
		return s.Phase == PhaseISS || s.Phase == PhaseFeedback
	}
	return s.Phase == PhaseRSS || s.Phase == PhaseAck
}

// Options are the collaborators of an Engine.
type Options struct {
	Address   dmg.Address
	Scheduler *timeutil.Scheduler
	Codebook  codebook.Codebook
	Gate      access.Gate
	Medium    Transmitter
	Peers     *peer.Registry
	Table     *snr.Table
	Events    events.Listener
	Config    *config.TimingConfig
	Logf      func(format string, v ...interface{})
}

// Engine is the sector sweep state machine of one station.
type Engine struct {
	self    dmg.Address
	sched   *timeutil.Scheduler
	cb      codebook.Codebook
	gate    access.Gate
	tx      Transmitter
	peers   *peer.Registry
	table   *snr.Table
	events  events.Listener
	cfg     *config.TimingConfig
	arb     Arbiter
	refiner Refiner
	logf    func(format string, v ...interface{})

	session *Session
}

// New returns an engine. SetArbiter must be called before the first
// session starts.
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
		table:  o.Table,
		events: o.Events,
		cfg:    o.Config,
		logf:   logf,
	}
}

func (e *Engine) SetArbiter(a Arbiter) { e.arb = a }
func (e *Engine) SetRefiner(r Refiner) { e.refiner = r }

// Session returns a copy of the current session.
func (e *Engine) Session() (Session, bool) {
	if e.session == nil {
		return Session{}, false
	}
	return *e.session, true
}

// SweepDuration is the airtime of a sweep of frames SSW frames spread over
// switches antenna blocks, rounded up to a microsecond.
func (e *Engine) SweepDuration(frameCount, switches int) time.Duration {
	if frameCount <= 0 {
		return 0
	}
	if switches < 1 {
		switches = 1
	}
	d := time.Duration(switches-1)*e.cfg.GetLBIFS() +
		time.Duration(frameCount-switches)*e.cfg.GetSBIFS() +
		time.Duration(frameCount)*e.cfg.GetSSWFrameTime()
	return (d + time.Microsecond - 1) / time.Microsecond * time.Microsecond
}

// ISSDuration returns the duration of an initiator sector sweep of kind
// toward peer.
func (e *Engine) ISSDuration(peerAddr dmg.Address, kind dmg.SweepKind) (time.Duration, error) {
	caps, err := e.peers.Capabilities(peerAddr)
	if err != nil {
		return 0, err
	}
	if kind == dmg.RXSS {
		n := rxssLength(caps)
		return e.SweepDuration(1+n, blocks(dmg.SectorsPerAntenna(n, caps.Antennas))), nil
	}
	own := blocks(dmg.SectorsPerAntenna(e.cb.TotalTxSectors(), e.cb.TotalAntennas()))
	return e.SweepDuration(caps.Antennas*e.cb.TotalTxSectors(), caps.Antennas*own), nil
}

func blocks(per []int) int {
	n := 0
	for _, c := range per {
		if c > 0 {
			n++
		}
	}
	return n
}

// BeginTraining starts a new session as initiator toward peerAddr.
func (e *Engine) BeginTraining(peerAddr dmg.Address) {
	if e.session != nil {
		e.logf("sls: dropping %s session with %s for new session", e.session.Phase, e.session.Peer)
		e.session.cancelTimers()
		e.session = nil
	}
	caps, err := e.peers.Capabilities(peerAddr)
	if err != nil {
		e.logf("sls: cannot train %s: %v", peerAddr, err)
		e.events.OnSlsFailed(events.SlsFailed{
			Station: e.self, Peer: peerAddr, Role: dmg.Initiator, At: e.sched.Now(), Reason: err.Error(),
		})
		e.arb.CompleteSession(false)
		return
	}
	s := e.newSession(peerAddr, dmg.Initiator)
	s.peerAntennas = caps.Antennas
	s.ISSKind = e.cfg.GetISSSweep()
	if s.ISSKind == dmg.RXSS && caps.RxSectors == 0 {
		e.logf("sls: %s has no receive sectors, using TXSS", peerAddr)
		s.ISSKind = dmg.TXSS
	}
	e.logf("sls: session %s with %s starts, ISS %s", s.ID, peerAddr, s.ISSKind)
	e.startISS()
}

func (e *Engine) newSession(peerAddr dmg.Address, role dmg.Role) *Session {
	s := &Session{
		ID:      uuid.New().String(),
		Peer:    peerAddr,
		Role:    role,
		Phase:   PhaseISS,
		Started: e.sched.Now(),
	}
	e.table.Clear(peerAddr)
	e.peers.GetOrCreate(peerAddr).AckMemo = nil
	e.session = s
	return s
}

// ResumeNeedsAccess reports whether the suspended session transmits first
// when it resumes.
func (e *Engine) ResumeNeedsAccess() bool {
	return e.session != nil && e.session.Suspended && e.session.needsAccess()
}

// ResumeTraining restarts the interrupted phase of the suspended session
// with peerAddr. Samples gathered before the suspension are kept.
func (e *Engine) ResumeTraining(peerAddr dmg.Address) {
	s := e.session
	if s == nil || s.Peer != peerAddr || !s.Suspended {
		return
	}
	s.Suspended = false
	e.logf("sls: resuming %s %s with %s", s.Role, s.Phase, s.Peer)
	switch {
	case s.Role == dmg.Initiator && s.Phase == PhaseISS:
		e.startISS()
	case s.Role == dmg.Initiator && s.Phase == PhaseRSS:
		s.timer = e.sched.Schedule(e.cfg.GetResponderTimeout(), "sls/rss-timeout", e.onRSSTimeout)
	case s.Role == dmg.Initiator && s.Phase == PhaseFeedback:
		e.sendFeedback()
	case s.Role == dmg.Responder && s.Phase == PhaseRSS:
		e.startRSS()
	case s.Role == dmg.Responder && s.Phase == PhaseAck:
		e.sendAck()
	default:
		e.armWatchdog()
	}
}

// Abort drops the session with peerAddr without reporting an outcome.
func (e *Engine) Abort(peerAddr dmg.Address) {
	s := e.session
	if s == nil || s.Peer != peerAddr {
		return
	}
	s.cancelTimers()
	e.stopReceiveSweep(s)
	e.session = nil
	e.arb.CompleteSession(false)
}

func (e *Engine) canTransmit(airtime time.Duration) bool {
	return e.gate.IsAccessAllowed() && e.gate.RemainingTime() >= airtime
}

// suspend parks the session until the next access period.
func (e *Engine) suspend() {
	s := e.session
	s.cancelTimers()
	e.stopReceiveSweep(s)
	restart := e.cfg.GetRestartOnNewAccessPeriod()
	e.logf("sls: access window closed in %s %s with %s (restart=%v)", s.Role, s.Phase, s.Peer, restart)
	e.events.OnSessionSuspended(events.SessionSuspended{
		Station:   e.self,
		Peer:      s.Peer,
		Role:      s.Role,
		SessionID: s.ID,
		Phase:     s.Phase.String(),
		At:        e.sched.Now(),
		Discarded: restart,
	})
	if restart {
		e.session = nil
	} else {
		s.Suspended = true
	}
	e.arb.Suspend(restart)
}

// retry counts a timeout and restarts the phase, or fails the session
// once the retry limit is reached.
func (e *Engine) retry(what string) {
	s := e.session
	s.Retries++
	if s.Retries >= e.cfg.GetRetryLimit() {
		e.fail(fmt.Sprintf("%s: retry limit %d reached", what, e.cfg.GetRetryLimit()))
		return
	}
	e.logf("sls: %s with %s, retry %d", what, s.Peer, s.Retries)
	if s.FeedbackOnly {
		e.sendFeedback()
		return
	}
	e.startISS()
}

func (e *Engine) fail(reason string) {
	s := e.session
	s.cancelTimers()
	e.stopReceiveSweep(s)
	e.logf("sls: session %s with %s failed: %s", s.ID, s.Peer, reason)
	e.events.OnSlsFailed(events.SlsFailed{
		Station:   e.self,
		Peer:      s.Peer,
		Role:      s.Role,
		SessionID: s.ID,
		At:        e.sched.Now(),
		Retries:   s.Retries,
		Reason:    reason,
	})
	e.session = nil
	e.arb.CompleteSession(false)
}

func (e *Engine) armWatchdog() {
	s := e.session
	s.watchdog.Cancel()
	s.watchdog = e.sched.Schedule(e.cfg.GetResponderTimeout(), "sls/responder-watchdog", e.onWatchdog)
}

func (e *Engine) onWatchdog() {
	s := e.session
	if s == nil || s.Role != dmg.Responder {
		return
	}
	s.watchdog = nil
	if !e.gate.IsAccessAllowed() {
		e.suspendSilent("initiator silent")
		return
	}
	e.abandon(fmt.Sprintf("initiator went silent in %s", s.Phase))
}

// abandon drops a responder session without reporting an outcome.
func (e *Engine) abandon(reason string) {
	s := e.session
	e.logf("sls: abandoning session with %s: %s", s.Peer, reason)
	s.cancelTimers()
	e.stopReceiveSweep(s)
	e.session = nil
	e.arb.CompleteSession(false)
}

// suspendSilent suspends a session whose wait for the peer ran past the
// window. After RetryLimit such periods in a row the session ends: the
// initiator fails it, the responder abandons it.
func (e *Engine) suspendSilent(what string) {
	s := e.session
	s.SilentPeriods++
	if s.SilentPeriods < e.cfg.GetRetryLimit() {
		e.suspend()
		return
	}
	reason := fmt.Sprintf("%s for %d access periods", what, s.SilentPeriods)
	if s.Role == dmg.Initiator {
		e.fail(reason)
		return
	}
	e.abandon(reason)
}

// heard notes a frame from the session peer.
func (s *Session) heard() {
	s.Suspended = false
	s.SilentPeriods = 0
}

func (e *Engine) transmit(to dmg.Address, h *frames.Header, body gopacket.SerializableLayer, airtime time.Duration) ([]byte, error) {
	h.RA = to
	h.TA = e.self
	data, err := frames.Serialize(h, body)
	if err != nil {
		return nil, err
	}
	e.tx.Transmit(medium.Transmission{
		From:    e.self,
		To:      to,
		Frame:   data,
		Airtime: airtime,
		Radio:   e.cb.TransmitRadio(),
	})
	return data, nil
}

func (e *Engine) durationField(d time.Duration) uint16 {
	us, err := frames.DurationMicros(d)
	if err != nil {
		e.logf("sls: %v, clamping", err)
		return 0xffff
	}
	return us
}
