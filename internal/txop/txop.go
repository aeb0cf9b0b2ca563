// Package txop arbitrates beamforming training: it queues peers, obtains
// transmission windows from the access gate and assigns the initiator or
// responder role to the single session a station may serve at a time.
package txop

import (
	"fmt"

	"github.com/banshee-data/beamlink/internal/access"
	"github.com/banshee-data/beamlink/internal/config"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/monitoring"
)

// State of the arbiter.
type State int

const (
	Idle State = iota
	AwaitingGrant
	Serving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AwaitingGrant:
		return "AwaitingGrant"
	case Serving:
		return "Serving"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Trainer runs the training sessions the arbiter admits.
type Trainer interface {
	// BeginTraining starts a brand-new session as initiator.
	BeginTraining(peer dmg.Address)
	// ResumeTraining continues a suspended session.
	ResumeTraining(peer dmg.Address)
	// ResumeNeedsAccess reports whether the suspended session must
	// transmit when it resumes and therefore needs a grant.
	ResumeNeedsAccess() bool
}

// PeerDirectory answers whether capabilities were exchanged with a peer.
type PeerDirectory interface {
	Capabilities(peer dmg.Address) (dmg.Capabilities, error)
}

// TxOp is the beamforming transmission-opportunity arbiter.
type TxOp struct {
	gate    access.Gate
	trainer Trainer
	peers   PeerDirectory

	cwMin, cwMax, cw int

	state     State
	role      dmg.Role
	serving   dmg.Address
	suspended bool
	queue     Queue

	// Logf receives diagnostics. Defaults to monitoring.Logf.
	Logf func(format string, v ...interface{})
}

// New returns an idle arbiter with the contention window at cfg's minimum.
func New(gate access.Gate, trainer Trainer, peers PeerDirectory, cfg *config.TimingConfig) *TxOp {
	return &TxOp{
		gate:    gate,
		trainer: trainer,
		peers:   peers,
		cwMin:   cfg.GetCWMin(),
		cwMax:   cfg.GetCWMax(),
		cw:      cfg.GetCWMin(),
		Logf:    func(format string, v ...interface{}) { monitoring.Logf(format, v...) },
	}
}

// SetTrainer replaces the trainer. Used to break the construction cycle
// between the arbiter and the engine it drives.
func (t *TxOp) SetTrainer(tr Trainer) { t.trainer = tr }

func (t *TxOp) State() State           { return t.state }
func (t *TxOp) Role() dmg.Role         { return t.role }
func (t *TxOp) Suspended() bool        { return t.suspended }
func (t *TxOp) ContentionWindow() int  { return t.cw }
func (t *TxOp) Pending() []dmg.Address { return t.queue.Items() }

// ServingPeer returns the peer of the current session.
func (t *TxOp) ServingPeer() (dmg.Address, bool) {
	return t.serving, t.state == Serving
}

func (t *TxOp) requestWindow() {
	t.state = AwaitingGrant
	t.gate.RequestAccess(t, false)
}

// RequestTraining queues peer. When idle and inside an access window the
// arbiter asks the gate for a grant.
func (t *TxOp) RequestTraining(peer dmg.Address) error {
	if _, err := t.peers.Capabilities(peer); err != nil {
		return fmt.Errorf("request training: %w", err)
	}
	if t.queue.Push(peer) {
		t.Logf("txop: queued %s (%d pending)", peer, t.queue.Len())
	}
	if t.state == Idle && t.gate.IsAccessAllowed() {
		t.requestWindow()
	}
	return nil
}

// OnAccessGranted implements access.Requester. A grant is re-checked
// against the gate because it may arrive after the window closed.
func (t *TxOp) OnAccessGranted() {
	if !t.gate.IsAccessAllowed() {
		if t.state == AwaitingGrant {
			t.Logf("txop: stale grant, waiting for next access period")
			t.state = Idle
		}
		return
	}
	switch t.state {
	case AwaitingGrant:
		peer, ok := t.queue.Peek()
		if !ok {
			t.state = Idle
			return
		}
		t.state = Serving
		t.role = dmg.Initiator
		t.serving = peer
		t.suspended = false
		t.trainer.BeginTraining(peer)
	case Serving:
		if t.suspended {
			t.suspended = false
			t.trainer.ResumeTraining(t.serving)
		}
	}
}

// OnInternalCollision implements access.Requester: the window doubles up
// to the configured maximum and access is requested again.
func (t *TxOp) OnInternalCollision() {
	t.cw = 2*t.cw + 1
	if t.cw > t.cwMax {
		t.cw = t.cwMax
	}
	t.Logf("txop: internal collision, cw=%d", t.cw)
	switch {
	case t.state == AwaitingGrant:
		t.gate.RequestAccess(t, false)
	case t.state == Serving && t.suspended:
		t.gate.RequestAccess(t, false)
	}
}

// AcceptResponder admits a session started by peer's sector sweep. The
// session runs inside the peer's transmission opportunity so no grant is
// awaited, but access must currently be allowed.
func (t *TxOp) AcceptResponder(peer dmg.Address) bool {
	if t.state == Serving {
		return t.role == dmg.Responder && t.serving == peer
	}
	if !t.gate.IsAccessAllowed() {
		return false
	}
	t.state = Serving
	t.role = dmg.Responder
	t.serving = peer
	t.suspended = false
	return true
}

// Suspend marks the serving session as interrupted by the end of the
// access window. With restart set the session is dropped and the next
// grant starts a new one.
func (t *TxOp) Suspend(restart bool) {
	if t.state != Serving {
		return
	}
	if restart {
		t.state = Idle
		t.suspended = false
		t.serving = dmg.Address{}
		return
	}
	t.suspended = true
}

// ResumeAccess is called at the start of every access period.
func (t *TxOp) ResumeAccess() {
	switch {
	case t.state == Serving && t.suspended:
		if t.trainer.ResumeNeedsAccess() {
			t.gate.RequestAccess(t, false)
			return
		}
		t.suspended = false
		t.trainer.ResumeTraining(t.serving)
	case t.state == Idle && t.queue.Len() > 0 && t.gate.IsAccessAllowed():
		t.requestWindow()
	}
}

// CompleteSession ends the serving session. An initiator session pops its
// peer from the queue. A successful responder session trained the link
// too, so a request of our own for that peer is dropped as well. Success
// resets the contention window.
func (t *TxOp) CompleteSession(success bool) {
	if t.state != Serving {
		return
	}
	if t.role == dmg.Initiator || success {
		if t.queue.Remove(t.serving) && t.role == dmg.Responder {
			t.Logf("txop: %s trained as responder, dropping queued request", t.serving)
		}
	}
	if success {
		t.cw = t.cwMin
	}
	t.state = Idle
	t.suspended = false
	t.serving = dmg.Address{}
	if t.queue.Len() > 0 && t.gate.IsAccessAllowed() {
		t.requestWindow()
	}
}

// Forget drops peer from the queue, as on disassociation.
func (t *TxOp) Forget(peer dmg.Address) {
	t.queue.Remove(peer)
}
