// Package events defines the typed outcomes the beamforming engines report
// and a bus that fans them out to registered listeners.
package events

import (
	"time"

	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/snr"
)

// SlsCompleted is emitted by both sides once the sector sweep committed a
// best configuration toward the peer.
type SlsCompleted struct {
	Station   dmg.Address
	Peer      dmg.Address
	Role      dmg.Role
	SessionID string
	At        time.Duration
	Retries   int

	BestTx    dmg.AntennaConfiguration
	BestTxSNR float64
	// BestRx is set only when this station swept its receive sectors.
	BestRx    *dmg.AntennaConfiguration
	BestRxSNR float64

	TxSamples []snr.Sample
	RxSamples []snr.Sample
}

// SlsFailed is emitted when the retry limit was reached. No further
// attempt is made for the peer.
type SlsFailed struct {
	Station   dmg.Address
	Peer      dmg.Address
	Role      dmg.Role
	SessionID string
	At        time.Duration
	Retries   int
	Reason    string
}

// BrpCompleted reports a finished refinement transaction.
type BrpCompleted struct {
	Station   dmg.Address
	Peer      dmg.Address
	Role      dmg.Role
	SessionID string
	At        time.Duration

	TxUnits int
	RxUnits int
	// BestTxAWV is the AWV index the peer reported for our transmit
	// refinement, -1 when no transmit training ran.
	BestTxAWV int
	// BestRxAWV is our best receive AWV index, -1 when no receive training ran.
	BestRxAWV int
	BestSNR   float64
}

// BrpFailed reports a refinement transaction that ran out of retries.
type BrpFailed struct {
	Station   dmg.Address
	Peer      dmg.Address
	SessionID string
	At        time.Duration
	Reason    string
}

// BeamLinkExpired is emitted when a maintained link's countdown reaches zero.
type BeamLinkExpired struct {
	Station dmg.Address
	Peer    dmg.Address
	At      time.Duration
	Master  bool
}

// SessionSuspended is emitted when the access window closed mid-phase.
type SessionSuspended struct {
	Station   dmg.Address
	Peer      dmg.Address
	Role      dmg.Role
	SessionID string
	Phase     string
	At        time.Duration
	// Discarded is true when the session will restart fresh rather than resume.
	Discarded bool
}

// Listener receives engine outcomes.
type Listener interface {
	OnSlsCompleted(SlsCompleted)
	OnSlsFailed(SlsFailed)
	OnBrpCompleted(BrpCompleted)
	OnBrpFailed(BrpFailed)
	OnBeamLinkExpired(BeamLinkExpired)
	OnSessionSuspended(SessionSuspended)
}

// ListenerFuncs adapts optional functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	SlsCompleted     func(SlsCompleted)
	SlsFailed        func(SlsFailed)
	BrpCompleted     func(BrpCompleted)
	BrpFailed        func(BrpFailed)
	BeamLinkExpired  func(BeamLinkExpired)
	SessionSuspended func(SessionSuspended)
}

func (f ListenerFuncs) OnSlsCompleted(e SlsCompleted) {
	if f.SlsCompleted != nil {
		f.SlsCompleted(e)
	}
}

func (f ListenerFuncs) OnSlsFailed(e SlsFailed) {
	if f.SlsFailed != nil {
		f.SlsFailed(e)
	}
}

func (f ListenerFuncs) OnBrpCompleted(e BrpCompleted) {
	if f.BrpCompleted != nil {
		f.BrpCompleted(e)
	}
}

func (f ListenerFuncs) OnBrpFailed(e BrpFailed) {
	if f.BrpFailed != nil {
		f.BrpFailed(e)
	}
}

func (f ListenerFuncs) OnBeamLinkExpired(e BeamLinkExpired) {
	if f.BeamLinkExpired != nil {
		f.BeamLinkExpired(e)
	}
}

func (f ListenerFuncs) OnSessionSuspended(e SessionSuspended) {
	if f.SessionSuspended != nil {
		f.SessionSuspended(e)
	}
}

// Bus delivers every event to each subscribed listener in subscription
// order. A Bus is itself a Listener so buses can be chained.
type Bus struct {
	listeners []Listener
}

// Subscribe registers l.
func (b *Bus) Subscribe(l Listener) {
	b.listeners = append(b.listeners, l)
}

func (b *Bus) OnSlsCompleted(e SlsCompleted) {
	for _, l := range b.listeners {
		l.OnSlsCompleted(e)
	}
}

func (b *Bus) OnSlsFailed(e SlsFailed) {
	for _, l := range b.listeners {
		l.OnSlsFailed(e)
	}
}

func (b *Bus) OnBrpCompleted(e BrpCompleted) {
	for _, l := range b.listeners {
		l.OnBrpCompleted(e)
	}
}

func (b *Bus) OnBrpFailed(e BrpFailed) {
	for _, l := range b.listeners {
		l.OnBrpFailed(e)
	}
}

func (b *Bus) OnBeamLinkExpired(e BeamLinkExpired) {
	for _, l := range b.listeners {
		l.OnBeamLinkExpired(e)
	}
}

func (b *Bus) OnSessionSuspended(e SessionSuspended) {
	for _, l := range b.listeners {
		l.OnSessionSuspended(e)
	}
}

// Recorder is a Listener that keeps every event it receives. Useful in tests.
type Recorder struct {
	Completed []SlsCompleted
	Failed    []SlsFailed
	Brp       []BrpCompleted
	BrpFails  []BrpFailed
	Expired   []BeamLinkExpired
	Suspended []SessionSuspended
}

func (r *Recorder) OnSlsCompleted(e SlsCompleted)       { r.Completed = append(r.Completed, e) }
func (r *Recorder) OnSlsFailed(e SlsFailed)             { r.Failed = append(r.Failed, e) }
func (r *Recorder) OnBrpCompleted(e BrpCompleted)       { r.Brp = append(r.Brp, e) }
func (r *Recorder) OnBrpFailed(e BrpFailed)             { r.BrpFails = append(r.BrpFails, e) }
func (r *Recorder) OnBeamLinkExpired(e BeamLinkExpired) { r.Expired = append(r.Expired, e) }
func (r *Recorder) OnSessionSuspended(e SessionSuspended) {
	r.Suspended = append(r.Suspended, e)
}
