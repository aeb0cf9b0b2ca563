package txop

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beamlink/internal/access"
	"github.com/banshee-data/beamlink/internal/config"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/peer"
	"github.com/banshee-data/beamlink/internal/timeutil"
)

var (
	staB = dmg.MustParseAddress("02:00:00:00:00:0b")
	staC = dmg.MustParseAddress("02:00:00:00:00:0c")
	staD = dmg.MustParseAddress("02:00:00:00:00:0d")
)

type fakeGate struct {
	closed   bool
	requests int
}

func (g *fakeGate) RequestAccess(access.Requester, bool) { g.requests++ }
func (g *fakeGate) IsAccessAllowed() bool                { return !g.closed }
func (g *fakeGate) RemainingTime() time.Duration {
	if g.closed {
		return 0
	}
	return time.Duration(math.MaxInt64)
}

type fakeTrainer struct {
	begun       []dmg.Address
	resumed     []dmg.Address
	needsAccess bool
}

func (f *fakeTrainer) BeginTraining(p dmg.Address)  { f.begun = append(f.begun, p) }
func (f *fakeTrainer) ResumeTraining(p dmg.Address) { f.resumed = append(f.resumed, p) }
func (f *fakeTrainer) ResumeNeedsAccess() bool      { return f.needsAccess }

func newTxOp(t *testing.T, gate access.Gate) (*TxOp, *fakeTrainer) {
	t.Helper()
	peers := peer.NewRegistry()
	caps := dmg.Capabilities{Antennas: 1, TxSectors: 8}
	require.NoError(t, peers.SetCapabilities(staB, caps))
	require.NoError(t, peers.SetCapabilities(staC, caps))
	tr := &fakeTrainer{}
	tx := New(gate, tr, peers, config.DefaultTimingConfig())
	tx.Logf = t.Logf
	return tx, tr
}

func TestQueue(t *testing.T) {
	var q Queue
	assert.True(t, q.Push(staB))
	assert.True(t, q.Push(staC))
	assert.False(t, q.Push(staB))
	assert.Equal(t, []dmg.Address{staB, staC}, q.Items())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, staB, head)
	assert.True(t, q.Remove(staB))
	assert.True(t, q.Push(staB))
	assert.Equal(t, []dmg.Address{staC, staB}, q.Items())

	assert.True(t, q.Remove(staB))
	assert.False(t, q.Remove(staD))
	assert.Equal(t, 1, q.Len())
	q.Remove(staC)
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestRequestTrainingUnknownCapabilities(t *testing.T) {
	tx, _ := newTxOp(t, &fakeGate{})
	err := tx.RequestTraining(staD)
	assert.True(t, errors.Is(err, dmg.ErrCapabilitiesUnknown), "got %v", err)
	assert.Empty(t, tx.Pending())
	assert.Equal(t, Idle, tx.State())
}

func TestGrantStartsInitiatorSession(t *testing.T) {
	s := timeutil.NewScheduler()
	tx, tr := newTxOp(t, access.Always{Sched: s})

	require.NoError(t, tx.RequestTraining(staB))
	require.NoError(t, tx.RequestTraining(staC))
	require.NoError(t, tx.RequestTraining(staB))
	assert.Equal(t, AwaitingGrant, tx.State())
	assert.Equal(t, []dmg.Address{staB, staC}, tx.Pending())

	s.Run()
	assert.Equal(t, Serving, tx.State())
	assert.Equal(t, dmg.Initiator, tx.Role())
	peerAddr, ok := tx.ServingPeer()
	require.True(t, ok)
	assert.Equal(t, staB, peerAddr)
	assert.Equal(t, []dmg.Address{staB}, tr.begun)

	tx.CompleteSession(true)
	assert.Equal(t, AwaitingGrant, tx.State())
	assert.Equal(t, []dmg.Address{staC}, tx.Pending())
	s.Run()
	assert.Equal(t, []dmg.Address{staB, staC}, tr.begun)

	tx.CompleteSession(false)
	assert.Equal(t, Idle, tx.State())
	assert.Empty(t, tx.Pending())
	_, ok = tx.ServingPeer()
	assert.False(t, ok)
}

func TestStaleGrantReturnsToIdle(t *testing.T) {
	g := &fakeGate{}
	tx, tr := newTxOp(t, g)
	require.NoError(t, tx.RequestTraining(staB))
	assert.Equal(t, 1, g.requests)

	g.closed = true
	tx.OnAccessGranted()
	assert.Equal(t, Idle, tx.State())
	assert.Empty(t, tr.begun)
	assert.Equal(t, []dmg.Address{staB}, tx.Pending())

	// The next access period re-arms the queued request.
	g.closed = false
	tx.ResumeAccess()
	assert.Equal(t, AwaitingGrant, tx.State())
	assert.Equal(t, 2, g.requests)
}

func TestRequestOutsideWindowWaits(t *testing.T) {
	g := &fakeGate{closed: true}
	tx, _ := newTxOp(t, g)
	require.NoError(t, tx.RequestTraining(staB))
	assert.Equal(t, Idle, tx.State())
	assert.Equal(t, 0, g.requests)
}

func TestAcceptResponder(t *testing.T) {
	g := &fakeGate{}
	tx, tr := newTxOp(t, g)

	assert.True(t, tx.AcceptResponder(staB))
	assert.Equal(t, Serving, tx.State())
	assert.Equal(t, dmg.Responder, tx.Role())
	assert.True(t, tx.AcceptResponder(staB))
	assert.False(t, tx.AcceptResponder(staC))

	// A grant arriving while responding does not start a session.
	tx.OnAccessGranted()
	assert.Empty(t, tr.begun)

	tx.CompleteSession(true)
	assert.Equal(t, Idle, tx.State())

	g.closed = true
	assert.False(t, tx.AcceptResponder(staC))
	assert.Equal(t, Idle, tx.State())
}

func TestResponderPreemptsPendingGrant(t *testing.T) {
	g := &fakeGate{}
	tx, tr := newTxOp(t, g)
	require.NoError(t, tx.RequestTraining(staC))
	assert.True(t, tx.AcceptResponder(staB))

	tx.CompleteSession(true)
	// The queued peer is still waiting and access is asked for again.
	assert.Equal(t, AwaitingGrant, tx.State())
	assert.Equal(t, []dmg.Address{staC}, tx.Pending())
	assert.Equal(t, 2, g.requests)
	tx.OnAccessGranted()
	assert.Equal(t, []dmg.Address{staC}, tr.begun)
}

func TestResponderSessionSettlesQueuedPeer(t *testing.T) {
	g := &fakeGate{}
	tx, tr := newTxOp(t, g)
	require.NoError(t, tx.RequestTraining(staB))
	require.NoError(t, tx.RequestTraining(staC))
	assert.True(t, tx.AcceptResponder(staB))

	// A failed responder session leaves our own request in place.
	tx.CompleteSession(false)
	assert.Equal(t, []dmg.Address{staB, staC}, tx.Pending())

	tx.OnAccessGranted()
	tx.CompleteSession(false)
	assert.True(t, tx.AcceptResponder(staC))

	// A successful one trained the link and settles it.
	tx.CompleteSession(true)
	assert.Empty(t, tx.Pending())
	assert.Equal(t, Idle, tx.State())
	assert.Equal(t, []dmg.Address{staB}, tr.begun)
}

func TestSuspendAndResume(t *testing.T) {
	g := &fakeGate{}
	tx, tr := newTxOp(t, g)
	require.NoError(t, tx.RequestTraining(staB))
	tx.OnAccessGranted()

	tx.Suspend(false)
	assert.True(t, tx.Suspended())
	assert.Equal(t, Serving, tx.State())

	// The session must send first: wait for a grant.
	tr.needsAccess = true
	tx.ResumeAccess()
	assert.Equal(t, 2, g.requests)
	assert.Empty(t, tr.resumed)
	tx.OnAccessGranted()
	assert.Equal(t, []dmg.Address{staB}, tr.resumed)
	assert.False(t, tx.Suspended())

	// The session only listens: resume straight away.
	tx.Suspend(false)
	tr.needsAccess = false
	tx.ResumeAccess()
	assert.Equal(t, []dmg.Address{staB, staB}, tr.resumed)
	assert.Equal(t, 2, g.requests)
	assert.Equal(t, []dmg.Address{staB}, tr.begun)
}

func TestSuspendWithRestart(t *testing.T) {
	g := &fakeGate{}
	tx, tr := newTxOp(t, g)
	require.NoError(t, tx.RequestTraining(staB))
	tx.OnAccessGranted()

	tx.Suspend(true)
	assert.Equal(t, Idle, tx.State())
	assert.Equal(t, []dmg.Address{staB}, tx.Pending())

	tx.ResumeAccess()
	tx.OnAccessGranted()
	assert.Equal(t, []dmg.Address{staB, staB}, tr.begun)
	assert.Empty(t, tr.resumed)
}

func TestContentionWindow(t *testing.T) {
	g := &fakeGate{}
	tx, _ := newTxOp(t, g)
	require.NoError(t, tx.RequestTraining(staB))
	assert.Equal(t, 15, tx.ContentionWindow())

	want := []int{31, 63, 127, 255, 511, 1023, 1023}
	for i, w := range want {
		tx.OnInternalCollision()
		assert.Equal(t, w, tx.ContentionWindow(), "collision %d", i+1)
	}
	assert.Equal(t, 1+len(want), g.requests)

	tx.OnAccessGranted()
	tx.CompleteSession(false)
	assert.Equal(t, 1023, tx.ContentionWindow())

	require.NoError(t, tx.RequestTraining(staB))
	tx.OnAccessGranted()
	tx.CompleteSession(true)
	assert.Equal(t, 15, tx.ContentionWindow())
}

func TestScheduleGrantsInsideWindow(t *testing.T) {
	s := timeutil.NewScheduler()
	g, err := access.NewSchedule("test", s, access.ScheduleConfig{
		Period:   time.Millisecond,
		Windows:  []access.Window{{Start: 200 * time.Microsecond, Length: 300 * time.Microsecond}},
		SlotTime: 5 * time.Microsecond,
		Seed:     1,
	})
	require.NoError(t, err)
	tx, tr := newTxOp(t, g)
	g.OnPeriodStart(tx.ResumeAccess)
	g.Start()

	// Outside the window the request waits for the period start.
	require.NoError(t, tx.RequestTraining(staB))
	assert.Equal(t, Idle, tx.State())

	s.RunUntil(199 * time.Microsecond)
	assert.Empty(t, tr.begun)

	// The backoff is at most cw_min slots after the window opens.
	s.RunUntil(275 * time.Microsecond)
	assert.Equal(t, []dmg.Address{staB}, tr.begun)
	assert.Equal(t, Serving, tx.State())
	g.Stop()
}
