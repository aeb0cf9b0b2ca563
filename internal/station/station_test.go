package station

import (
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beamlink/internal/access"
	"github.com/banshee-data/beamlink/internal/config"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/events"
	"github.com/banshee-data/beamlink/internal/frames"
	"github.com/banshee-data/beamlink/internal/medium"
	"github.com/banshee-data/beamlink/internal/monitoring"
	"github.com/banshee-data/beamlink/internal/timeutil"
	"github.com/banshee-data/beamlink/internal/txop"
)

var (
	staA = dmg.MustParseAddress("02:00:00:00:00:0a")
	staB = dmg.MustParseAddress("02:00:00:00:00:0b")

	// Four antennas of sixteen sectors against one antenna of eight.
	capsA = dmg.Capabilities{Antennas: 4, TxSectors: 64, RxSectors: 8}
	capsB = dmg.Capabilities{Antennas: 1, TxSectors: 8, RxSectors: 8}
)

func cfg(a, s int) dmg.AntennaConfiguration {
	return dmg.AntennaConfiguration{Antenna: dmg.AntennaID(a), Sector: dmg.SectorID(s)}
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

type sentFrame struct {
	from dmg.Address
	typ  frames.FrameType
}

type testNet struct {
	sched      *timeutil.Scheduler
	med        *medium.Medium
	a, b       *Station
	recA, recB *events.Recorder
	sent       []sentFrame
	drop       func(from dmg.Address, typ frames.FrameType) bool
}

func (n *testNet) count(from dmg.Address, typ frames.FrameType) int {
	c := 0
	for _, f := range n.sent {
		if f.from == from && f.typ == typ {
			c++
		}
	}
	return c
}

func testLinks() *medium.SNRTable {
	links := medium.NewSNRTable(-100)
	links.Set(staA, staB, medium.LinkGains{
		Tx: map[dmg.AntennaConfiguration]float64{cfg(3, 7): 20, cfg(2, 4): 15},
		Rx: map[dmg.AntennaConfiguration]float64{cfg(1, 6): 9, cfg(1, 3): 4},
	})
	links.Set(staB, staA, medium.LinkGains{
		Tx: map[dmg.AntennaConfiguration]float64{cfg(1, 5): 18, cfg(1, 2): 12},
		Rx: map[dmg.AntennaConfiguration]float64{cfg(2, 1): 7},
	})
	return links
}

func newNet(t *testing.T, cfgA, cfgB *config.TimingConfig, ac access.ScheduleConfig) *testNet {
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	if cfgA == nil {
		cfgA = config.DefaultTimingConfig()
	}
	if cfgB == nil {
		cfgB = config.DefaultTimingConfig()
	}
	n := &testNet{
		sched: timeutil.NewScheduler(),
		recA:  &events.Recorder{},
		recB:  &events.Recorder{},
	}
	n.med = medium.New(n.sched, testLinks(), cfgA.GetPropagationDelay())
	n.med.SetDropFilter(func(tx medium.Transmission) bool {
		typ := frames.FrameType(tx.Frame[0])
		n.sent = append(n.sent, sentFrame{from: tx.From, typ: typ})
		return n.drop != nil && n.drop(tx.From, typ)
	})

	var err error
	n.a, err = New(n.sched, n.med, Config{Address: staA, Capabilities: capsA, AWVsPerSector: 4, Timing: cfgA, Access: ac})
	require.NoError(t, err)
	n.b, err = New(n.sched, n.med, Config{Address: staB, Capabilities: capsB, AWVsPerSector: 4, Timing: cfgB, Access: ac})
	require.NoError(t, err)
	n.a.Events().Subscribe(n.recA)
	n.b.Events().Subscribe(n.recB)
	require.NoError(t, n.a.ExchangeCapabilities(staB, capsB))
	require.NoError(t, n.b.ExchangeCapabilities(staA, capsA))
	return n
}

// twoWindows opens a short window at the start of every 10ms period and a
// long one 5ms in.
func twoWindows() access.ScheduleConfig {
	return access.ScheduleConfig{
		Period: 10 * time.Millisecond,
		Windows: []access.Window{
			{Start: 0, Length: 1300 * time.Microsecond},
			{Start: 5 * time.Millisecond, Length: 3 * time.Millisecond},
		},
		Horizon: 20 * time.Millisecond,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	s := timeutil.NewScheduler()
	m := medium.New(s, testLinks(), 0)

	_, err := New(s, m, Config{Address: staA, Capabilities: dmg.Capabilities{}, AWVsPerSector: 4})
	assert.Error(t, err)

	bad := config.DefaultTimingConfig()
	bad.ISSSweep = ptrString("sideways")
	_, err = New(s, m, Config{Address: staA, Capabilities: capsA, AWVsPerSector: 4, Timing: bad})
	assert.Error(t, err)

	_, err = New(s, m, Config{
		Address:       staA,
		Capabilities:  capsA,
		AWVsPerSector: 4,
		Access:        access.ScheduleConfig{Period: time.Millisecond},
	})
	assert.True(t, errors.Is(err, access.ErrInvalidSchedule), "got %v", err)
}

func TestTrainTXSS(t *testing.T) {
	n := newNet(t, nil, nil, access.ScheduleConfig{})

	d, err := n.a.ISSDuration(staB)
	require.NoError(t, err)
	assert.Equal(t, 1069*time.Microsecond, d)

	require.NoError(t, n.a.Train(staB))
	n.sched.Run()

	require.Len(t, n.recA.Completed, 1)
	require.Len(t, n.recB.Completed, 1)
	assert.Empty(t, n.recA.Failed)
	assert.Equal(t, 0, n.sched.Pending())

	best, ok := n.a.BestConfiguration(staB)
	require.True(t, ok)
	assert.Equal(t, cfg(3, 7), best)
	best, ok = n.b.BestConfiguration(staA)
	require.True(t, ok)
	assert.Equal(t, cfg(1, 5), best)

	assert.Equal(t, 64, n.count(staA, frames.TypeSSW))
	assert.Equal(t, 32, n.count(staB, frames.TypeSSW))

	// Both arbiters released the channel.
	assert.Equal(t, txop.Idle, n.a.TxOp().State())
	assert.Equal(t, txop.Idle, n.b.TxOp().State())
	assert.Empty(t, n.a.TxOp().Pending())
	_, busy := n.a.Session()
	assert.False(t, busy)
}

func TestSweepKindCombinations(t *testing.T) {
	tests := []struct {
		name     string
		iss, rss string
	}{
		{"TXSS-TXSS", "TXSS", "TXSS"},
		{"RXSS-TXSS", "RXSS", "TXSS"},
		{"TXSS-RXSS", "TXSS", "RXSS"},
		{"RXSS-RXSS", "RXSS", "RXSS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgA := config.DefaultTimingConfig()
			cfgA.ISSSweep = ptrString(tt.iss)
			cfgB := config.DefaultTimingConfig()
			cfgB.RSSSweep = ptrString(tt.rss)
			n := newNet(t, cfgA, cfgB, access.ScheduleConfig{})

			require.NoError(t, n.a.Train(staB))
			n.sched.Run()

			require.Len(t, n.recA.Completed, 1)
			require.Len(t, n.recB.Completed, 1)

			pb, ok := n.b.Peers().Get(staA)
			require.True(t, ok)
			pa, ok := n.a.Peers().Get(staB)
			require.True(t, ok)

			// The receive sweep is learnt by the station that swept.
			assert.Equal(t, tt.iss == "RXSS", pb.HasBestRx)
			assert.Equal(t, tt.rss == "RXSS", pa.HasBestRx)
			// A transmit sweep is learnt by the station that transmitted it.
			assert.Equal(t, tt.iss == "TXSS", pa.HasBestTx)
			assert.Equal(t, tt.rss == "TXSS", pb.HasBestTx)
		})
	}
}

func TestRetryLimitReached(t *testing.T) {
	n := newNet(t, nil, nil, access.ScheduleConfig{})
	n.drop = func(from dmg.Address, _ frames.FrameType) bool { return from == staB }

	require.NoError(t, n.a.Train(staB))
	n.sched.Run()

	require.Len(t, n.recA.Failed, 1)
	assert.Equal(t, 8, n.recA.Failed[0].Retries)
	assert.Empty(t, n.recA.Completed)
	assert.Equal(t, 8*64, n.count(staA, frames.TypeSSW))

	// The peer is not retried and nothing is left scheduled.
	assert.Equal(t, txop.Idle, n.a.TxOp().State())
	assert.Empty(t, n.a.TxOp().Pending())
	assert.Equal(t, txop.Idle, n.b.TxOp().State())
	assert.Equal(t, 0, n.sched.Pending())
}

func TestMutualRequestTrainsOnce(t *testing.T) {
	n := newNet(t, nil, nil, access.ScheduleConfig{})
	require.NoError(t, n.a.Train(staB))
	n.sched.RunUntil(500 * time.Microsecond)

	// The responder asks for the same link while serving it.
	require.Equal(t, dmg.Responder, n.b.TxOp().Role())
	require.NoError(t, n.b.Train(staA))
	assert.Equal(t, []dmg.Address{staA}, n.b.TxOp().Pending())

	n.sched.Run()

	require.Len(t, n.recA.Completed, 1)
	require.Len(t, n.recB.Completed, 1)
	assert.Equal(t, 64, n.count(staA, frames.TypeSSW))
	assert.Equal(t, 32, n.count(staB, frames.TypeSSW))
	assert.Empty(t, n.b.TxOp().Pending())
	assert.Equal(t, txop.Idle, n.b.TxOp().State())
	assert.Equal(t, 0, n.sched.Pending())
}

func TestSuspendMidRSSResumesNextWindow(t *testing.T) {
	n := newNet(t, nil, nil, twoWindows())
	require.NoError(t, n.a.Train(staB))

	// The initiator sweep fits in the first window, the responder's does not.
	n.sched.RunUntil(4900 * time.Microsecond)

	require.Len(t, n.recB.Suspended, 1)
	assert.Equal(t, "RSS", n.recB.Suspended[0].Phase)
	assert.False(t, n.recB.Suspended[0].Discarded)
	require.Len(t, n.recA.Suspended, 1)
	assert.Equal(t, "RSS", n.recA.Suspended[0].Phase)
	assert.Empty(t, n.recA.Completed)

	sa, ok := n.a.Session()
	require.True(t, ok)
	assert.True(t, sa.Suspended)
	assert.True(t, n.a.TxOp().Suspended())
	sb, ok := n.b.Session()
	require.True(t, ok)
	assert.True(t, sb.Suspended)

	before := n.a.Table().Samples(staB, true)
	require.NotEmpty(t, before)

	n.sched.RunUntil(20 * time.Millisecond)

	require.Len(t, n.recA.Completed, 1)
	require.Len(t, n.recB.Completed, 1)
	ev := n.recA.Completed[0]
	assert.Equal(t, sa.ID, ev.SessionID)
	assert.Equal(t, 0, ev.Retries)
	assert.True(t, ev.At >= 5*time.Millisecond && ev.At < 8*time.Millisecond, "completed at %v", ev.At)

	// Samples from the first window were kept through the suspension.
	require.Len(t, ev.TxSamples, 8)
	for _, s := range before {
		var found bool
		for _, got := range ev.TxSamples {
			if got.Config == s.Config {
				found = true
			}
		}
		assert.True(t, found, "sample %v lost", s.Config)
	}

	// The initiator never swept again.
	assert.Equal(t, 64, n.count(staA, frames.TypeSSW))
	best, ok := n.a.BestConfiguration(staB)
	require.True(t, ok)
	assert.Equal(t, cfg(3, 7), best)
}

func TestSuspendMidISSRestartsSweep(t *testing.T) {
	ac := twoWindows()
	ac.Windows[0].Length = 800 * time.Microsecond
	n := newNet(t, nil, nil, ac)
	require.NoError(t, n.a.Train(staB))

	// The initiator sweep does not fit in the first window.
	n.sched.RunUntil(4900 * time.Microsecond)

	require.Len(t, n.recA.Suspended, 1)
	assert.Equal(t, "ISS", n.recA.Suspended[0].Phase)
	assert.False(t, n.recA.Suspended[0].Discarded)
	sa, ok := n.a.Session()
	require.True(t, ok)
	assert.True(t, sa.Suspended)
	assert.Equal(t, "ISS", sa.Phase.String())
	assert.True(t, n.a.TxOp().Suspended())
	first := n.count(staA, frames.TypeSSW)
	assert.True(t, first > 0 && first < 64, "sent %d sweep frames", first)
	assert.Empty(t, n.recA.Completed)

	n.sched.RunUntil(20 * time.Millisecond)

	require.Len(t, n.recA.Completed, 1)
	require.Len(t, n.recB.Completed, 1)
	ev := n.recA.Completed[0]
	assert.Equal(t, sa.ID, ev.SessionID)
	assert.Equal(t, 0, ev.Retries)
	assert.True(t, ev.At >= 5*time.Millisecond && ev.At < 8*time.Millisecond, "completed at %v", ev.At)

	// The resumed sweep starts over from the first sector.
	assert.Equal(t, first+64, n.count(staA, frames.TypeSSW))
	best, ok := n.a.BestConfiguration(staB)
	require.True(t, ok)
	assert.Equal(t, cfg(3, 7), best)
}

// shortWindow opens one 1300us window at the start of every 10ms period.
// The responder timeout of 2ms always runs past it.
func shortWindow() access.ScheduleConfig {
	return access.ScheduleConfig{
		Period:  10 * time.Millisecond,
		Windows: []access.Window{{Start: 0, Length: 1300 * time.Microsecond}},
		Horizon: 200 * time.Millisecond,
	}
}

func TestSilentResponderEndsSuspendedSession(t *testing.T) {
	n := newNet(t, nil, nil, shortWindow())
	n.drop = func(from dmg.Address, _ frames.FrameType) bool {
		return from == staB && n.sched.Now() > 2*time.Millisecond
	}
	require.NoError(t, n.a.Train(staB))
	n.sched.RunUntil(300 * time.Millisecond)

	require.Len(t, n.recA.Failed, 1)
	assert.Contains(t, n.recA.Failed[0].Reason, "access periods")
	assert.True(t, n.recA.Failed[0].At < 100*time.Millisecond, "failed at %v", n.recA.Failed[0].At)
	assert.GreaterOrEqual(t, len(n.recA.Suspended), 8)
	assert.Empty(t, n.recA.Completed)

	_, busy := n.a.Session()
	assert.False(t, busy)
	assert.Equal(t, txop.Idle, n.a.TxOp().State())
	assert.Empty(t, n.a.TxOp().Pending())

	// The responder heard nothing after its own resumed sweep either.
	_, busy = n.b.Session()
	assert.False(t, busy)
	assert.Equal(t, txop.Idle, n.b.TxOp().State())
	assert.Empty(t, n.recB.Completed)
	assert.Empty(t, n.recB.Failed)
}

func TestSilentInitiatorEndsSuspendedSession(t *testing.T) {
	n := newNet(t, nil, nil, shortWindow())
	n.drop = func(from dmg.Address, _ frames.FrameType) bool {
		return from == staA && n.sched.Now() > 2*time.Millisecond
	}
	require.NoError(t, n.a.Train(staB))
	n.sched.RunUntil(300 * time.Millisecond)

	// The responder waits out RetryLimit periods and abandons.
	_, busy := n.b.Session()
	assert.False(t, busy)
	assert.Equal(t, txop.Idle, n.b.TxOp().State())
	assert.GreaterOrEqual(t, len(n.recB.Suspended), 8)
	assert.Empty(t, n.recB.Completed)
	assert.Empty(t, n.recB.Failed)

	require.Len(t, n.recA.Failed, 1)
	assert.Empty(t, n.recA.Completed)
	_, busy = n.a.Session()
	assert.False(t, busy)
	assert.Equal(t, txop.Idle, n.a.TxOp().State())
}

func TestRestartOnNewAccessPeriod(t *testing.T) {
	cfgA := config.DefaultTimingConfig()
	cfgA.RestartOnNewAccessPeriod = ptrBool(true)
	cfgB := config.DefaultTimingConfig()
	cfgB.RestartOnNewAccessPeriod = ptrBool(true)
	n := newNet(t, cfgA, cfgB, twoWindows())
	require.NoError(t, n.a.Train(staB))

	n.sched.RunUntil(4900 * time.Microsecond)
	require.Len(t, n.recA.Suspended, 1)
	assert.True(t, n.recA.Suspended[0].Discarded)
	require.Len(t, n.recB.Suspended, 1)
	assert.True(t, n.recB.Suspended[0].Discarded)
	_, ok := n.a.Session()
	assert.False(t, ok)
	assert.Equal(t, []dmg.Address{staB}, n.a.TxOp().Pending())

	n.sched.RunUntil(20 * time.Millisecond)
	require.Len(t, n.recA.Completed, 1)
	assert.NotEqual(t, n.recA.Suspended[0].SessionID, n.recA.Completed[0].SessionID)
	// The second window ran a complete fresh session.
	assert.Equal(t, 128, n.count(staA, frames.TypeSSW))
}

func TestBeamRefinementAfterSweep(t *testing.T) {
	brpCfg := func() *config.TimingConfig {
		c := config.DefaultTimingConfig()
		c.BRPEnabled = ptrBool(true)
		c.BRPTxTraining = ptrBool(true)
		c.BRPInSLSFeedback = ptrBool(true)
		return c
	}
	n := newNet(t, brpCfg(), brpCfg(), access.ScheduleConfig{})

	require.NoError(t, n.a.Train(staB))
	n.sched.Run()

	require.Len(t, n.recA.Completed, 1)
	require.Len(t, n.recA.Brp, 1)
	assert.Empty(t, n.recA.BrpFails)
	ev := n.recA.Brp[0]
	assert.Equal(t, dmg.Initiator, ev.Role)
	assert.Equal(t, n.recA.Completed[0].SessionID, ev.SessionID)
	assert.Equal(t, 4, ev.TxUnits)

	// Setup was negotiated in the sweep, so one request and one response.
	assert.Equal(t, 1, n.count(staA, frames.TypeBRP))
	assert.Equal(t, 1, n.count(staB, frames.TypeBRP))

	p, ok := n.a.Peers().Get(staB)
	require.True(t, ok)
	assert.GreaterOrEqual(t, p.BestAWV, 0)
	assert.Equal(t, txop.Idle, n.a.TxOp().State())
	assert.Equal(t, 0, n.sched.Pending())
}

func TestBeamLinkExpiry(t *testing.T) {
	cfgA := config.DefaultTimingConfig()
	cfgA.BLMValue = ptrInt(10)
	n := newNet(t, cfgA, nil, access.ScheduleConfig{})

	require.NoError(t, n.a.Train(staB))
	n.sched.Run()
	require.Len(t, n.recA.Completed, 1)

	// 10 x 32us negotiated.
	n.a.ConsumeServicePeriod(staB, 200*time.Microsecond)
	assert.Empty(t, n.recA.Expired)
	n.a.ConsumeServicePeriod(staB, 200*time.Microsecond)
	require.Len(t, n.recA.Expired, 1)
	assert.True(t, n.recA.Expired[0].Master)
	pa, _ := n.a.Peers().Get(staB)
	assert.Nil(t, pa.Link)

	// The non-master side only notes the expiry.
	n.b.ConsumeServicePeriod(staA, time.Millisecond)
	require.Len(t, n.recB.Expired, 1)
	assert.False(t, n.recB.Expired[0].Master)
	assert.Equal(t, txop.Idle, n.b.TxOp().State())

	// The master retrains.
	assert.Equal(t, []dmg.Address{staB}, n.a.TxOp().Pending())
	n.sched.Run()
	require.Len(t, n.recA.Completed, 2)
	pa, _ = n.a.Peers().Get(staB)
	require.NotNil(t, pa.Link)
	assert.Equal(t, 320*time.Microsecond, pa.Link.Remaining)

	// Expiry without a maintained link is a no-op.
	n.a.ConsumeServicePeriod(dmg.MustParseAddress("02:00:00:00:00:99"), time.Second)
	assert.Len(t, n.recA.Expired, 1)
}

func TestDisassociate(t *testing.T) {
	n := newNet(t, nil, nil, access.ScheduleConfig{})
	require.NoError(t, n.a.Train(staB))
	n.sched.Run()
	require.True(t, n.a.Table().Has(staB))

	n.a.Disassociate(staB)
	_, ok := n.a.Peers().Get(staB)
	assert.False(t, ok)
	assert.False(t, n.a.Table().Has(staB))

	err := n.a.Train(staB)
	assert.True(t, errors.Is(err, dmg.ErrCapabilitiesUnknown), "got %v", err)
}

func TestDisassociateMidSession(t *testing.T) {
	n := newNet(t, nil, nil, access.ScheduleConfig{})
	require.NoError(t, n.a.Train(staB))
	n.sched.RunUntil(500 * time.Microsecond)
	_, ok := n.a.Session()
	require.True(t, ok)

	n.a.Disassociate(staB)
	_, ok = n.a.Session()
	assert.False(t, ok)
	assert.Equal(t, txop.Idle, n.a.TxOp().State())

	n.sched.Run()
	assert.Empty(t, n.recA.Completed)
	assert.Empty(t, n.recA.Failed)
}

func TestReceiveIgnoresGarbage(t *testing.T) {
	n := newNet(t, nil, nil, access.ScheduleConfig{})
	assert.NotPanics(t, func() {
		n.a.Receive(medium.Reception{From: staB, Frame: []byte{0xff, 0x01}})
	})
	_, ok := n.a.Session()
	assert.False(t, ok)
}
