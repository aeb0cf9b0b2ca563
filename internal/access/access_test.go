package access

import (
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beamlink/internal/monitoring"
	"github.com/banshee-data/beamlink/internal/timeutil"
)

type fakeRequester struct {
	cw         int
	grants     []time.Duration
	collisions []time.Duration
	sched      *timeutil.Scheduler
}

func (f *fakeRequester) OnAccessGranted()      { f.grants = append(f.grants, f.sched.Now()) }
func (f *fakeRequester) OnInternalCollision()  { f.collisions = append(f.collisions, f.sched.Now()) }
func (f *fakeRequester) ContentionWindow() int { return f.cw }

func newSchedule(t *testing.T, s *timeutil.Scheduler, cfg ScheduleConfig) *Schedule {
	t.Helper()
	g, err := NewSchedule("test", s, cfg)
	require.NoError(t, err)
	return g
}

func TestSchedule_WindowsAndRemainingTime(t *testing.T) {
	s := timeutil.NewScheduler()
	g := newSchedule(t, s, ScheduleConfig{
		Period:  100 * time.Microsecond,
		Windows: []Window{{Start: 10 * time.Microsecond, Length: 30 * time.Microsecond}},
	})

	assert.False(t, g.IsAccessAllowed())
	assert.Equal(t, time.Duration(0), g.RemainingTime())

	s.RunUntil(15 * time.Microsecond)
	assert.True(t, g.IsAccessAllowed())
	assert.Equal(t, 25*time.Microsecond, g.RemainingTime())

	s.RunUntil(40 * time.Microsecond)
	assert.False(t, g.IsAccessAllowed(), "window end is exclusive")

	s.RunUntil(112 * time.Microsecond)
	assert.Equal(t, 28*time.Microsecond, g.RemainingTime())
}

func TestSchedule_PeriodStartNotifications(t *testing.T) {
	s := timeutil.NewScheduler()
	g := newSchedule(t, s, ScheduleConfig{
		Period:  100 * time.Microsecond,
		Windows: []Window{{Start: 0, Length: 20 * time.Microsecond}, {Start: 50 * time.Microsecond, Length: 10 * time.Microsecond}},
		Horizon: 250 * time.Microsecond,
	})
	var starts []time.Duration
	g.OnPeriodStart(func() { starts = append(starts, s.Now()) })
	g.Start()
	s.Run()

	want := []time.Duration{0, 50, 100, 150, 200, 250}
	for i := range want {
		want[i] *= time.Microsecond
	}
	assert.Equal(t, want, starts)
	assert.Equal(t, 0, s.Pending(), "horizon bounds the notifications")
}

func TestSchedule_StopCancelsNotifications(t *testing.T) {
	s := timeutil.NewScheduler()
	g := newSchedule(t, s, ScheduleConfig{
		Period:  100 * time.Microsecond,
		Windows: []Window{{Start: 0, Length: 20 * time.Microsecond}},
	})
	count := 0
	g.OnPeriodStart(func() {
		count++
		if count == 3 {
			g.Stop()
		}
	})
	g.Start()
	s.Run()
	assert.Equal(t, 3, count)
}

func TestSchedule_GrantAfterBackoff(t *testing.T) {
	s := timeutil.NewScheduler()
	g := newSchedule(t, s, ScheduleConfig{SlotTime: 5 * time.Microsecond, Seed: 1})
	r := &fakeRequester{cw: 0, sched: s}

	g.RequestAccess(r, false)
	s.Run()
	require.Len(t, r.grants, 1)
	assert.Equal(t, time.Duration(0), r.grants[0], "cw 0 means no backoff")

	r.cw = 15
	for i := 0; i < 20; i++ {
		start := s.Now()
		g.RequestAccess(r, false)
		s.Run()
		d := r.grants[len(r.grants)-1] - start
		assert.LessOrEqual(t, d, 15*5*time.Microsecond)
		assert.Zero(t, d%(5*time.Microsecond))
	}
}

func TestSchedule_RequestOutsideWindowWaitsForNextWindow(t *testing.T) {
	s := timeutil.NewScheduler()
	g := newSchedule(t, s, ScheduleConfig{
		Period:   100 * time.Microsecond,
		Windows:  []Window{{Start: 60 * time.Microsecond, Length: 30 * time.Microsecond}},
		SlotTime: time.Microsecond,
	})
	r := &fakeRequester{sched: s}
	g.RequestAccess(r, true)
	s.Run()
	require.Len(t, r.grants, 1)
	assert.Equal(t, 60*time.Microsecond, r.grants[0])
}

func TestSchedule_ImmediateInsideWindow(t *testing.T) {
	s := timeutil.NewScheduler()
	g := newSchedule(t, s, ScheduleConfig{SlotTime: time.Microsecond})
	r := &fakeRequester{cw: 1023, sched: s}
	g.RequestAccess(r, true)
	s.Run()
	assert.Equal(t, []time.Duration{0}, r.grants)
}

func TestSchedule_InternalCollision(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	s := timeutil.NewScheduler()
	g := newSchedule(t, s, ScheduleConfig{SlotTime: time.Microsecond})
	a := &fakeRequester{sched: s}
	b := &fakeRequester{sched: s}

	g.RequestAccess(a, false)
	g.RequestAccess(b, false)
	s.Run()

	assert.Len(t, a.grants, 1)
	assert.Empty(t, b.grants)
	assert.Len(t, b.collisions, 1)
}

func TestSchedule_ReplacesPendingRequest(t *testing.T) {
	s := timeutil.NewScheduler()
	g := newSchedule(t, s, ScheduleConfig{SlotTime: time.Microsecond})
	r := &fakeRequester{sched: s}
	g.RequestAccess(r, false)
	g.RequestAccess(r, false)
	s.Run()
	assert.Len(t, r.grants, 1)
}

func TestNewSchedule_Validation(t *testing.T) {
	s := timeutil.NewScheduler()
	bad := []ScheduleConfig{
		{Period: -1},
		{Period: 100 * time.Microsecond},
		{Period: 100 * time.Microsecond, Windows: []Window{{Start: 90 * time.Microsecond, Length: 20 * time.Microsecond}}},
		{Period: 100 * time.Microsecond, Windows: []Window{{Start: 0, Length: 0}}},
		{Period: 100 * time.Microsecond, Windows: []Window{{Start: 0, Length: 50 * time.Microsecond}, {Start: 40 * time.Microsecond, Length: 10 * time.Microsecond}}},
	}
	for i, cfg := range bad {
		_, err := NewSchedule("bad", s, cfg)
		assert.ErrorIs(t, err, ErrInvalidSchedule, "config %d", i)
	}
}

func TestAlways(t *testing.T) {
	s := timeutil.NewScheduler()
	g := Always{Sched: s}
	r := &fakeRequester{sched: s}
	assert.True(t, g.IsAccessAllowed())
	assert.Greater(t, g.RemainingTime(), time.Hour)
	g.RequestAccess(r, false)
	s.Run()
	assert.Len(t, r.grants, 1)
}
