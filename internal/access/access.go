// Package access models the channel-access gate: which instants a station
// may transmit at, and the contention that precedes a grant.
package access

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/banshee-data/beamlink/internal/monitoring"
	"github.com/banshee-data/beamlink/internal/timeutil"
)

// Requester receives the outcome of a RequestAccess call.
type Requester interface {
	OnAccessGranted()
	OnInternalCollision()
	// ContentionWindow is the current window in slots used for backoff.
	ContentionWindow() int
}

// Gate grants transmission windows.
type Gate interface {
	// RequestAccess asks for a grant. With immediate set and access
	// currently allowed the grant is delivered without backoff.
	RequestAccess(r Requester, immediate bool)
	IsAccessAllowed() bool
	// RemainingTime is the time left in the current window, zero when
	// access is not allowed.
	RemainingTime() time.Duration
}

// Window is an allowed interval relative to the start of each period.
type Window struct {
	Start  time.Duration `json:"start"`
	Length time.Duration `json:"length"`
}

// ScheduleConfig describes a repeating access schedule.
type ScheduleConfig struct {
	// Period of the schedule, for example a beacon interval. Zero means
	// access is always allowed.
	Period  time.Duration
	Windows []Window
	// SlotTime is the backoff slot length.
	SlotTime time.Duration
	// Horizon stops the period-start notifications. Zero runs until Stop.
	Horizon time.Duration
	Seed    int64
}

// ErrInvalidSchedule reports a malformed ScheduleConfig.
var ErrInvalidSchedule = errors.New("invalid access schedule")

// Schedule is a Gate driven by the virtual clock.
type Schedule struct {
	sched   *timeutil.Scheduler
	cfg     ScheduleConfig
	rng     *rand.Rand
	pending map[Requester]*timeutil.Task
	order   []Requester
	starts  []func()
	tick    *timeutil.Task
	stopped bool
	name    string
}

// NewSchedule validates cfg and returns a gate. Call Start to begin
// period-start notifications.
func NewSchedule(name string, s *timeutil.Scheduler, cfg ScheduleConfig) (*Schedule, error) {
	if cfg.Period < 0 {
		return nil, fmt.Errorf("%w: negative period", ErrInvalidSchedule)
	}
	if cfg.Period > 0 && len(cfg.Windows) == 0 {
		return nil, fmt.Errorf("%w: periodic schedule without windows", ErrInvalidSchedule)
	}
	ws := append([]Window(nil), cfg.Windows...)
	sort.Slice(ws, func(i, j int) bool { return ws[i].Start < ws[j].Start })
	for i, w := range ws {
		if cfg.Period == 0 {
			break
		}
		if w.Start < 0 || w.Length <= 0 || w.Start+w.Length > cfg.Period {
			return nil, fmt.Errorf("%w: window %d [%v,+%v) outside period %v", ErrInvalidSchedule, i, w.Start, w.Length, cfg.Period)
		}
		if i > 0 && ws[i-1].Start+ws[i-1].Length > w.Start {
			return nil, fmt.Errorf("%w: windows %d and %d overlap", ErrInvalidSchedule, i-1, i)
		}
	}
	cfg.Windows = ws
	return &Schedule{
		sched:   s,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		pending: make(map[Requester]*timeutil.Task),
		name:    name,
	}, nil
}

// OnPeriodStart registers fn to run at the start of every allowed window.
func (g *Schedule) OnPeriodStart(fn func()) {
	g.starts = append(g.starts, fn)
}

// Start arms the first window-start notification.
func (g *Schedule) Start() {
	if g.cfg.Period == 0 {
		return
	}
	g.armNextStart()
}

// Stop cancels future window-start notifications and pending grants.
func (g *Schedule) Stop() {
	g.stopped = true
	g.tick.Cancel()
	for r, t := range g.pending {
		t.Cancel()
		delete(g.pending, r)
	}
	g.order = nil
}

func (g *Schedule) armNextStart() {
	next, ok := g.nextWindowStart(g.sched.Now(), g.tick == nil)
	if !ok || g.stopped {
		return
	}
	if g.cfg.Horizon > 0 && next > g.cfg.Horizon {
		return
	}
	g.tick = g.sched.Schedule(next-g.sched.Now(), g.name+"/window-start", func() {
		for _, fn := range g.starts {
			fn()
		}
		g.armNextStart()
	})
}

// nextWindowStart returns the first window start after now. With inclusive
// set a window starting exactly at now is returned.
func (g *Schedule) nextWindowStart(now time.Duration, inclusive bool) (time.Duration, bool) {
	if g.cfg.Period == 0 {
		return 0, false
	}
	base := now - now%g.cfg.Period
	for k := 0; k < 2; k++ {
		for _, w := range g.cfg.Windows {
			t := base + time.Duration(k)*g.cfg.Period + w.Start
			if t > now || (inclusive && t == now) {
				return t, true
			}
		}
	}
	return 0, false
}

// IsAccessAllowed reports whether the current instant is inside a window.
func (g *Schedule) IsAccessAllowed() bool {
	return g.RemainingTime() > 0
}

// RemainingTime returns the time left in the current window.
func (g *Schedule) RemainingTime() time.Duration {
	if g.cfg.Period == 0 {
		return time.Duration(math.MaxInt64)
	}
	off := g.sched.Now() % g.cfg.Period
	for _, w := range g.cfg.Windows {
		if off >= w.Start && off < w.Start+w.Length {
			return w.Start + w.Length - off
		}
	}
	return 0
}

// RequestAccess schedules a grant after a random backoff drawn from the
// requester's contention window. A second request from the same requester
// replaces the first. When grants for two requesters land on the same
// instant the later requester sees an internal collision instead.
func (g *Schedule) RequestAccess(r Requester, immediate bool) {
	if t, ok := g.pending[r]; ok {
		t.Cancel()
		g.removeOrder(r)
	}
	delay := time.Duration(0)
	if !immediate || !g.IsAccessAllowed() {
		cw := r.ContentionWindow()
		if cw > 0 {
			delay = time.Duration(g.rng.Intn(cw+1)) * g.cfg.SlotTime
		}
		if !g.IsAccessAllowed() {
			// Contention resumes when the next window opens.
			if next, ok := g.nextWindowStart(g.sched.Now(), false); ok {
				delay += next - g.sched.Now()
			}
		}
	}
	at := g.sched.Now() + delay
	for _, other := range g.order {
		if ot := g.pending[other]; ot != nil && ot.At() == at {
			monitoring.Logf("[%s] internal collision at %v", g.name, at)
			g.sched.Schedule(delay, g.name+"/collision", r.OnInternalCollision)
			return
		}
	}
	g.order = append(g.order, r)
	g.pending[r] = g.sched.Schedule(delay, g.name+"/grant", func() {
		delete(g.pending, r)
		g.removeOrder(r)
		r.OnAccessGranted()
	})
}

func (g *Schedule) removeOrder(r Requester) {
	for i, o := range g.order {
		if o == r {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}

// Always is a Gate that always allows access and grants immediately.
type Always struct {
	Sched *timeutil.Scheduler
}

func (a Always) RequestAccess(r Requester, immediate bool) {
	a.Sched.Schedule(0, "always/grant", r.OnAccessGranted)
}

func (a Always) IsAccessAllowed() bool { return true }

func (a Always) RemainingTime() time.Duration { return time.Duration(math.MaxInt64) }
