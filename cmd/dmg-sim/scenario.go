package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/beamlink/internal/access"
	"github.com/banshee-data/beamlink/internal/config"
	"github.com/banshee-data/beamlink/internal/db"
	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/events"
	"github.com/banshee-data/beamlink/internal/medium"
	"github.com/banshee-data/beamlink/internal/monitoring"
	"github.com/banshee-data/beamlink/internal/station"
	"github.com/banshee-data/beamlink/internal/timeutil"
)

//go:embed scenarios/four_by_one.json
var defaultScenario []byte

// Scenario is the JSON description of one simulation run.
type Scenario struct {
	Name         string            `json:"name"`
	DefaultSNRDB float64           `json:"default_snr_db"`
	ThresholdDB  *float64          `json:"threshold_db,omitempty"`
	Horizon      string            `json:"horizon"`
	Stations     []StationSpec     `json:"stations"`
	Links        []medium.LinkSpec `json:"links"`
	Train        []TrainSpec       `json:"train"`
	// ServicePeriods charge time against maintained beam links.
	ServicePeriods []ServicePeriodSpec `json:"service_periods,omitempty"`
	Disassociate   []PeerEventSpec     `json:"disassociate,omitempty"`
}

// StationSpec describes one station. Timing fields override the run's
// timing config.
type StationSpec struct {
	Name          string               `json:"name"`
	Address       string               `json:"address"`
	Antennas      int                  `json:"antennas"`
	TxSectors     int                  `json:"tx_sectors"`
	RxSectors     int                  `json:"rx_sectors"`
	AWVsPerSector int                  `json:"awvs_per_sector"`
	Timing        *config.TimingConfig `json:"timing,omitempty"`
	Access        *AccessSpec          `json:"access,omitempty"`
}

// AccessSpec is a periodic access schedule. Omitted means always allowed.
type AccessSpec struct {
	Period  string       `json:"period"`
	Windows []WindowSpec `json:"windows"`
	Seed    int64        `json:"seed,omitempty"`
}

type WindowSpec struct {
	Start  string `json:"start"`
	Length string `json:"length"`
}

// TrainSpec queues training from one station toward another at a virtual time.
type TrainSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   string `json:"at"`
}

type ServicePeriodSpec struct {
	Station  string `json:"station"`
	Peer     string `json:"peer"`
	At       string `json:"at"`
	Duration string `json:"duration"`
}

type PeerEventSpec struct {
	Station string `json:"station"`
	Peer    string `json:"peer"`
	At      string `json:"at"`
}

var errScenario = errors.New("invalid scenario")

// loadScenario reads path, or the embedded default when path is empty.
func loadScenario(path string) (*Scenario, error) {
	data := defaultScenario
	if path != "" {
		cleanPath := filepath.Clean(path)
		if ext := filepath.Ext(cleanPath); ext != ".json" {
			return nil, fmt.Errorf("scenario file must have .json extension, got %q", ext)
		}
		var err error
		if data, err = os.ReadFile(cleanPath); err != nil {
			return nil, fmt.Errorf("failed to read scenario: %w", err)
		}
	}
	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario JSON: %w", err)
	}
	return &sc, nil
}

func parseDuration(field, v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errScenario, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", errScenario, field)
	}
	return d, nil
}

// mergeTiming returns base with every field set in override replaced.
// Neither input is modified.
func mergeTiming(base, override *config.TimingConfig) (*config.TimingConfig, error) {
	data, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	out := config.EmptyTimingConfig()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	if override == nil {
		return out, nil
	}
	if data, err = json.Marshal(override); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, out.Validate()
}

func (a *AccessSpec) schedule(horizon time.Duration) (access.ScheduleConfig, error) {
	if a == nil {
		return access.ScheduleConfig{}, nil
	}
	period, err := parseDuration("access.period", a.Period, 0)
	if err != nil {
		return access.ScheduleConfig{}, err
	}
	cfg := access.ScheduleConfig{Period: period, Seed: a.Seed, Horizon: horizon}
	for i, w := range a.Windows {
		start, err := parseDuration(fmt.Sprintf("access.windows[%d].start", i), w.Start, 0)
		if err != nil {
			return access.ScheduleConfig{}, err
		}
		length, err := parseDuration(fmt.Sprintf("access.windows[%d].length", i), w.Length, 0)
		if err != nil {
			return access.ScheduleConfig{}, err
		}
		cfg.Windows = append(cfg.Windows, access.Window{Start: start, Length: length})
	}
	return cfg, nil
}

// Options are the outputs a run feeds besides its result.
type Options struct {
	Timing   *config.TimingConfig
	DB       *db.DB
	Capture  io.Writer
	Registry prometheus.Registerer
}

// Result is what a finished run leaves behind.
type Result struct {
	Scenario *Scenario
	RunID    string
	Stations []*station.Station
	Events   *events.Recorder
	Medium   medium.Stats
	Captured int
	End      time.Duration

	names map[dmg.Address]string
}

// Name returns the scenario name of addr, or the address itself.
func (r *Result) Name(addr dmg.Address) string {
	if n, ok := r.names[addr]; ok {
		return n
	}
	return addr.String()
}

type runner struct {
	sched    *timeutil.Scheduler
	byName   map[string]*station.Station
	stations []*station.Station
}

func (r *runner) lookup(field, name string) (*station.Station, error) {
	st, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown station %q", errScenario, field, name)
	}
	return st, nil
}

// Run builds the stations of sc, plays its events and runs the virtual
// clock to the horizon.
func Run(sc *Scenario, o Options) (*Result, error) {
	if len(sc.Stations) < 2 {
		return nil, fmt.Errorf("%w: need at least two stations", errScenario)
	}
	timing := o.Timing
	if timing == nil {
		timing = config.DefaultTimingConfig()
	}
	horizon, err := parseDuration("horizon", sc.Horizon, time.Second)
	if err != nil {
		return nil, err
	}

	links, err := medium.LoadLinks(sc.DefaultSNRDB, sc.Links)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errScenario, err)
	}
	r := &runner{sched: timeutil.NewScheduler(), byName: make(map[string]*station.Station)}
	med := medium.New(r.sched, links, timing.GetPropagationDelay())
	if sc.ThresholdDB != nil {
		med.SetThreshold(*sc.ThresholdDB)
	}
	var capture *medium.Capture
	if o.Capture != nil {
		epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		if capture, err = medium.NewCapture(o.Capture, r.sched.Clock(epoch)); err != nil {
			return nil, err
		}
		med.SetCapture(capture)
	}

	res := &Result{Scenario: sc, Events: &events.Recorder{}, names: make(map[dmg.Address]string)}
	var listeners []events.Listener
	listeners = append(listeners, res.Events)
	if o.Registry != nil {
		col, err := monitoring.NewCollector(o.Registry)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		listeners = append(listeners, col)
	}
	var rec *db.Recorder
	if o.DB != nil {
		if res.RunID, err = o.DB.StartRun(sc.Name); err != nil {
			return nil, err
		}
		rec = db.NewRecorder(o.DB, res.RunID)
		listeners = append(listeners, rec)
	}

	caps := make([]dmg.Capabilities, len(sc.Stations))
	for i, spec := range sc.Stations {
		addr, err := dmg.ParseAddress(spec.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: station %q: %v", errScenario, spec.Name, err)
		}
		if _, dup := r.byName[spec.Name]; dup || spec.Name == "" {
			return nil, fmt.Errorf("%w: station name %q must be unique and non-empty", errScenario, spec.Name)
		}
		st, err := buildStation(r.sched, med, spec, addr, timing, horizon)
		if err != nil {
			return nil, err
		}
		for _, l := range listeners {
			st.Events().Subscribe(l)
		}
		caps[i] = st.Codebook().Capabilities()
		r.byName[spec.Name] = st
		r.stations = append(r.stations, st)
		res.names[addr] = spec.Name
	}
	for i, st := range r.stations {
		for j, other := range r.stations {
			if i == j {
				continue
			}
			if err := st.ExchangeCapabilities(other.Address(), caps[j]); err != nil {
				return nil, err
			}
		}
	}
	if err := r.scheduleEvents(sc); err != nil {
		return nil, err
	}

	monitoring.Logf("running scenario %q with %d stations until %v", sc.Name, len(r.stations), horizon)
	r.sched.RunUntil(horizon)
	for _, st := range r.stations {
		st.Stop()
	}

	res.Stations = r.stations
	res.Medium = med.Stats()
	res.End = r.sched.Now()
	if capture != nil {
		res.Captured = capture.Count()
	}
	if rec != nil && rec.Err() != nil {
		return res, rec.Err()
	}
	return res, nil
}

func buildStation(s *timeutil.Scheduler, m *medium.Medium, spec StationSpec, addr dmg.Address, timing *config.TimingConfig, horizon time.Duration) (*station.Station, error) {
	t, err := mergeTiming(timing, spec.Timing)
	if err != nil {
		return nil, fmt.Errorf("station %q timing: %w", spec.Name, err)
	}
	ac, err := spec.Access.schedule(horizon)
	if err != nil {
		return nil, fmt.Errorf("station %q: %w", spec.Name, err)
	}
	return station.New(s, m, station.Config{
		Address:       addr,
		Capabilities:  dmg.Capabilities{Antennas: spec.Antennas, TxSectors: spec.TxSectors, RxSectors: spec.RxSectors},
		AWVsPerSector: spec.AWVsPerSector,
		Timing:        t,
		Access:        ac,
	})
}

func (r *runner) scheduleEvents(sc *Scenario) error {
	for i, tr := range sc.Train {
		field := fmt.Sprintf("train[%d]", i)
		from, err := r.lookup(field, tr.From)
		if err != nil {
			return err
		}
		to, err := r.lookup(field, tr.To)
		if err != nil {
			return err
		}
		at, err := parseDuration(field+".at", tr.At, 0)
		if err != nil {
			return err
		}
		r.sched.Schedule(at, "scenario/train", func() {
			if err := from.Train(to.Address()); err != nil {
				monitoring.Logf("scenario: %s cannot train %s: %v", tr.From, tr.To, err)
			}
		})
	}
	for i, sp := range sc.ServicePeriods {
		field := fmt.Sprintf("service_periods[%d]", i)
		st, err := r.lookup(field, sp.Station)
		if err != nil {
			return err
		}
		peer, err := r.lookup(field, sp.Peer)
		if err != nil {
			return err
		}
		at, err := parseDuration(field+".at", sp.At, 0)
		if err != nil {
			return err
		}
		d, err := parseDuration(field+".duration", sp.Duration, 0)
		if err != nil {
			return err
		}
		r.sched.Schedule(at, "scenario/service-period", func() { st.ConsumeServicePeriod(peer.Address(), d) })
	}
	for i, ev := range sc.Disassociate {
		field := fmt.Sprintf("disassociate[%d]", i)
		st, err := r.lookup(field, ev.Station)
		if err != nil {
			return err
		}
		peer, err := r.lookup(field, ev.Peer)
		if err != nil {
			return err
		}
		at, err := parseDuration(field+".at", ev.At, 0)
		if err != nil {
			return err
		}
		r.sched.Schedule(at, "scenario/disassociate", func() { st.Disassociate(peer.Address()) })
	}
	return nil
}
