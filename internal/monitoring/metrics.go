package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/beamlink/internal/events"
)

// Collector turns engine events into prometheus metrics. It implements
// events.Listener; subscribe it to a station's bus.
type Collector struct {
	slsSessions  *prometheus.CounterVec
	slsRetries   prometheus.Counter
	brpSessions  *prometheus.CounterVec
	suspensions  prometheus.Counter
	linkExpiries prometheus.Counter
	bestSNR      *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		slsSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamlink",
			Name:      "sls_sessions_total",
			Help:      "Sector-level sweep sessions by role and outcome.",
		}, []string{"role", "outcome"}),
		slsRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beamlink",
			Name:      "sls_retries_total",
			Help:      "Retries consumed by finished sector-level sweep sessions.",
		}),
		brpSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamlink",
			Name:      "brp_sessions_total",
			Help:      "Beam refinement transactions by outcome.",
		}, []string{"outcome"}),
		suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beamlink",
			Name:      "session_suspensions_total",
			Help:      "Sessions suspended because the access window closed.",
		}),
		linkExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beamlink",
			Name:      "beam_link_expiries_total",
			Help:      "Maintained beam links whose timer expired.",
		}),
		bestSNR: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beamlink",
			Name:      "best_snr_db",
			Help:      "SNR of the committed best transmit configuration toward a peer.",
		}, []string{"station", "peer"}),
	}
	for _, col := range []prometheus.Collector{c.slsSessions, c.slsRetries, c.brpSessions, c.suspensions, c.linkExpiries, c.bestSNR} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) OnSlsCompleted(e events.SlsCompleted) {
	c.slsSessions.WithLabelValues(e.Role.String(), "completed").Inc()
	c.slsRetries.Add(float64(e.Retries))
	c.bestSNR.WithLabelValues(e.Station.String(), e.Peer.String()).Set(e.BestTxSNR)
}

func (c *Collector) OnSlsFailed(e events.SlsFailed) {
	c.slsSessions.WithLabelValues(e.Role.String(), "failed").Inc()
	c.slsRetries.Add(float64(e.Retries))
}

func (c *Collector) OnBrpCompleted(e events.BrpCompleted) {
	c.brpSessions.WithLabelValues("completed").Inc()
}

func (c *Collector) OnBrpFailed(e events.BrpFailed) {
	c.brpSessions.WithLabelValues("failed").Inc()
}

func (c *Collector) OnBeamLinkExpired(e events.BeamLinkExpired) {
	c.linkExpiries.Inc()
}

func (c *Collector) OnSessionSuspended(e events.SessionSuspended) {
	c.suspensions.Inc()
}
