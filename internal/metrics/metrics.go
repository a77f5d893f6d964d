package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RefreshStats is a snapshot of refresh-engine activity across all sessions.
type RefreshStats struct {
	Sent             uint64 // refresh requests put on the wire
	Suppressed       uint64 // refreshes skipped because nothing changed
	Queued           uint64 // refreshes parked behind an outstanding transaction
	Collisions       uint64 // 491 responses received
	ResolveFailures  uint64 // three-way merges that errored
	DeferredInvites  uint64 // incoming re-INVITEs held for later processing
	SessionsRecycled uint64 // sessions that completed deferred termination
}

// SessionStatsProvider exposes negotiation session counts and refresh activity.
type SessionStatsProvider interface {
	ActiveSessionCount() int
	RefreshStats() RefreshStats
}

// RTPStatsProvider returns aggregate RTP instance statistics.
type RTPStatsProvider interface {
	ActiveInstanceCount() int
	AllocatedPortCount() int
}

// HistoryCounter returns negotiation event counts grouped by event kind.
type HistoryCounter interface {
	CountByKind(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers negotiator metrics at
// scrape time.
type Collector struct {
	sessions  SessionStatsProvider
	rtp       RTPStatsProvider
	history   HistoryCounter
	startTime time.Time

	// Metric descriptors.
	activeSessionsDesc  *prometheus.Desc
	refreshesDesc       *prometheus.Desc
	collisionsDesc      *prometheus.Desc
	resolveFailuresDesc *prometheus.Desc
	deferredDesc        *prometheus.Desc
	recycledDesc        *prometheus.Desc
	rtpInstancesDesc    *prometheus.Desc
	rtpPortsDesc        *prometheus.Desc
	historyEventsDesc   *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	sessions SessionStatsProvider,
	rtp RTPStatsProvider,
	history HistoryCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		rtp:       rtp,
		history:   history,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"negotiator_active_sessions",
			"Number of currently active negotiation sessions",
			nil, nil,
		),
		refreshesDesc: prometheus.NewDesc(
			"negotiator_refreshes_total",
			"Session refreshes by outcome (sent, suppressed, queued)",
			[]string{"outcome"}, nil,
		),
		collisionsDesc: prometheus.NewDesc(
			"negotiator_collisions_total",
			"Re-INVITEs rejected by the peer with 491 Request Pending",
			nil, nil,
		),
		resolveFailuresDesc: prometheus.NewDesc(
			"negotiator_resolve_failures_total",
			"Three-way media-state merges that failed",
			nil, nil,
		),
		deferredDesc: prometheus.NewDesc(
			"negotiator_deferred_reinvites_total",
			"Incoming re-INVITEs deferred until local negotiation settled",
			nil, nil,
		),
		recycledDesc: prometheus.NewDesc(
			"negotiator_sessions_recycled_total",
			"Sessions torn down after the deferred-termination window",
			nil, nil,
		),
		rtpInstancesDesc: prometheus.NewDesc(
			"negotiator_rtp_instances_active",
			"Number of active RTP instances across all sessions",
			nil, nil,
		),
		rtpPortsDesc: prometheus.NewDesc(
			"negotiator_rtp_ports_allocated",
			"UDP ports currently held by RTP instances",
			nil, nil,
		),
		historyEventsDesc: prometheus.NewDesc(
			"negotiator_history_events_total",
			"Recorded negotiation events by kind",
			[]string{"kind"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"negotiator_uptime_seconds",
			"Seconds since the negotiator process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.refreshesDesc
	ch <- c.collisionsDesc
	ch <- c.resolveFailuresDesc
	ch <- c.deferredDesc
	ch <- c.recycledDesc
	ch <- c.rtpInstancesDesc
	ch <- c.rtpPortsDesc
	ch <- c.historyEventsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveSessionCount()),
		)

		stats := c.sessions.RefreshStats()
		for outcome, value := range map[string]uint64{
			"sent":       stats.Sent,
			"suppressed": stats.Suppressed,
			"queued":     stats.Queued,
		} {
			ch <- prometheus.MustNewConstMetric(
				c.refreshesDesc, prometheus.CounterValue,
				float64(value), outcome,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.collisionsDesc, prometheus.CounterValue, float64(stats.Collisions),
		)
		ch <- prometheus.MustNewConstMetric(
			c.resolveFailuresDesc, prometheus.CounterValue, float64(stats.ResolveFailures),
		)
		ch <- prometheus.MustNewConstMetric(
			c.deferredDesc, prometheus.CounterValue, float64(stats.DeferredInvites),
		)
		ch <- prometheus.MustNewConstMetric(
			c.recycledDesc, prometheus.CounterValue, float64(stats.SessionsRecycled),
		)
	}

	if c.rtp != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpInstancesDesc, prometheus.GaugeValue,
			float64(c.rtp.ActiveInstanceCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpPortsDesc, prometheus.GaugeValue,
			float64(c.rtp.AllocatedPortCount()),
		)
	}

	if c.history != nil {
		counts, err := c.history.CountByKind(ctx)
		if err != nil {
			slog.Error("metrics: failed to count history events", "error", err)
		} else {
			for kind, count := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.historyEventsDesc, prometheus.CounterValue,
					float64(count), kind,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
