package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agreement states reported by the agreement_state gauge.
var agreementStates = []string{"paused", "active", "backoff"}

// Metrics holds all Prometheus metrics for a replica. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// CSN generator
	CSNIssuedTotal prometheus.Counter

	// Changelog
	ChangelogAppendsTotal   prometheus.Counter
	ChangelogAppendDuration prometheus.Histogram
	ChangelogEntries        prometheus.Gauge
	ChangelogTrimmedTotal   prometheus.Counter

	// Shipping
	RecordsShippedTotal *prometheus.CounterVec
	ShipFailuresTotal   *prometheus.CounterVec
	ShipBatchDuration   *prometheus.HistogramVec
	AgreementState      *prometheus.GaugeVec

	// URP
	URPConflictsTotal *prometheus.CounterVec
	URPIgnoredTotal   *prometheus.CounterVec
	PurgedTotal       *prometheus.CounterVec

	// Gossip
	GossipMembersTotal prometheus.Gauge
}

// NewMetrics creates all metrics for replicaID and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer, replicaID uint16) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"replica_id": strconv.Itoa(int(replicaID))}

	return &Metrics{
		CSNIssuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dirsrv",
			Subsystem:   "repl",
			Name:        "csn_issued_total",
			Help:        "Total number of CSNs issued by the local generator",
			ConstLabels: labels,
		}),

		ChangelogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dirsrv",
			Subsystem:   "changelog",
			Name:        "appends_total",
			Help:        "Total number of change records appended",
			ConstLabels: labels,
		}),
		ChangelogAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dirsrv",
			Subsystem:   "changelog",
			Name:        "append_duration_seconds",
			Help:        "Duration of changelog appends including fsync",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		ChangelogEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dirsrv",
			Subsystem:   "changelog",
			Name:        "entries",
			Help:        "Number of change records currently retained",
			ConstLabels: labels,
		}),
		ChangelogTrimmedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dirsrv",
			Subsystem:   "changelog",
			Name:        "trimmed_total",
			Help:        "Total number of change records removed by trimming",
			ConstLabels: labels,
		}),

		RecordsShippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dirsrv",
			Subsystem:   "repl",
			Name:        "records_shipped_total",
			Help:        "Total number of change records acknowledged by peers",
			ConstLabels: labels,
		}, []string{"agreement"}),
		ShipFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dirsrv",
			Subsystem:   "repl",
			Name:        "ship_failures_total",
			Help:        "Total number of failed replication sessions",
			ConstLabels: labels,
		}, []string{"agreement"}),
		ShipBatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "dirsrv",
			Subsystem:   "repl",
			Name:        "ship_batch_duration_seconds",
			Help:        "Duration of a batch round trip to a peer",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"agreement"}),
		AgreementState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "dirsrv",
			Subsystem:   "repl",
			Name:        "agreement_state",
			Help:        "1 for the current state of each agreement",
			ConstLabels: labels,
		}, []string{"agreement", "state"}),

		URPConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dirsrv",
			Subsystem:   "urp",
			Name:        "conflicts_total",
			Help:        "Total number of conflicts resolved",
			ConstLabels: labels,
		}, []string{"kind"}),
		URPIgnoredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dirsrv",
			Subsystem:   "urp",
			Name:        "ignored_total",
			Help:        "Total number of replayed operations that had no effect",
			ConstLabels: labels,
		}, []string{"op"}),
		PurgedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dirsrv",
			Subsystem:   "urp",
			Name:        "purged_total",
			Help:        "Total number of tombstones and deleted values purged",
			ConstLabels: labels,
		}, []string{"kind"}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dirsrv",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of live gossip members",
			ConstLabels: labels,
		}),
	}
}

// RecordCSNIssued counts one issued CSN
func (m *Metrics) RecordCSNIssued() {
	if m == nil {
		return
	}
	m.CSNIssuedTotal.Inc()
}

// RecordChangelogAppend records an append and the retained entry count
func (m *Metrics) RecordChangelogAppend(duration float64, entries int) {
	if m == nil {
		return
	}
	m.ChangelogAppendsTotal.Inc()
	m.ChangelogAppendDuration.Observe(duration)
	m.ChangelogEntries.Set(float64(entries))
}

// RecordChangelogTrim records a trim pass
func (m *Metrics) RecordChangelogTrim(removed, entries int) {
	if m == nil {
		return
	}
	m.ChangelogTrimmedTotal.Add(float64(removed))
	m.ChangelogEntries.Set(float64(entries))
}

// RecordShipped records an acknowledged batch
func (m *Metrics) RecordShipped(agreement string, records int, duration float64) {
	if m == nil {
		return
	}
	m.RecordsShippedTotal.WithLabelValues(agreement).Add(float64(records))
	m.ShipBatchDuration.WithLabelValues(agreement).Observe(duration)
}

// RecordShipFailure records a failed session
func (m *Metrics) RecordShipFailure(agreement string) {
	if m == nil {
		return
	}
	m.ShipFailuresTotal.WithLabelValues(agreement).Inc()
}

// SetAgreementState sets state to 1 and every other state to 0
func (m *Metrics) SetAgreementState(agreement, state string) {
	if m == nil {
		return
	}
	for _, s := range agreementStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.AgreementState.WithLabelValues(agreement, s).Set(v)
	}
}

// RecordConflict counts a resolved conflict of the given kind
func (m *Metrics) RecordConflict(kind string) {
	if m == nil {
		return
	}
	m.URPConflictsTotal.WithLabelValues(kind).Inc()
}

// RecordIgnored counts a replayed operation that changed nothing
func (m *Metrics) RecordIgnored(op string) {
	if m == nil {
		return
	}
	m.URPIgnoredTotal.WithLabelValues(op).Inc()
}

// RecordPurged counts purged tombstones or values
func (m *Metrics) RecordPurged(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PurgedTotal.WithLabelValues(kind).Add(float64(n))
}

// UpdateGossipMembers sets the live member count
func (m *Metrics) UpdateGossipMembers(n int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(n))
}
