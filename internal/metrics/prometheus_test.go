package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered returns the value of the metric named name whose labels include want.
func gathered(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, want)
	return 0
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// two replicas in one process must not collide
	regA, regB := prometheus.NewRegistry(), prometheus.NewRegistry()
	a := NewMetrics(regA, 1)
	b := NewMetrics(regB, 2)

	a.RecordCSNIssued()
	a.RecordCSNIssued()
	b.RecordCSNIssued()

	assert.Equal(t, 2.0, gathered(t, regA, "dirsrv_repl_csn_issued_total", map[string]string{"replica_id": "1"}))
	assert.Equal(t, 1.0, gathered(t, regB, "dirsrv_repl_csn_issued_total", map[string]string{"replica_id": "2"}))
}

func TestMetrics_AgreementState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, 1)

	m.SetAgreementState("agmt-1", "active")
	m.SetAgreementState("agmt-1", "backoff")

	assert.Equal(t, 0.0, gathered(t, reg, "dirsrv_repl_agreement_state", map[string]string{"agreement": "agmt-1", "state": "active"}))
	assert.Equal(t, 1.0, gathered(t, reg, "dirsrv_repl_agreement_state", map[string]string{"agreement": "agmt-1", "state": "backoff"}))
}

func TestMetrics_Changelog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, 1)

	m.RecordChangelogAppend(0.001, 3)
	m.RecordChangelogTrim(2, 1)

	assert.Equal(t, 1.0, gathered(t, reg, "dirsrv_changelog_appends_total", nil))
	assert.Equal(t, 2.0, gathered(t, reg, "dirsrv_changelog_trimmed_total", nil))
	assert.Equal(t, 1.0, gathered(t, reg, "dirsrv_changelog_entries", nil))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCSNIssued()
		m.RecordShipped("a", 1, 0.1)
		m.SetAgreementState("a", "paused")
		m.RecordPurged("tombstone", 3)
	})
}
