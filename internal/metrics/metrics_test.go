package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"dukaan/backend/internal/domain"
)

func TestSyncFinishedUpdatesCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SyncFinished(domain.SyncSummary{Synced: 3, Rejected: 1, Remaining: 2}, errors.New("remote down"))
	m.SyncFinished(domain.SyncSummary{Skipped: true}, nil)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SalesSynced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SalesRejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PendingSales))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRuns.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRuns.WithLabelValues("skipped")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SaleSubmitted(domain.SubmitStatusQueued)
	m.SyncFinished(domain.SyncSummary{}, nil)
	m.MirrorEventApplied(domain.TableSales, domain.EventInsert)
	m.MirrorInconsistency(domain.TableSales)
	m.ObserveRequest("GET", "/healthz", 200, 0.01)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(201))
	assert.Equal(t, "4xx", statusClass(422))
	assert.Equal(t, "5xx", statusClass(503))
}
