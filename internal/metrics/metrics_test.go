package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.ProposePending.Inc()
	m.ProposeDurations.Observe(0.01)
	m.ProposeFailed.Inc()
	m.PeerUnreachable.WithLabelValues("2").Inc()
	m.SnapshotsTaken.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.SnapshotsTaken.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.SnapshotsTaken))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.SnapshotsTaken))
}
