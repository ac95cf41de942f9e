package stats_test

import (
	"testing"
	"time"

	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnionStringSlice(t *testing.T) {
	assert.Nil(t, stats.UnionStringSlice(nil, nil))
	assert.Equal(t, []string{"a", "b", "c"}, stats.UnionStringSlice([]string{"c", "a"}, []string{"b", "a"}))
}

func TestPrometheusClient(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := stats.NewPrometheusClient(reg, logger.NewLogfLogger(t))

	ns := c.WithTags("ns:alpha")
	ns.Count("commits_total", 2, 1)
	ns.Count("commits_total", 3, 1)
	c.WithTags("ns:beta").Count("commits_total", 1, 1)
	ns.Gauge("version", 42, 1)
	ns.Timing("commit_duration_seconds", 3*time.Millisecond, 1)

	assert.Equal(t, []string{"ns:alpha"}, ns.Tags())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pagestore_commits_total"])
	assert.True(t, names["pagestore_version"])
	assert.True(t, names["pagestore_commit_duration_seconds"])

	for _, f := range families {
		if f.GetName() != "pagestore_commits_total" {
			continue
		}
		got := map[string]float64{}
		for _, m := range f.GetMetric() {
			got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
		assert.Equal(t, map[string]float64{"alpha": 5, "beta": 1}, got)
	}
}
