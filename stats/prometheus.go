package stats

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/featurebasedb/pagestore/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// Ensure client implements interface.
var _ StatsClient = &PrometheusClient{}

const prometheusNamespace = "pagestore"

// PrometheusClient records metrics as prometheus collectors, created on
// first use. Tags become labels: "ns:foo" is the label ns="foo". All
// observations of one metric name must use the same set of tag keys.
type PrometheusClient struct {
	reg    *metricRegistry
	tags   []string
	logger logger.Logger
}

type metricRegistry struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusClient returns a client registering its collectors with r.
// A nil r uses prometheus.DefaultRegisterer.
func NewPrometheusClient(r prometheus.Registerer, log logger.Logger) *PrometheusClient {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = logger.NopLogger
	}
	return &PrometheusClient{
		reg: &metricRegistry{
			registerer: r,
			counters:   make(map[string]*prometheus.CounterVec),
			gauges:     make(map[string]*prometheus.GaugeVec),
			histograms: make(map[string]*prometheus.HistogramVec),
		},
		logger: log,
	}
}

func (c *PrometheusClient) Tags() []string { return c.tags }

func (c *PrometheusClient) WithTags(tags ...string) StatsClient {
	return &PrometheusClient{
		reg:    c.reg,
		tags:   UnionStringSlice(c.tags, tags),
		logger: c.logger,
	}
}

// labels splits "key:value" tags into label names and values.
func (c *PrometheusClient) labels() (names []string, values prometheus.Labels) {
	values = make(prometheus.Labels, len(c.tags))
	for _, tag := range c.tags {
		k, v := tag, ""
		if i := strings.IndexByte(tag, ':'); i >= 0 {
			k, v = tag[:i], tag[i+1:]
		}
		values[k] = v
	}
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, values
}

// register registers col, or returns the already registered collector of
// the same description.
func (r *metricRegistry) register(col prometheus.Collector) (prometheus.Collector, error) {
	if err := r.registerer.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return col, nil
}

func (c *PrometheusClient) Count(name string, value int64, rate float64) {
	names, values := c.labels()
	c.reg.mu.Lock()
	vec, ok := c.reg.counters[name]
	if !ok {
		col, err := c.reg.register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      name,
			Help:      "pagestore counter " + name,
		}, names))
		if err != nil {
			c.reg.mu.Unlock()
			c.logger.Errorf("registering counter %s: %v", name, err)
			return
		}
		vec = col.(*prometheus.CounterVec)
		c.reg.counters[name] = vec
	}
	c.reg.mu.Unlock()

	counter, err := vec.GetMetricWith(values)
	if err != nil {
		c.logger.Errorf("counter %s: %v", name, err)
		return
	}
	counter.Add(float64(value))
}

func (c *PrometheusClient) Gauge(name string, value float64, rate float64) {
	names, values := c.labels()
	c.reg.mu.Lock()
	vec, ok := c.reg.gauges[name]
	if !ok {
		col, err := c.reg.register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      name,
			Help:      "pagestore gauge " + name,
		}, names))
		if err != nil {
			c.reg.mu.Unlock()
			c.logger.Errorf("registering gauge %s: %v", name, err)
			return
		}
		vec = col.(*prometheus.GaugeVec)
		c.reg.gauges[name] = vec
	}
	c.reg.mu.Unlock()

	gauge, err := vec.GetMetricWith(values)
	if err != nil {
		c.logger.Errorf("gauge %s: %v", name, err)
		return
	}
	gauge.Set(value)
}

func (c *PrometheusClient) Histogram(name string, value float64, rate float64) {
	names, values := c.labels()
	c.reg.mu.Lock()
	vec, ok := c.reg.histograms[name]
	if !ok {
		col, err := c.reg.register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      name,
			Help:      "pagestore histogram " + name,
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, names))
		if err != nil {
			c.reg.mu.Unlock()
			c.logger.Errorf("registering histogram %s: %v", name, err)
			return
		}
		vec = col.(*prometheus.HistogramVec)
		c.reg.histograms[name] = vec
	}
	c.reg.mu.Unlock()

	obs, err := vec.GetMetricWith(values)
	if err != nil {
		c.logger.Errorf("histogram %s: %v", name, err)
		return
	}
	obs.Observe(value)
}

// Timing records the duration in seconds as a histogram.
func (c *PrometheusClient) Timing(name string, value time.Duration, rate float64) {
	c.Histogram(name, value.Seconds(), rate)
}

func (c *PrometheusClient) Close() error { return nil }
