// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statsd sends pagestore metrics to a StatsD agent using the
// DataDog client, which adds tags to the protocol.
package statsd

import (
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/stats"
)

const (
	// prefix is prepended to each metric event name
	prefix = "pagestore."

	// bufferLen is the client buffer size.
	bufferLen = 1024

	// DefaultHost is where a local agent listens.
	DefaultHost = "127.0.0.1:8125"
)

// Ensure client implements interface.
var _ stats.StatsClient = &statsClient{}

// statsClient represents a StatsD implementation of stats.StatsClient.
type statsClient struct {
	client *statsd.Client
	tags   []string
	logger logger.Logger
}

// NewStatsClient returns a new instance of StatsClient. Tags prefixed with
// the namespace are attached to every metric.
func NewStatsClient(host string, log logger.Logger) (*statsClient, error) {
	if host == "" {
		host = DefaultHost
	}
	if log == nil {
		log = logger.NopLogger
	}
	c, err := statsd.NewBuffered(host, bufferLen)
	if err != nil {
		return nil, err
	}
	return &statsClient{
		client: c,
		logger: log,
	}, nil
}

// Close closes the connection to the agent.
func (c *statsClient) Close() error {
	return c.client.Close()
}

// Tags returns a sorted list of tags on the client.
func (c *statsClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended.
func (c *statsClient) WithTags(tags ...string) stats.StatsClient {
	return &statsClient{
		client: c.client,
		tags:   stats.UnionStringSlice(c.tags, tags),
		logger: c.logger,
	}
}

// Count tracks the number of times something occurs per second.
func (c *statsClient) Count(name string, value int64, rate float64) {
	if err := c.client.Count(prefix+name, value, c.tags, rate); err != nil {
		c.logger.Warnf("statsd.StatsClient.Count error: %s", err)
	}
}

// Gauge sets the value of a metric.
func (c *statsClient) Gauge(name string, value float64, rate float64) {
	if err := c.client.Gauge(prefix+name, value, c.tags, rate); err != nil {
		c.logger.Warnf("statsd.StatsClient.Gauge error: %s", err)
	}
}

// Histogram tracks statistical distribution of a metric.
func (c *statsClient) Histogram(name string, value float64, rate float64) {
	if err := c.client.Histogram(prefix+name, value, c.tags, rate); err != nil {
		c.logger.Warnf("statsd.StatsClient.Histogram error: %s", err)
	}
}

// Timing tracks timing information for a metric.
func (c *statsClient) Timing(name string, value time.Duration, rate float64) {
	if err := c.client.Timing(prefix+name, value, c.tags, rate); err != nil {
		c.logger.Warnf("statsd.StatsClient.Timing error: %s", err)
	}
}
