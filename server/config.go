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

package server

import (
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/etcd"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/toml"
	"github.com/featurebasedb/pagestore/wire"
)

// Engine backends.
const (
	BackendInmem  = "inmem"
	BackendBoltDB = "boltdb"
	BackendPebble = "pebble"
	BackendEtcd   = "etcd"
)

// Metric services.
const (
	MetricServicePrometheus = "prometheus"
	MetricServiceStatsd     = "statsd"
	MetricServiceNone       = "none"
)

// Config represents the configuration for the command.
type Config struct {
	// Bind is the host:port on which the server will listen.
	Bind string `toml:"bind"`

	// LogPath configures where the server will write logs.
	LogPath string `toml:"log-path"`

	// Verbose toggles verbose logging which can be useful for debugging.
	Verbose bool `toml:"verbose"`

	// HTTP Handler options
	Handler struct {
		// CORS Allowed Origins
		AllowedOrigins []string      `toml:"allowed-origins"`
		CloseTimeout   toml.Duration `toml:"close-timeout"`
	} `toml:"handler"`

	Engine EngineConfig `toml:"engine"`

	Namespace pagestore.NamespaceConfig `toml:"namespace"`
	Cache     pagestore.CacheConfig     `toml:"cache"`
	Pages     pagestore.PagesConfig     `toml:"pages"`
	Commit    pagestore.CommitConfig    `toml:"commit"`
	GC        pagestore.GCConfig        `toml:"gc"`

	Wire struct {
		// Compression of page responses for clients which accept it.
		Compression string `toml:"compression"`
	} `toml:"wire"`

	Faults FaultsConfig `toml:"faults"`

	Metric struct {
		// Service can be prometheus, statsd or none.
		Service string `toml:"service"`
		// Host tells the statsd client where to write.
		Host string `toml:"host"`
	} `toml:"metric"`

	Tracing struct {
		// AgentHostPort is the host:port of the Jaeger agent.
		AgentHostPort string `toml:"agent-host-port"`
		// SamplerType is a Jaeger sampler type (remote, const,
		// probabilistic, ratelimiting) or "off".
		SamplerType string `toml:"sampler-type"`
		// SamplerParam is the parameter of the sampler.
		SamplerParam float64 `toml:"sampler-param"`
	} `toml:"tracing"`
}

// TracingOff disables tracing.
const TracingOff = "off"

// EngineConfig selects and configures the key-value engine.
type EngineConfig struct {
	// Backend is one of inmem, boltdb, pebble or etcd.
	Backend string `toml:"backend"`

	// Locator is backend specific: the boltdb file, the pebble directory,
	// or comma separated etcd endpoints. For etcd, "embed", or an empty
	// locator with no engine.etcd.endpoints, starts an embedded
	// single-node server.
	Locator string `toml:"locator"`

	// Dir holds data of backends given no locator.
	Dir string `toml:"dir"`

	// NoSync skips fsync on commit where the backend supports it.
	NoSync bool `toml:"no-sync"`

	Etcd etcd.Options `toml:"etcd"`
}

// FaultsConfig configures fault injection at the engine boundary. It
// exists for testing clients against a misbehaving store.
type FaultsConfig struct {
	Enabled              bool          `toml:"enabled"`
	Seed                 int64         `toml:"seed"`
	DropProbability      float64       `toml:"drop-probability"`
	AmbiguousProbability float64       `toml:"ambiguous-probability"`
	DelayProbability     float64       `toml:"delay-probability"`
	MaxDelay             toml.Duration `toml:"max-delay"`
}

// Injector returns the fault injector described by c.
func (c FaultsConfig) Injector() kv.Injector {
	return kv.NewRandomInjector(kv.RandomInjectorConfig{
		Seed:                 c.Seed,
		DropProbability:      c.DropProbability,
		AmbiguousProbability: c.AmbiguousProbability,
		DelayProbability:     c.DelayProbability,
		MaxDelay:             time.Duration(c.MaxDelay),
	})
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	store := pagestore.NewConfig()
	c := &Config{
		Bind:      "localhost:7070",
		Namespace: store.Namespace,
		Cache:     store.Cache,
		Pages:     store.Pages,
		Commit:    store.Commit,
		GC:        store.GC,
	}
	c.Handler.AllowedOrigins = []string{}
	c.Handler.CloseTimeout = toml.Duration(30 * time.Second)

	c.Engine.Backend = BackendBoltDB
	c.Engine.Dir = "~/.pagestore"
	c.Engine.Etcd.DialTimeout = toml.Duration(5 * time.Second)

	c.Wire.Compression = string(wire.CompressionNone)

	c.Metric.Service = MetricServiceNone

	c.Tracing.AgentHostPort = "localhost:6831"
	c.Tracing.SamplerType = TracingOff
	c.Tracing.SamplerParam = 0.001
	return c
}

// Store returns the page store part of the configuration.
func (c *Config) Store() pagestore.Config {
	return pagestore.Config{
		Namespace: c.Namespace,
		Cache:     c.Cache,
		Pages:     c.Pages,
		Commit:    c.Commit,
		GC:        c.GC,
	}
}

// Validate checks the configuration for values the server cannot run
// with.
func (c *Config) Validate() error {
	if c.Bind == "" {
		return errors.New(pagestore.ErrMalformed, "bind address required")
	}
	switch c.Engine.Backend {
	case BackendInmem, BackendBoltDB, BackendPebble, BackendEtcd:
	default:
		return errors.Newf(pagestore.ErrMalformed, "unknown engine backend '%s'", c.Engine.Backend)
	}
	if _, err := wire.ParseCompression(c.Wire.Compression); err != nil {
		return err
	}
	switch c.Metric.Service {
	case MetricServicePrometheus, MetricServiceStatsd, MetricServiceNone, "":
	default:
		return errors.Newf(pagestore.ErrMalformed, "unknown metric service '%s'", c.Metric.Service)
	}
	switch c.Tracing.SamplerType {
	case TracingOff, "", "remote", "const", "probabilistic", "ratelimiting":
	default:
		return errors.Newf(pagestore.ErrMalformed, "unknown tracing sampler type '%s'", c.Tracing.SamplerType)
	}
	for name, p := range map[string]float64{
		"faults.drop-probability":      c.Faults.DropProbability,
		"faults.ambiguous-probability": c.Faults.AmbiguousProbability,
		"faults.delay-probability":     c.Faults.DelayProbability,
	} {
		if p < 0 || p > 1 {
			return errors.Newf(pagestore.ErrMalformed, "%s must be between 0 and 1, got %v", name, p)
		}
	}
	return errors.Wrap(c.Store().Validate(), "invalid store configuration")
}
