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

package ctl

import (
	"time"

	"github.com/featurebasedb/pagestore/server"
	"github.com/spf13/cobra"
)

// BuildServerFlags attaches a set of flags to the command for a server instance.
func BuildServerFlags(cmd *cobra.Command, srv *server.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&srv.Config.Bind, "bind", "b", srv.Config.Bind, "host:port on which the page store should listen.")
	flags.StringVar(&srv.Config.LogPath, "log-path", srv.Config.LogPath, "Log path")
	flags.BoolVar(&srv.Config.Verbose, "verbose", srv.Config.Verbose, "Enable verbose logging")

	// Handler
	flags.StringSliceVar(&srv.Config.Handler.AllowedOrigins, "handler.allowed-origins", []string{}, "Comma separated list of allowed origin URIs (for CORS).")
	flags.DurationVar((*time.Duration)(&srv.Config.Handler.CloseTimeout), "handler.close-timeout", time.Duration(srv.Config.Handler.CloseTimeout), "How long to wait for in-flight requests on shutdown.")

	// Engine
	flags.StringVar(&srv.Config.Engine.Backend, "engine.backend", srv.Config.Engine.Backend, "Key-value engine: inmem, boltdb, pebble or etcd.")
	flags.StringVar(&srv.Config.Engine.Locator, "engine.locator", srv.Config.Engine.Locator, "Engine location: boltdb file, pebble directory, comma separated etcd endpoints, or 'embed' for an embedded etcd.")
	flags.StringVarP(&srv.Config.Engine.Dir, "engine.dir", "d", srv.Config.Engine.Dir, "Directory for engine data when no locator is given.")
	flags.BoolVar(&srv.Config.Engine.NoSync, "engine.no-sync", srv.Config.Engine.NoSync, "Do not fsync engine commits. Unsafe.")

	// Etcd
	// Etcd.Dir defaults to a directory under the engine directory.
	flags.StringSliceVar(&srv.Config.Engine.Etcd.Endpoints, "engine.etcd.endpoints", srv.Config.Engine.Etcd.Endpoints, "Endpoints of an external etcd cluster, used when engine.locator is empty.")
	flags.DurationVar((*time.Duration)(&srv.Config.Engine.Etcd.DialTimeout), "engine.etcd.dial-timeout", time.Duration(srv.Config.Engine.Etcd.DialTimeout), "Timeout dialing external etcd endpoints.")
	flags.StringVar(&srv.Config.Engine.Etcd.Name, "engine.etcd.name", srv.Config.Engine.Etcd.Name, "Name of the embedded etcd member.")
	flags.StringVar(&srv.Config.Engine.Etcd.Dir, "engine.etcd.dir", srv.Config.Engine.Etcd.Dir, "Data directory of the embedded etcd.")
	flags.StringVar(&srv.Config.Engine.Etcd.LClientURL, "engine.etcd.listen-client-url", srv.Config.Engine.Etcd.LClientURL, "Listen client address.")
	flags.StringVar(&srv.Config.Engine.Etcd.AClientURL, "engine.etcd.advertise-client-url", srv.Config.Engine.Etcd.AClientURL, "Advertise client address. If not provided, uses the listen client address.")
	flags.StringVar(&srv.Config.Engine.Etcd.LPeerURL, "engine.etcd.listen-peer-url", srv.Config.Engine.Etcd.LPeerURL, "Listen peer address.")
	flags.StringVar(&srv.Config.Engine.Etcd.APeerURL, "engine.etcd.advertise-peer-url", srv.Config.Engine.Etcd.APeerURL, "Advertise peer address. If not provided, uses the listen peer address.")
	flags.BoolVar(&srv.Config.Engine.Etcd.UnsafeNoFsync, "engine.etcd.no-fsync", srv.Config.Engine.Etcd.UnsafeNoFsync, "Do not fsync the embedded etcd. Unsafe.")
	flags.StringVar(&srv.Config.Engine.Etcd.ClusterName, "engine.etcd.cluster-name", srv.Config.Engine.Etcd.ClusterName, "Initial cluster token of the embedded etcd.")
	flags.StringVar(&srv.Config.Engine.Etcd.TrustedCAFile, "engine.etcd.tls-trusted-cafile", srv.Config.Engine.Etcd.TrustedCAFile, "Trusted CA file for etcd client and peer TLS.")
	flags.StringVar(&srv.Config.Engine.Etcd.ClientCertFile, "engine.etcd.tls-cert-file", srv.Config.Engine.Etcd.ClientCertFile, "Client certificate for etcd TLS.")
	flags.StringVar(&srv.Config.Engine.Etcd.ClientKeyFile, "engine.etcd.tls-key-file", srv.Config.Engine.Etcd.ClientKeyFile, "Client key for etcd TLS.")
	flags.StringVar(&srv.Config.Engine.Etcd.PeerCertFile, "engine.etcd.tls-peer-cert-file", srv.Config.Engine.Etcd.PeerCertFile, "Peer certificate for etcd TLS.")
	flags.StringVar(&srv.Config.Engine.Etcd.PeerKeyFile, "engine.etcd.tls-peer-key-file", srv.Config.Engine.Etcd.PeerKeyFile, "Peer key for etcd TLS.")

	// Namespace
	flags.BoolVar(&srv.Config.Namespace.AutoCreate, "namespace.auto-create", srv.Config.Namespace.AutoCreate, "Create namespaces on first use.")
	flags.IntVar(&srv.Config.Namespace.PageSize, "namespace.page-size", srv.Config.Namespace.PageSize, "Page size of namespaces created without one.")

	// Cache
	flags.Var(&srv.Config.Cache.MaxBytes, "cache.max-bytes", "Size of the page content cache. Zero disables it.")
	flags.BoolVar(&srv.Config.Cache.WarmOnWrite, "cache.warm-on-write", srv.Config.Cache.WarmOnWrite, "Add committed pages to the cache.")

	// Pages
	flags.BoolVar(&srv.Config.Pages.VerifyChecksums, "pages.verify-checksums", srv.Config.Pages.VerifyChecksums, "Re-hash every page read from the engine.")

	// Commit
	flags.IntVar(&srv.Config.Commit.MultiPhaseThreshold, "commit.multiphase-threshold", srv.Config.Commit.MultiPhaseThreshold, "Write set size in pages above which commits are staged in phases.")
	flags.IntVar(&srv.Config.Commit.PhaseSize, "commit.phase-size", srv.Config.Commit.PhaseSize, "Pages staged per phase of a multi-phase commit.")
	flags.IntVar(&srv.Config.Commit.MaxWritePages, "commit.max-write-pages", srv.Config.Commit.MaxWritePages, "Largest write set, in pages, a single commit may carry.")
	flags.BoolVar(&srv.Config.Commit.TrackReads, "commit.track-reads", srv.Config.Commit.TrackReads, "Detect read-write conflicts as well as write-write conflicts.")
	flags.IntVar(&srv.Config.Commit.MaxAttempts, "commit.max-attempts", srv.Config.Commit.MaxAttempts, "Attempts per commit on transient engine failures.")
	flags.DurationVar((*time.Duration)(&srv.Config.Commit.LockTTL), "commit.lock-ttl", time.Duration(srv.Config.Commit.LockTTL), "Lease of a multi-phase commit on its namespace.")

	// GC
	flags.BoolVar(&srv.Config.GC.Disabled, "gc.disabled", srv.Config.GC.Disabled, "Disable background garbage collection.")
	flags.DurationVar((*time.Duration)(&srv.Config.GC.TTL), "gc.ttl", time.Duration(srv.Config.GC.TTL), "Freshness window of superseded page versions.")
	flags.DurationVar((*time.Duration)(&srv.Config.GC.Interval), "gc.interval", time.Duration(srv.Config.GC.Interval), "Interval between garbage collection passes.")
	flags.IntVar(&srv.Config.GC.BatchSize, "gc.batch-size", srv.Config.GC.BatchSize, "Page records examined per engine transaction.")
	flags.Float64Var(&srv.Config.GC.MaxBatchesPerSecond, "gc.max-batches-per-second", srv.Config.GC.MaxBatchesPerSecond, "Pace of garbage collection. Zero means unlimited.")
	flags.IntVar(&srv.Config.GC.Concurrency, "gc.concurrency", srv.Config.GC.Concurrency, "Namespaces collected at once.")

	// Wire
	flags.StringVar(&srv.Config.Wire.Compression, "wire.compression", srv.Config.Wire.Compression, "Compression of page payloads: none or zstd.")

	// Faults
	flags.BoolVar(&srv.Config.Faults.Enabled, "faults.enabled", srv.Config.Faults.Enabled, "Inject engine faults. For testing only.")
	flags.Int64Var(&srv.Config.Faults.Seed, "faults.seed", srv.Config.Faults.Seed, "Seed of the fault injector.")
	flags.Float64Var(&srv.Config.Faults.DropProbability, "faults.drop-probability", srv.Config.Faults.DropProbability, "Probability of failing an engine transaction before it runs.")
	flags.Float64Var(&srv.Config.Faults.AmbiguousProbability, "faults.ambiguous-probability", srv.Config.Faults.AmbiguousProbability, "Probability of reporting a failure after a transaction committed.")
	flags.Float64Var(&srv.Config.Faults.DelayProbability, "faults.delay-probability", srv.Config.Faults.DelayProbability, "Probability of delaying an engine transaction.")
	flags.DurationVar((*time.Duration)(&srv.Config.Faults.MaxDelay), "faults.max-delay", time.Duration(srv.Config.Faults.MaxDelay), "Longest injected delay.")

	// Metric
	flags.StringVar(&srv.Config.Metric.Service, "metric.service", srv.Config.Metric.Service, "Where to send stats: can be prometheus (served at /metrics), statsd or none.")
	flags.StringVar(&srv.Config.Metric.Host, "metric.host", srv.Config.Metric.Host, "URI to send metrics when metric.service is statsd.")

	// Tracing
	flags.StringVar(&srv.Config.Tracing.AgentHostPort, "tracing.agent-host-port", srv.Config.Tracing.AgentHostPort, "Jaeger agent host:port.")
	flags.StringVar(&srv.Config.Tracing.SamplerType, "tracing.sampler-type", srv.Config.Tracing.SamplerType, "Jaeger sampler type (remote, const, probabilistic, ratelimiting) or 'off' to disable tracing completely.")
	flags.Float64Var(&srv.Config.Tracing.SamplerParam, "tracing.sampler-param", srv.Config.Tracing.SamplerParam, "Jaeger sampler parameter.")
}
