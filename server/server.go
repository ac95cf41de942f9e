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

// Package server contains the page store server command.
package server

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/boltdb"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/etcd"
	"github.com/featurebasedb/pagestore/http"
	"github.com/featurebasedb/pagestore/inmem"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/pebble"
	"github.com/featurebasedb/pagestore/stats"
	"github.com/featurebasedb/pagestore/statsd"
	"github.com/featurebasedb/pagestore/tracing"
	"github.com/featurebasedb/pagestore/tracing/opentracing"
	"github.com/featurebasedb/pagestore/wire"
	"golang.org/x/sync/errgroup"
)

// etcdStartTimeout bounds how long Start waits for an embedded etcd
// server to become ready.
const etcdStartTimeout = time.Minute

// Command represents the state of the page store server command.
type Command struct {
	// Configuration.
	Config *Config

	Store     *pagestore.Store
	Handler   *http.Handler
	Collector *pagestore.Collector

	// Standard input/output
	*pagestore.CmdIO

	engine       kv.Engine
	stats        stats.StatsClient
	tracerCloser io.Closer
	ln           net.Listener

	logger    logger.Logger
	logOutput io.Writer

	// done will be closed when Command.Close() is called
	done chan struct{}
}

type CommandOption func(c *Command) error

// OptCommandConfig replaces the default configuration.
func OptCommandConfig(config *Config) CommandOption {
	return func(c *Command) error {
		c.Config = config
		return nil
	}
}

// OptCommandEngine makes the command serve an already open engine instead
// of opening the configured backend. The command closes it on Close.
func OptCommandEngine(e kv.Engine) CommandOption {
	return func(c *Command) error {
		c.engine = e
		return nil
	}
}

// NewCommand returns a new instance of Command.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer, opts ...CommandOption) (*Command, error) {
	c := &Command{
		Config: NewConfig(),
		CmdIO:  pagestore.NewCmdIO(stdin, stdout, stderr),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	return c, nil
}

// Start opens the engine and the store and starts serving.
func (m *Command) Start() (err error) {
	if err := m.Config.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}
	if err := m.setupLogger(); err != nil {
		return errors.Wrap(err, "setting up logger")
	}
	// Whatever was opened is released again if a later step fails.
	defer func() {
		if err != nil {
			_ = m.closeResources()
			close(m.done)
		}
	}()

	if err := m.setupServer(); err != nil {
		return errors.Wrap(err, "setting up server")
	}

	// Serve HTTP.
	go func() {
		if err := m.Handler.Serve(); err != nil {
			m.logger.Errorf("handler serve error: %v", err)
		}
	}()
	m.Collector.Start()
	m.logger.Printf("%s listening as %s", pagestore.VersionInfo(), m.URL())
	return nil
}

func (m *Command) setupServer() (err error) {
	m.stats, err = NewStatsClient(m.Config.Metric.Service, m.Config.Metric.Host, m.logger)
	if err != nil {
		return errors.Wrap(err, "creating stats client")
	}

	if typ := m.Config.Tracing.SamplerType; typ != "" && typ != TracingOff {
		tracer, closer, err := opentracing.NewJaegerTracer("pagestore", opentracing.JaegerConfig{
			AgentHostPort: m.Config.Tracing.AgentHostPort,
			SamplerType:   typ,
			SamplerParam:  m.Config.Tracing.SamplerParam,
		}, m.logger)
		if err != nil {
			return err
		}
		tracing.GlobalTracer, m.tracerCloser = tracer, closer
	}

	if m.engine == nil {
		if m.engine, err = OpenEngine(m.Config.Engine, m.logger); err != nil {
			return errors.Wrap(err, "opening engine")
		}
	}
	if m.Config.Faults.Enabled {
		m.logger.Warnf("fault injection enabled: %+v", m.Config.Faults)
		m.engine = kv.NewFaulty(m.engine, m.Config.Faults.Injector())
	}

	m.Store, err = pagestore.NewStore(m.engine,
		pagestore.OptStoreConfig(m.Config.Store()),
		pagestore.OptStoreLogger(m.logger),
		pagestore.OptStoreStatsClient(m.stats),
	)
	if err != nil {
		return errors.Wrap(err, "creating store")
	}
	m.Collector = pagestore.NewCollector(m.Store)

	comp, err := wire.ParseCompression(m.Config.Wire.Compression)
	if err != nil {
		return err
	}
	m.ln, err = net.Listen("tcp", m.Config.Bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", m.Config.Bind)
	}
	m.Handler, err = http.NewHandler(
		http.OptHandlerAllowedOrigins(m.Config.Handler.AllowedOrigins),
		http.OptHandlerStore(m.Store),
		http.OptHandlerCollector(m.Collector),
		http.OptHandlerLogger(m.logger),
		http.OptHandlerStatsClient(m.stats),
		http.OptHandlerCompression(comp),
		http.OptHandlerListener(m.ln),
		http.OptHandlerCloseTimeout(time.Duration(m.Config.Handler.CloseTimeout)),
	)
	return errors.Wrap(err, "creating handler")
}

// Addr returns the address the server listens on. It is nil before Start.
func (m *Command) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// URL returns the base URL of the server.
func (m *Command) URL() string {
	if m.ln == nil {
		return ""
	}
	return "http://" + m.ln.Addr().String()
}

// Logger returns the server logger.
func (m *Command) Logger() logger.Logger {
	return m.logger
}

// Wait blocks until the command is closed or the process receives an
// interrupt.
func (m *Command) Wait() error {
	// First signal causes server to shut down gracefully.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		m.logger.Infof("received signal '%s', gracefully shutting down...", sig.String())

		// Second signal causes a hard shutdown.
		go func() { <-c; os.Exit(1) }()
		return errors.Wrap(m.Close(), "closing command")
	case <-m.done:
		m.logger.Infof("server closed externally")
		return nil
	}
}

// Close stops serving and closes the engine. It is safe to call more than
// once.
func (m *Command) Close() error {
	select {
	case <-m.done:
		return nil
	default:
	}
	err := m.closeResources()
	close(m.done)
	return errors.Wrap(err, "closing everything")
}

func (m *Command) closeResources() error {
	var eg errgroup.Group
	if m.Collector != nil {
		m.Collector.Stop()
	}
	if m.Handler != nil {
		eg.Go(m.Handler.Close)
	} else if m.ln != nil {
		eg.Go(m.ln.Close)
	}
	err := eg.Wait()
	if m.engine != nil {
		if cerr := m.engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if m.stats != nil {
		if cerr := m.stats.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if m.tracerCloser != nil {
		tracing.GlobalTracer = tracing.NopTracer()
		if cerr := m.tracerCloser.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if closer, ok := m.logOutput.(io.Closer); ok && m.logOutput != m.Stderr {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// setupLogger sets up the logger based on the configuration.
func (m *Command) setupLogger() error {
	var f *logger.FileWriter
	var err error
	if m.Config.LogPath == "" {
		m.logOutput = m.Stderr
	} else {
		f, err = logger.NewFileWriter(m.Config.LogPath)
		if err != nil {
			return errors.Wrap(err, "opening file")
		}
		m.logOutput = f
	}
	if m.Config.Verbose {
		m.logger = logger.NewVerboseLogger(m.logOutput)
	} else {
		m.logger = logger.NewStandardLogger(m.logOutput)
	}
	if f != nil {
		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			for {
				select {
				case <-m.done:
					signal.Stop(sighup)
					return
				case <-sighup:
				}
				// reopen log file on SIGHUP
				if err := f.Reopen(); err != nil {
					m.logger.Infof("reopen: %s", err.Error())
				}
			}
		}()
	}
	return nil
}

// OpenEngine opens the engine backend described by cfg.
func OpenEngine(cfg EngineConfig, log logger.Logger) (kv.Engine, error) {
	dir, err := expandDirName(cfg.Dir)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendInmem:
		return inmem.NewEngine(), nil

	case BackendBoltDB:
		path := cfg.Locator
		if path == "" {
			path = filepath.Join(dir, "pagestore.boltdb")
		}
		db := boltdb.NewDB(path)
		db.NoSync = cfg.NoSync
		if err := db.Open(); err != nil {
			return nil, err
		}
		log.Infof("using boltdb at %s", db.Path())
		return db, nil

	case BackendPebble:
		path := cfg.Locator
		if path == "" {
			path = filepath.Join(dir, "pebble")
		}
		db, err := pebble.Open(path, pebble.Options{NoSync: cfg.NoSync})
		if err != nil {
			return nil, err
		}
		log.Infof("using pebble at %s", db.Path())
		return db, nil

	case BackendEtcd:
		opt := cfg.Etcd
		if cfg.Locator != "" && cfg.Locator != "embed" {
			opt.Endpoints = nil
			for _, ep := range strings.Split(cfg.Locator, ",") {
				if ep = strings.TrimSpace(ep); ep != "" {
					opt.Endpoints = append(opt.Endpoints, ep)
				}
			}
		}
		if len(opt.Endpoints) > 0 && cfg.Locator != "embed" {
			cli, err := etcd.Dial(opt)
			if err != nil {
				return nil, err
			}
			log.Infof("using etcd at %s", strings.Join(opt.Endpoints, ","))
			return etcd.NewEngine(cli, log.WithPrefix("etcd: ")), nil
		}

		if opt.Dir == "" {
			opt.Dir = filepath.Join(dir, "etcd")
		}
		if cfg.NoSync {
			opt.UnsafeNoFsync = true
		}
		m := etcd.NewEmbedded(opt, log.WithPrefix("etcd: "))
		ctx, cancel := context.WithTimeout(context.Background(), etcdStartTimeout)
		defer cancel()
		if err := m.Start(ctx); err != nil {
			return nil, err
		}
		return etcd.NewEmbeddedEngine(m), nil
	}
	return nil, errors.Newf(pagestore.ErrMalformed, "unknown engine backend '%s'", cfg.Backend)
}

// expandDirName expands a leading "~/" to the home directory.
func expandDirName(path string) (string, error) {
	prefix := "~" + string(filepath.Separator)
	if !strings.HasPrefix(path, prefix) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "data directory not specified and no home dir available")
	}
	return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
}

// NewStatsClient creates a stats client from the config.
func NewStatsClient(name string, host string, log logger.Logger) (stats.StatsClient, error) {
	switch name {
	case MetricServicePrometheus:
		return stats.NewPrometheusClient(nil, log), nil
	case MetricServiceStatsd:
		c, err := statsd.NewStatsClient(host, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return stats.NopStatsClient, nil
	}
}
