// Copyright 2021 Molecula Corp. All rights reserved.
package etcd

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/toml"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
)

// Options configures the etcd engine. With Endpoints set the engine dials an
// external cluster; otherwise it starts a single-node embedded server in
// Dir.
type Options struct {
	Endpoints   []string      `toml:"endpoints"`
	DialTimeout toml.Duration `toml:"dial-timeout"`

	Name        string `toml:"name"`
	Dir         string `toml:"dir"`
	LClientURL  string `toml:"listen-client-url"`
	AClientURL  string `toml:"advertise-client-url"`
	LPeerURL    string `toml:"listen-peer-url"`
	APeerURL    string `toml:"advertise-peer-url"`
	ClusterName string `toml:"cluster-name"`

	// TLS provided tls files
	TrustedCAFile  string `toml:"tls-trusted-cafile"`
	ClientCertFile string `toml:"tls-cert-file"`
	ClientKeyFile  string `toml:"tls-key-file"`
	PeerCertFile   string `toml:"tls-peer-cert-file"`
	PeerKeyFile    string `toml:"tls-peer-key-file"`

	UnsafeNoFsync bool `toml:"no-fsync"`
}

const (
	defaultMaxTxnOps       = 8192
	defaultMaxRequestBytes = 32 << 20
)

func (o Options) clientTLS() transport.TLSInfo {
	return transport.TLSInfo{
		TrustedCAFile: o.TrustedCAFile,
		CertFile:      o.ClientCertFile,
		KeyFile:       o.ClientKeyFile,
	}
}

func parseURLs(s string) ([]url.URL, error) {
	var out []url.URL
	for _, part := range strings.Split(s, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing url %q", part)
		}
		out = append(out, *u)
	}
	return out, nil
}

// parseOptions converts the options for an embedded server into an
// embed.Config.
func (o Options) parseOptions() (*embed.Config, error) {
	cfg := embed.NewConfig()
	cfg.LogLevel = "error"
	cfg.Logger = "zap"
	if o.Name != "" {
		cfg.Name = o.Name
	}
	cfg.Dir = o.Dir
	if o.ClusterName != "" {
		cfg.InitialClusterToken = o.ClusterName
	}
	cfg.UnsafeNoFsync = o.UnsafeNoFsync
	cfg.MaxTxnOps = defaultMaxTxnOps
	cfg.MaxRequestBytes = defaultMaxRequestBytes

	var err error
	if o.LClientURL != "" {
		if cfg.LCUrls, err = parseURLs(o.LClientURL); err != nil {
			return nil, err
		}
		cfg.ACUrls = cfg.LCUrls
	}
	if o.AClientURL != "" {
		if cfg.ACUrls, err = parseURLs(o.AClientURL); err != nil {
			return nil, err
		}
	}
	if o.LPeerURL != "" {
		if cfg.LPUrls, err = parseURLs(o.LPeerURL); err != nil {
			return nil, err
		}
		cfg.APUrls = cfg.LPUrls
	}
	if o.APeerURL != "" {
		if cfg.APUrls, err = parseURLs(o.APeerURL); err != nil {
			return nil, err
		}
	}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	cfg.ClientTLSInfo = o.clientTLS()
	cfg.PeerTLSInfo = transport.TLSInfo{
		TrustedCAFile: o.TrustedCAFile,
		CertFile:      o.PeerCertFile,
		KeyFile:       o.PeerKeyFile,
	}
	return cfg, cfg.Validate()
}

// Embedded is a single-node etcd server running inside the process.
type Embedded struct {
	options Options
	logger  logger.Logger

	mu  sync.Mutex
	e   *embed.Etcd
	cli *clientv3.Client
}

func NewEmbedded(opt Options, log logger.Logger) *Embedded {
	if log == nil {
		log = logger.NopLogger
	}
	return &Embedded{options: opt, logger: log}
}

// Start starts the server and waits until it is ready to serve.
func (m *Embedded) Start(ctx context.Context) (err error) {
	cfg, err := m.options.parseOptions()
	if err != nil {
		return errors.Wrap(err, "parsing etcd options")
	}

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		return errors.Wrap(err, "starting etcd")
	}
	// If we are returning an error, the caller won't be shutting us down
	// later, so we have to stop the server ourselves.
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-e.Err():
		return errors.Wrap(err, "etcd failed to start")
	case <-e.Server.ReadyNotify():
	}

	m.mu.Lock()
	m.e = e
	m.cli = v3client.New(e.Server)
	m.mu.Unlock()
	m.logger.Infof("embedded etcd ready in %s", cfg.Dir)
	return nil
}

// Client returns the in-process client. It is nil before Start.
func (m *Embedded) Client() *clientv3.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cli
}

// reconnect replaces cli with a new in-process client, unless another
// caller already did.
func (m *Embedded) reconnect(cli *clientv3.Client) *clientv3.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cli != m.cli || m.e == nil {
		return m.cli
	}
	_ = cli.Close()
	m.cli = v3client.New(m.e.Server)
	return m.cli
}

// Close implements io.Closer
func (m *Embedded) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cli != nil {
		m.cli.Close()
		m.cli = nil
	}
	if m.e != nil {
		m.e.Close()
		<-m.e.Server.StopNotify()
		m.e = nil
	}
	return nil
}

// Dial connects to an external etcd cluster.
func Dial(opt Options) (*clientv3.Client, error) {
	if len(opt.Endpoints) == 0 {
		return nil, errors.New(errors.ErrUncoded, "etcd: no endpoints")
	}
	timeout := time.Duration(opt.DialTimeout)
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	cfg := clientv3.Config{
		Endpoints:   opt.Endpoints,
		DialTimeout: timeout,
	}
	if opt.TrustedCAFile != "" || opt.ClientCertFile != "" {
		tlsConfig, err := opt.clientTLS().ClientConfig()
		if err != nil {
			return nil, errors.Wrap(err, "etcd: client tls")
		}
		cfg.TLS = tlsConfig
	}
	cli, err := clientv3.New(cfg)
	return cli, errors.Wrap(err, "etcd: dialing")
}
