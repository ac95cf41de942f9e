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

package server_test

import (
	"bytes"
	"context"
	"io"
	gohttp "net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/http"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/server"
	"github.com/featurebasedb/pagestore/test"
	"github.com/featurebasedb/pagestore/toml"
	"github.com/featurebasedb/pagestore/wire"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a configuration listening on a free local port with
// data under a temporary directory.
func testConfig(t *testing.T, backend string) *server.Config {
	cfg := server.NewConfig()
	cfg.Bind = "localhost:0"
	cfg.Engine.Backend = backend
	cfg.Engine.Dir = t.TempDir()
	cfg.Engine.NoSync = true
	cfg.Namespace.PageSize = test.PageSize
	cfg.Handler.CloseTimeout = toml.Duration(time.Second)
	return cfg
}

func wireCommit(page uint32, tag string) wire.CommitRequest {
	return wire.CommitRequest{WriteSet: []pagestore.PageWrite{{Page: page, Data: test.Page(tag)}}}
}

func mustStart(t *testing.T, cfg *server.Config, opts ...server.CommandOption) *server.Command {
	t.Helper()
	var stderr bytes.Buffer
	m, err := server.NewCommand(nil, &bytes.Buffer{}, &stderr, append([]server.CommandOption{server.OptCommandConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestConfig_Validate(t *testing.T) {
	cfg := server.NewConfig()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Faults.Enabled, "fault injection is off by default")
	assert.Equal(t, server.BackendBoltDB, cfg.Engine.Backend)

	for name, mod := range map[string]func(c *server.Config){
		"backend":     func(c *server.Config) { c.Engine.Backend = "sqlite" },
		"bind":        func(c *server.Config) { c.Bind = "" },
		"compression": func(c *server.Config) { c.Wire.Compression = "gzip" },
		"metric":      func(c *server.Config) { c.Metric.Service = "expvar" },
		"probability": func(c *server.Config) { c.Faults.DropProbability = 1.5 },
		"page-size":   func(c *server.Config) { c.Namespace.PageSize = 1000 },
		"sampler":     func(c *server.Config) { c.Tracing.SamplerType = "always" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := server.NewConfig()
			mod(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, pagestore.ErrMalformed), "got %v", err)
		})
	}

	if diff := cmp.Diff(pagestore.NewConfig(), server.NewConfig().Store()); diff != "" {
		t.Errorf("store config mismatch (-want +got):\n%s", diff)
	}
}

func TestCommand(t *testing.T) {
	for _, backend := range []string{server.BackendInmem, server.BackendBoltDB, server.BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			m := mustStart(t, testConfig(t, backend))
			require.NotNil(t, m.Addr())

			c, err := http.NewClient(m.URL())
			require.NoError(t, err)
			_, err = c.CreateNamespace(ctx, "db", 0)
			require.NoError(t, err)

			tx, err := c.Begin(ctx, "db")
			require.NoError(t, err)
			require.NoError(t, tx.Write(2, test.Page("served")))
			v, err := tx.Commit(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v)

			pr, _, err := c.ReadPage(ctx, "db", 2, pagestore.LatestVersion)
			require.NoError(t, err)
			assert.Equal(t, test.Page("served"), pr.Data)

			st, err := c.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, st.Namespaces)

			require.NoError(t, m.Close())
			require.NoError(t, m.Close(), "closing twice is a no-op")
			require.NoError(t, m.Wait(), "Wait returns once closed")
		})
	}
}

func TestCommand_Reopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, server.BackendBoltDB)
	cfg.LogPath = filepath.Join(t.TempDir(), "pagestore.log")

	m := mustStart(t, cfg)
	c, err := http.NewClient(m.URL())
	require.NoError(t, err)
	_, err = c.CreateNamespace(ctx, "db", 0)
	require.NoError(t, err)
	_, err = c.Commit(ctx, "db", wireCommit(0, "durable"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	cfg.Bind = "localhost:0"
	m = mustStart(t, cfg)
	c, err = http.NewClient(m.URL())
	require.NoError(t, err)
	pr, _, err := c.ReadPage(ctx, "db", 0, pagestore.LatestVersion)
	require.NoError(t, err)
	assert.Equal(t, test.Page("durable"), pr.Data)
	assert.Equal(t, uint64(1), pr.Version)
	require.NoError(t, m.Close())

	log, err := os.ReadFile(cfg.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "listening as http://")
}

func TestCommand_Faults(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, server.BackendInmem)
	cfg.Faults.Enabled = true
	cfg.Faults.DropProbability = 1
	m := mustStart(t, cfg)

	c, err := http.NewClient(m.URL(), http.OptClientRetry(0, time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	_, err = c.CreateNamespace(ctx, "db", 0)
	require.True(t, errors.Is(err, pagestore.ErrUnavailable), "got %v", err)
}

func TestCommand_StartError(t *testing.T) {
	cfg := testConfig(t, server.BackendInmem)
	cfg.Bind = "localhost:-1"
	m, err := server.NewCommand(nil, &bytes.Buffer{}, &bytes.Buffer{}, server.OptCommandConfig(cfg))
	require.NoError(t, err)
	require.Error(t, m.Start())
	require.NoError(t, m.Close())
}

func TestOpenEngine(t *testing.T) {
	cfg := server.NewConfig().Engine
	cfg.Backend = server.BackendPebble
	cfg.Locator = filepath.Join(t.TempDir(), "data")
	e, err := server.OpenEngine(cfg, logger.NewLogfLogger(t))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	cfg.Backend = "lmdb"
	_, err = server.OpenEngine(cfg, logger.NewLogfLogger(t))
	assert.True(t, errors.Is(err, pagestore.ErrMalformed), "got %v", err)
}

func TestCommand_Metrics(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, server.BackendInmem)
	cfg.Metric.Service = server.MetricServicePrometheus
	m := mustStart(t, cfg)

	c, err := http.NewClient(m.URL())
	require.NoError(t, err)
	_, err = c.CreateNamespace(ctx, "db", 0)
	require.NoError(t, err)
	_, err = c.Commit(ctx, "db", wireCommit(0, "counted"))
	require.NoError(t, err)

	resp, err := gohttp.Get(m.URL() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, gohttp.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), pagestore.MetricCommit)
}
