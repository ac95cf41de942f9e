// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/ctl"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/server"
	"github.com/featurebasedb/pagestore/toml"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustServer starts an in-memory server and returns its address.
func mustServer(t *testing.T) string {
	t.Helper()
	cfg := server.NewConfig()
	cfg.Bind = "localhost:0"
	cfg.Engine.Backend = server.BackendInmem
	cfg.GC.TTL = 0
	cfg.Handler.CloseTimeout = toml.Duration(time.Second)
	m, err := server.NewCommand(nil, &bytes.Buffer{}, &bytes.Buffer{}, server.OptCommandConfig(cfg))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Close() })
	return m.Addr().String()
}

func TestGenerateConfigCommand_Run(t *testing.T) {
	var stdout bytes.Buffer
	cm := ctl.NewGenerateConfigCommand(nil, &stdout, &bytes.Buffer{})
	require.NoError(t, cm.Run(context.Background()))
	out := stdout.String()
	assert.Contains(t, out, `bind = "localhost:7070"`)
	assert.Contains(t, out, "[gc]")
	assert.Contains(t, out, "[engine.etcd]")
	assert.Contains(t, out, "[tracing]")
	assert.Contains(t, out, `sampler-type = "off"`)
	assert.Contains(t, out, "10m0s")
}

func TestConfigCommand_Run(t *testing.T) {
	var stdout bytes.Buffer
	cm := ctl.NewConfigCommand(nil, &stdout, &bytes.Buffer{})
	cm.Config.Engine.Backend = server.BackendPebble
	cm.Config.Faults.Enabled = true
	require.NoError(t, cm.Run(context.Background()))
	assert.Contains(t, stdout.String(), `backend = "pebble"`)
	assert.Contains(t, stdout.String(), "enabled = true")
}

func TestBuildServerFlags(t *testing.T) {
	m, err := server.NewCommand(nil, &bytes.Buffer{}, &bytes.Buffer{})
	require.NoError(t, err)
	cc := &cobra.Command{Use: "server"}
	ctl.BuildServerFlags(cc, m)

	require.NoError(t, cc.Flags().Parse([]string{
		"--bind", "localhost:9999",
		"--engine.backend", "etcd",
		"--engine.locator", "a:2379,b:2379",
		"--cache.max-bytes", "1MB",
		"--gc.ttl", "1h",
		"--commit.lock-ttl", "5s",
		"--faults.drop-probability", "0.25",
		"--handler.allowed-origins", "http://a,http://b",
		"--commit.max-write-pages", "64",
		"--tracing.sampler-type", "const",
		"--tracing.sampler-param", "1",
	}))
	assert.Equal(t, "localhost:9999", m.Config.Bind)
	assert.Equal(t, server.BackendEtcd, m.Config.Engine.Backend)
	assert.Equal(t, "a:2379,b:2379", m.Config.Engine.Locator)
	assert.Equal(t, toml.ByteSize(1<<20), m.Config.Cache.MaxBytes)
	assert.Equal(t, toml.Duration(time.Hour), m.Config.GC.TTL)
	assert.Equal(t, toml.Duration(5*time.Second), m.Config.Commit.LockTTL)
	assert.Equal(t, 0.25, m.Config.Faults.DropProbability)
	assert.Equal(t, []string{"http://a", "http://b"}, m.Config.Handler.AllowedOrigins)
	assert.False(t, m.Config.Faults.Enabled)
	assert.Equal(t, 64, m.Config.Commit.MaxWritePages)
	assert.Equal(t, "const", m.Config.Tracing.SamplerType)
	assert.Equal(t, 1.0, m.Config.Tracing.SamplerParam)
}

func TestNamespaceCommand(t *testing.T) {
	ctx := context.Background()
	host := mustServer(t)

	var stdout bytes.Buffer
	cm := ctl.NewNamespaceCommand(nil, &stdout, &bytes.Buffer{})
	cm.Host = host

	err := cm.RunCreate(ctx)
	assert.True(t, errors.Is(err, pagestore.ErrMalformed), "a name is required: %v", err)

	cm.Name, cm.PageSize = "db", 1024
	require.NoError(t, cm.RunCreate(ctx))
	var ns pagestore.Namespace
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &ns))
	assert.Equal(t, "db", ns.Name)
	assert.Equal(t, 1024, ns.PageSize)

	err = cm.RunCreate(ctx)
	assert.True(t, errors.Is(err, pagestore.ErrNamespaceExists), "got %v", err)

	stdout.Reset()
	require.NoError(t, cm.RunInfo(ctx))
	var info pagestore.NamespaceInfo
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &info))
	assert.Equal(t, uint64(0), info.Version)

	stdout.Reset()
	require.NoError(t, cm.RunList(ctx))
	var nss []*pagestore.Namespace
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &nss))
	require.Len(t, nss, 1)

	require.NoError(t, cm.RunDestroy(ctx))
	err = cm.RunInfo(ctx)
	assert.True(t, errors.Is(err, pagestore.ErrNamespaceNotFound), "got %v", err)
}

func TestMaintenanceCommands(t *testing.T) {
	ctx := context.Background()
	host := mustServer(t)

	nsc := ctl.NewNamespaceCommand(nil, &bytes.Buffer{}, &bytes.Buffer{})
	nsc.Host = host
	for _, name := range []string{"a", "b"} {
		nsc.Name = name
		require.NoError(t, nsc.RunCreate(ctx))
	}

	var stdout bytes.Buffer
	gc := ctl.NewGCCommand(nil, &stdout, &bytes.Buffer{})
	gc.Host = host
	require.NoError(t, gc.Run(ctx))
	var results []pagestore.GCStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Namespace)

	stdout.Reset()
	gc.Namespace = "missing"
	err := gc.Run(ctx)
	assert.True(t, errors.Is(err, pagestore.ErrNamespaceNotFound), "got %v", err)

	stdout.Reset()
	rc := ctl.NewRecoverCommand(nil, &stdout, &bytes.Buffer{})
	rc.Host = host
	rc.Namespace = "b"
	require.NoError(t, rc.Run(ctx))
	assert.JSONEq(t, `{"b": []}`, stdout.String())

	stdout.Reset()
	sc := ctl.NewStatusCommand(nil, &stdout, &bytes.Buffer{})
	sc.Host = host
	require.NoError(t, sc.Run(ctx))
	assert.True(t, strings.Contains(stdout.String(), `"namespaces": 2`), stdout.String())
}
