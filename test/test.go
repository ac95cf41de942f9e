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

// Package test contains helpers shared by the tests of several packages.
package test

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/boltdb"
	"github.com/featurebasedb/pagestore/inmem"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/pebble"
)

// PageSize is the page size used by test namespaces.
const PageSize = pagestore.MinPageSize

// Engine names a constructor of empty engines.
type Engine struct {
	Name string
	New  func(tb testing.TB) kv.Engine
}

// Engines returns the embedded engines the store is tested against.
func Engines() []Engine {
	return []Engine{
		{Name: "inmem", New: func(tb testing.TB) kv.Engine {
			return inmem.NewEngine()
		}},
		{Name: "boltdb", New: func(tb testing.TB) kv.Engine {
			db := boltdb.NewDB("file:" + filepath.Join(tb.TempDir(), "pagestore.boltdb"))
			db.NoSync = true
			if err := db.Open(); err != nil {
				tb.Fatalf("opening boltdb: %v", err)
			}
			tb.Cleanup(func() { db.Close() })
			return db
		}},
		{Name: "pebble", New: func(tb testing.TB) kv.Engine {
			db, err := pebble.Open("mem", pebble.Options{InMemory: true, NoSync: true})
			if err != nil {
				tb.Fatalf("opening pebble: %v", err)
			}
			tb.Cleanup(func() { db.Close() })
			return db
		}},
	}
}

// Config returns a store configuration suited to tests: small pages and
// batches, so multi-phase commits and batched collection are exercised
// with little data.
func Config() pagestore.Config {
	cfg := pagestore.NewConfig()
	cfg.Namespace.PageSize = PageSize
	cfg.Commit.MultiPhaseThreshold = 8
	cfg.Commit.PhaseSize = 4
	cfg.GC.BatchSize = 4
	cfg.GC.MaxBatchesPerSecond = 0
	return cfg
}

// MustNewStore returns a store over e which logs to tb. Options are
// applied after the test configuration.
func MustNewStore(tb testing.TB, e kv.Engine, opts ...pagestore.StoreOption) *pagestore.Store {
	tb.Helper()
	opts = append([]pagestore.StoreOption{
		pagestore.OptStoreConfig(Config()),
		pagestore.OptStoreLogger(logger.NewLogfLogger(tb)),
	}, opts...)
	s, err := pagestore.NewStore(e, opts...)
	if err != nil {
		tb.Fatalf("creating store: %v", err)
	}
	return s
}

// Page returns a test page filled with repetitions of s.
func Page(s string) []byte {
	if s == "" {
		return make([]byte, PageSize)
	}
	return bytes.Repeat([]byte(s), PageSize/len(s)+1)[:PageSize]
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at a fixed time.
func NewClock() *Clock {
	return &Clock{now: time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
