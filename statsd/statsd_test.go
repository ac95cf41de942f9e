// Copyright 2021 Molecula Corp. All rights reserved.
package statsd_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/statsd"
)

func TestStatsClient_WithTags(t *testing.T) {
	c, err := statsd.NewStatsClient("localhost:19444", logger.NewLogfLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c1 := c.WithTags("ns:foo", "engine:bolt")
	if tags := c1.Tags(); !reflect.DeepEqual(tags, []string{"engine:bolt", "ns:foo"}) {
		t.Fatalf("unexpected tags: %+v", tags)
	}

	c2 := c1.WithTags("engine:bolt", "phase:gc")
	if tags := c2.Tags(); !reflect.DeepEqual(tags, []string{"engine:bolt", "ns:foo", "phase:gc"}) {
		t.Fatalf("unexpected tags: %+v", tags)
	}
}

func TestStatsClient_Methods(t *testing.T) {
	c, err := statsd.NewStatsClient("localhost:19444", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Count("commits_total", 1, 1.0)
	c.Gauge("version", 10, 1.0)
	c.Histogram("commit_pages", 1, 1.0)
	c.Timing("commit_duration_seconds", 123*time.Microsecond, 1.0)
}
