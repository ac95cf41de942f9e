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

package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/tracing"
	"github.com/featurebasedb/pagestore/wire"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to a page store server. Requests failing with a transient
// error are retried. Every mutating request is safe to retry: commits and
// multi-phase steps are identified by their commit id.
type Client struct {
	base        *url.URL
	client      *retryablehttp.Client
	logger      logger.Logger
	compression wire.Compression

	maxTxnAttempts int
	txnBackoffMin  time.Duration
	txnBackoffMax  time.Duration
}

// clientOption is a functional option type for Client.
type clientOption func(c *Client) error

func OptClientLogger(l logger.Logger) clientOption {
	return func(c *Client) error {
		c.logger = l
		c.client.Logger = leveledLogger{l}
		return nil
	}
}

// OptClientHTTPClient sets the underlying HTTP client.
func OptClientHTTPClient(hc *http.Client) clientOption {
	return func(c *Client) error {
		c.client.HTTPClient = hc
		return nil
	}
}

// OptClientRetry sets how often and how patiently transient failures of a
// single request are retried.
func OptClientRetry(max int, waitMin, waitMax time.Duration) clientOption {
	return func(c *Client) error {
		c.client.RetryMax = max
		c.client.RetryWaitMin = waitMin
		c.client.RetryWaitMax = waitMax
		return nil
	}
}

// OptClientCompression requests compressed page payloads.
func OptClientCompression(comp wire.Compression) clientOption {
	return func(c *Client) error {
		c.compression = comp
		return nil
	}
}

// OptClientTxnRetry bounds how often Run restarts a conflicting
// transaction, and the backoff between attempts.
func OptClientTxnRetry(attempts int, min, max time.Duration) clientOption {
	return func(c *Client) error {
		if attempts < 1 {
			return errors.Newf(pagestore.ErrMalformed, "transaction attempts must be positive, got %d", attempts)
		}
		c.maxTxnAttempts, c.txnBackoffMin, c.txnBackoffMax = attempts, min, max
		return nil
	}
}

// NewClient returns a client of the server at address, given as host:port
// or as a URL.
func NewClient(address string, opts ...clientOption) (*Client, error) {
	if address == "" {
		return nil, errors.New(pagestore.ErrMalformed, "address required")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrap(err, "parsing address")
	}

	rc := retryablehttp.NewClient()
	rc.Logger = leveledLogger{logger.NopLogger}
	rc.RetryMax = 4
	rc.RetryWaitMin = 50 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		base:           u,
		client:         rc,
		logger:         logger.NopLogger,
		compression:    wire.CompressionNone,
		maxTxnAttempts: 10,
		txnBackoffMin:  10 * time.Millisecond,
		txnBackoffMax:  time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	return c, nil
}

// leveledLogger adapts a logger.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.Errorf("%s", formatKV(msg, kv)) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.Infof("%s", formatKV(msg, kv)) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.Debugf("%s", formatKV(msg, kv)) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.Warnf("%s", formatKV(msg, kv)) }

func formatKV(msg string, kv []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func namespacePath(ns string, parts ...string) string {
	p := "/namespace/" + url.PathEscape(ns)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// do sends a request with an optional JSON body. Non-2xx responses are
// returned as the coded error carried by their body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, header http.Header) (*http.Response, error) {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return nil, errors.Wrap(err, "marshalling request")
		}
	}
	req, err := retryablehttp.NewRequest(method, c.url(path, query), raw)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req = req.WithContext(ctx)
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, application/octet-stream")
	req.Header.Set("User-Agent", "pagestore/"+pagestore.Version)
	tracing.GlobalTracer.InjectHTTPHeaders(req.Request)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Newf(pagestore.ErrUnavailable, "%s %s: %v", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, errors.WithMessagef(errors.UnmarshalJSON(resp.Body), "%s %s: %s", method, path, resp.Status)
	}
	return resp, nil
}

// doJSON sends a request and decodes the JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, nil, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

// CreateNamespace creates a namespace. A zero page size uses the server's
// default.
func (c *Client) CreateNamespace(ctx context.Context, name string, pageSize int) (*pagestore.Namespace, error) {
	var ns pagestore.Namespace
	err := c.doJSON(ctx, "POST", namespacePath(name), wire.CreateNamespaceRequest{PageSize: pageSize}, &ns)
	return &ns, err
}

func (c *Client) DestroyNamespace(ctx context.Context, name string) error {
	return c.doJSON(ctx, "DELETE", namespacePath(name), nil, nil)
}

func (c *Client) Namespaces(ctx context.Context) ([]*pagestore.Namespace, error) {
	var rsp wire.NamespacesResponse
	err := c.doJSON(ctx, "GET", "/namespace", nil, &rsp)
	return rsp.Namespaces, err
}

func (c *Client) NamespaceInfo(ctx context.Context, name string) (*pagestore.NamespaceInfo, error) {
	var info pagestore.NamespaceInfo
	if err := c.doJSON(ctx, "GET", namespacePath(name), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Version returns the current version of a namespace.
func (c *Client) Version(ctx context.Context, name string) (uint64, error) {
	var rsp wire.VersionResponse
	err := c.doJSON(ctx, "GET", namespacePath(name, "version"), nil, &rsp)
	return rsp.Version, err
}

// ReadPage reads a page at version, which may be pagestore.LatestVersion.
// It returns the page and the snapshot version the read was served at.
func (c *Client) ReadPage(ctx context.Context, name string, page uint32, version uint64) (pagestore.PageRead, uint64, error) {
	query := url.Values{"version": []string{wire.Latest}}
	if version != pagestore.LatestVersion {
		query.Set("version", strconv.FormatUint(version, 10))
	}
	var header http.Header
	if c.compression != wire.CompressionNone {
		header = http.Header{"Accept-Encoding": []string{string(c.compression)}}
	}

	pr := pagestore.PageRead{Page: page}
	resp, err := c.do(ctx, "GET", namespacePath(name, "page", strconv.FormatUint(uint64(page), 10)), query, nil, header)
	if err != nil {
		return pr, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pr, 0, errors.Newf(pagestore.ErrUnavailable, "reading page: %v", err)
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		comp, err := wire.ParseCompression(enc)
		if err != nil {
			return pr, 0, err
		}
		if data, err = wire.Decompress(comp, data); err != nil {
			return pr, 0, err
		}
	}
	pr.Data = data
	if pr.Version, err = strconv.ParseUint(resp.Header.Get(wire.HeaderPageVersion), 10, 64); err != nil {
		return pr, 0, errors.Wrap(err, "parsing page version")
	}
	snapshot, err := strconv.ParseUint(resp.Header.Get(wire.HeaderSnapshotVersion), 10, 64)
	if err != nil {
		return pr, 0, errors.Wrap(err, "parsing snapshot version")
	}
	return pr, snapshot, nil
}

// Commit submits a complete transaction. A zero commit id is replaced by a
// random one before the first attempt.
func (c *Client) Commit(ctx context.Context, name string, req wire.CommitRequest) (uint64, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.Commit")
	defer span.Finish()

	if req.CommitID == uuid.Nil {
		req.CommitID = uuid.New()
	}
	var rsp wire.CommitResponse
	err := c.doJSON(ctx, "POST", namespacePath(name, "commit"), req, &rsp)
	return rsp.Version, err
}

func (c *Client) BeginMultiPhase(ctx context.Context, name string, req wire.MultiPhaseRequest) (*pagestore.MultiPhaseCommit, error) {
	if req.CommitID == uuid.Nil {
		req.CommitID = uuid.New()
	}
	var m pagestore.MultiPhaseCommit
	if err := c.doJSON(ctx, "POST", namespacePath(name, "multiphase"), req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) StagePhase(ctx context.Context, name string, commitID uuid.UUID, phase int, pages []pagestore.PageWrite) error {
	path := namespacePath(name, "multiphase", commitID.String(), "phase", strconv.Itoa(phase))
	return c.doJSON(ctx, "POST", path, wire.StagePhaseRequest{Pages: pages}, nil)
}

func (c *Client) FinalizeMultiPhase(ctx context.Context, name string, commitID uuid.UUID) (uint64, error) {
	var rsp wire.CommitResponse
	err := c.doJSON(ctx, "POST", namespacePath(name, "multiphase", commitID.String(), "finalize"), nil, &rsp)
	return rsp.Version, err
}

func (c *Client) AbortMultiPhase(ctx context.Context, name string, commitID uuid.UUID) error {
	return c.doJSON(ctx, "DELETE", namespacePath(name, "multiphase", commitID.String()), nil, nil)
}

func (c *Client) MultiPhaseCommits(ctx context.Context, name string) ([]*pagestore.MultiPhaseCommit, error) {
	var markers []*pagestore.MultiPhaseCommit
	err := c.doJSON(ctx, "GET", namespacePath(name, "multiphase"), nil, &markers)
	return markers, err
}

// Recover resolves multi-phase commits whose lease expired.
func (c *Client) Recover(ctx context.Context, name string) ([]pagestore.Recovery, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.Recover")
	defer span.Finish()

	var rsp wire.RecoverResponse
	err := c.doJSON(ctx, "POST", namespacePath(name, "recover"), nil, &rsp)
	return rsp.Recovered, err
}

// CollectGarbage runs one collection pass over a namespace.
func (c *Client) CollectGarbage(ctx context.Context, name string) (pagestore.GCStats, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.CollectGarbage")
	defer span.Finish()

	var st pagestore.GCStats
	err := c.doJSON(ctx, "POST", namespacePath(name, "gc"), nil, &st)
	return st, err
}

func (c *Client) Status(ctx context.Context) (*wire.StatusResponse, error) {
	var st wire.StatusResponse
	if err := c.doJSON(ctx, "GET", "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Txn is a transaction run against a server. It buffers writes locally and
// submits them in one commit. Its snapshot is not pinned on the server, so
// it must finish within the server's GC TTL or reads fail with
// RetentionExpired.
type Txn struct {
	c        *Client
	ns       string
	commitID uuid.UUID
	base     uint64
	done     bool

	reads  map[uint32]uint64
	writes map[uint32][]byte
}

// Begin starts a transaction at the current version of a namespace.
func (c *Client) Begin(ctx context.Context, ns string) (*Txn, error) {
	v, err := c.Version(ctx, ns)
	if err != nil {
		return nil, err
	}
	return &Txn{
		c:        c,
		ns:       ns,
		commitID: uuid.New(),
		base:     v,
		reads:    make(map[uint32]uint64),
		writes:   make(map[uint32][]byte),
	}, nil
}

// BaseVersion returns the snapshot version the transaction reads at.
func (t *Txn) BaseVersion() uint64 { return t.base }

// Read returns the contents of page as of the base version, or the
// transaction's own write.
func (t *Txn) Read(ctx context.Context, page uint32) ([]byte, error) {
	if t.done {
		return nil, errors.New(pagestore.ErrAborted, "transaction is finished")
	}
	if data, ok := t.writes[page]; ok {
		return append([]byte(nil), data...), nil
	}
	pr, _, err := t.c.ReadPage(ctx, t.ns, page, t.base)
	if err != nil {
		return nil, err
	}
	t.reads[page] = t.base
	return pr.Data, nil
}

// Write buffers new contents for page. The server validates the size.
func (t *Txn) Write(page uint32, data []byte) error {
	if t.done {
		return errors.New(pagestore.ErrAborted, "transaction is finished")
	}
	t.writes[page] = append([]byte(nil), data...)
	return nil
}

// Commit submits the transaction and returns its version.
func (t *Txn) Commit(ctx context.Context) (uint64, error) {
	if t.done {
		return 0, errors.New(pagestore.ErrAborted, "transaction is finished")
	}
	t.done = true
	req := wire.CommitRequest{CommitID: t.commitID, BaseVersion: t.base}
	for p, v := range t.reads {
		req.ReadSet = append(req.ReadSet, pagestore.ReadEntry{Page: p, Version: v})
	}
	for p, data := range t.writes {
		req.WriteSet = append(req.WriteSet, pagestore.PageWrite{Page: p, Data: data})
	}
	return t.c.Commit(ctx, t.ns, req)
}

// Run runs fn in a new transaction and commits it. When the commit
// conflicts, the whole transaction is run again at a newer snapshot after
// a jittered exponential backoff. Other errors, including those returned
// by fn, are returned at once.
func (c *Client) Run(ctx context.Context, ns string, fn func(tx *Txn) error) (uint64, error) {
	var err error
	for attempt := 0; attempt < c.maxTxnAttempts; attempt++ {
		if attempt > 0 {
			d := retryablehttp.DefaultBackoff(c.txnBackoffMin, c.txnBackoffMax, attempt-1, nil)
			d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
			c.logger.Debugf("transaction on %s conflicted, retrying in %s", ns, d)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(d):
			}
		}

		var tx *Txn
		if tx, err = c.Begin(ctx, ns); err != nil {
			return 0, err
		}
		if err = fn(tx); err != nil {
			return 0, err
		}
		var v uint64
		if v, err = tx.Commit(ctx); err == nil {
			return v, nil
		} else if !errors.Is(err, pagestore.ErrConflict) {
			return 0, err
		}
	}
	return 0, errors.WithMessagef(err, "giving up after %d attempts", c.maxTxnAttempts)
}
