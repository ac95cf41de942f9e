package etcd

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/logger"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/etcdserver"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ensure type implements interface.
var _ kv.Engine = (*Engine)(nil)

// etcdRetryTimes bounds retries of reads which fail because of a leader
// change or a server-side timeout.
const etcdRetryTimes = 3

// scanPageSize is the number of keys fetched per range request.
const scanPageSize = 512

// allKeys is the range end meaning "every key >= begin".
const allKeys = "\x00"

// Engine implements kv.Engine with optimistic etcd transactions. All reads
// of a transaction are served at one revision; at commit the transaction
// asserts that nothing it read was modified after that revision.
type Engine struct {
	client    func() *clientv3.Client
	reconnect func(*clientv3.Client) *clientv3.Client
	closer    func() error
	logger    logger.Logger
}

// NewEngine returns an engine using an external client. The engine closes
// the client on Close.
func NewEngine(cli *clientv3.Client, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NopLogger
	}
	return &Engine{
		client:    func() *clientv3.Client { return cli },
		reconnect: func(c *clientv3.Client) *clientv3.Client { return c },
		closer:    cli.Close,
		logger:    log,
	}
}

// NewEmbeddedEngine returns an engine using a started embedded server. The
// engine stops the server on Close.
func NewEmbeddedEngine(m *Embedded) *Engine {
	return &Engine{
		client:    m.Client,
		reconnect: m.reconnect,
		closer:    m.Close,
		logger:    m.logger,
	}
}

func (e *Engine) Close() error {
	return e.closer()
}

// retryClient runs fn, retrying when it fails because of a leader change or
// a timeout the server reports. Only idempotent reads go through here.
func (e *Engine) retryClient(ctx context.Context, fn func(cli *clientv3.Client) error) (err error) {
	cli := e.client()
	if cli == nil {
		return kv.NewErrClosed()
	}
	for tries := 0; tries < etcdRetryTimes; tries++ {
		start := time.Now()
		err = fn(cli)
		if err == nil {
			return nil
		}
		switch {
		case isLeaderChange(err):
			cli = e.reconnect(cli)
		case isTimeout(err):
			e.logger.Warnf("timeout (%v elapsed) on etcd read (try %d)", time.Since(start), tries+1)
			select {
			case <-ctx.Done():
				return kv.NewErrUnavailable(ctx.Err())
			case <-time.After(100 * time.Millisecond):
			}
		default:
			return translate(err)
		}
	}
	return kv.NewErrUnavailable(errors.Wrap(err, "exhausted all retries"))
}

func isLeaderChange(err error) bool {
	return err == etcdserver.ErrLeaderChanged || err == rpctypes.ErrLeaderChanged ||
		strings.Contains(err.Error(), "etcdserver: leader changed")
}

func isTimeout(err error) bool {
	switch err {
	case etcdserver.ErrTimeout, etcdserver.ErrTimeoutDueToLeaderFail,
		etcdserver.ErrTimeoutDueToConnectionLost, etcdserver.ErrTimeoutLeaderTransfer,
		rpctypes.ErrTimeout, rpctypes.ErrTimeoutDueToLeaderFail, rpctypes.ErrTimeoutDueToConnectionLost:
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "etcdserver: request timed out") ||
		strings.Contains(msg, "context deadline exceeded")
}

// translate maps client failures to kv error codes. Anything which might
// mean the request reached the server is reported as ErrUnavailable, since
// the caller cannot know whether it was applied.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if err == context.Canceled || err == context.DeadlineExceeded || isTimeout(err) || isLeaderChange(err) {
		return kv.NewErrUnavailable(err)
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Aborted:
			return kv.NewErrUnavailable(err)
		}
	}
	if err == rpctypes.ErrGRPCNoLeader || err == rpctypes.ErrNoLeader {
		return kv.NewErrUnavailable(err)
	}
	return errors.Wrap(err, "etcd")
}

func (e *Engine) View(ctx context.Context, fn func(kv.Reader) error) error {
	return fn(e.newTxn(ctx, false))
}

func (e *Engine) Update(ctx context.Context, fn func(kv.Txn) error) error {
	tx := e.newTxn(ctx, true)
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}

	cli := e.client()
	if cli == nil {
		return kv.NewErrClosed()
	}
	resp, err := cli.Txn(ctx).If(tx.compares()...).Then(tx.ops()...).Commit()
	if err != nil {
		return translate(err)
	}
	if !resp.Succeeded {
		return kv.NewErrTxnConflict("read set modified after revision")
	}
	return nil
}

func (e *Engine) newTxn(ctx context.Context, writable bool) *txn {
	return &txn{
		ctx:      ctx,
		e:        e,
		writable: writable,
		writes:   make(map[string]*[]byte),
		points:   make(map[string]bool),
	}
}

// txn buffers writes locally and records what it read so the commit can
// be made conditional on it.
type txn struct {
	ctx      context.Context
	e        *Engine
	writable bool

	rev int64 // read revision, zero until the first remote read

	writes map[string]*[]byte // nil value marks a deletion
	points map[string]bool    // key read -> existed at rev
	ranges []keyRange
}

type keyRange struct {
	begin, end string
}

func (tx *txn) get(opts ...clientv3.OpOption) func(key string) (*clientv3.GetResponse, error) {
	return func(key string) (resp *clientv3.GetResponse, err error) {
		if tx.rev != 0 {
			opts = append(opts, clientv3.WithRev(tx.rev))
		}
		err = tx.e.retryClient(tx.ctx, func(cli *clientv3.Client) (err error) {
			resp, err = cli.Get(tx.ctx, key, opts...)
			return err
		})
		if err != nil {
			return nil, err
		}
		if tx.rev == 0 {
			tx.rev = resp.Header.Revision
		}
		return resp, nil
	}
}

func (tx *txn) Get(key []byte) ([]byte, error) {
	if v, ok := tx.writes[string(key)]; ok {
		if v == nil {
			return nil, nil
		}
		return kv.Clone(*v), nil
	}
	resp, err := tx.get()(string(key))
	if err != nil {
		return nil, err
	}
	tx.points[string(key)] = len(resp.Kvs) > 0
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return kv.Clone(resp.Kvs[0].Value), nil
}

func rangeEnd(end []byte) string {
	if end == nil {
		return allKeys
	}
	return string(end)
}

// overlay returns the buffered writes in [begin, end) in ascending order,
// and the number of deletions among them.
func (tx *txn) overlay(begin, end []byte) (keys []string, deletes int) {
	for k, v := range tx.writes {
		if kv.InRange([]byte(k), begin, end) {
			keys = append(keys, k)
			if v == nil {
				deletes++
			}
		}
	}
	sort.Strings(keys)
	return keys, deletes
}

// merge combines remote pairs with the buffered writes. remote must be
// sorted in the requested direction.
func (tx *txn) merge(remote []kv.KeyValue, local []string, reverse bool, limit int) []kv.KeyValue {
	byKey := make(map[string][]byte, len(remote)+len(local))
	order := make([]string, 0, len(remote)+len(local))
	for _, p := range remote {
		byKey[string(p.Key)] = p.Value
		order = append(order, string(p.Key))
	}
	for _, k := range local {
		v := tx.writes[k]
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		if v == nil {
			byKey[k] = nil
		} else {
			byKey[k] = *v
		}
	}
	sort.Strings(order)
	if reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	var out []kv.KeyValue
	for _, k := range order {
		v := byKey[k]
		if v == nil {
			continue
		}
		out = append(out, kv.KeyValue{Key: []byte(k), Value: kv.Clone(v)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (tx *txn) scan(begin, end []byte, limit int, reverse bool) ([]kv.KeyValue, error) {
	local, deletes := tx.overlay(begin, end)

	// Buffered deletions may hide remote keys, so fetch enough extra that
	// limit keys survive.
	fetch := 0
	if limit > 0 {
		fetch = limit + deletes
	}

	order := clientv3.SortAscend
	if reverse {
		order = clientv3.SortDescend
	}
	var remote []kv.KeyValue
	lo, hi := string(begin), rangeEnd(end)
	for {
		n := scanPageSize
		if fetch > 0 && fetch-len(remote) < n {
			n = fetch - len(remote)
		}
		resp, err := tx.get(
			clientv3.WithRange(hi),
			clientv3.WithLimit(int64(n)),
			clientv3.WithSort(clientv3.SortByKey, order),
		)(lo)
		if err != nil {
			return nil, err
		}
		for _, p := range resp.Kvs {
			remote = append(remote, kv.KeyValue{Key: p.Key, Value: p.Value})
		}
		if !resp.More || len(resp.Kvs) == 0 || (fetch > 0 && len(remote) >= fetch) {
			break
		}
		last := string(resp.Kvs[len(resp.Kvs)-1].Key)
		if reverse {
			hi = last
		} else {
			lo = last + "\x00"
		}
	}

	out := tx.merge(remote, local, reverse, limit)
	tx.recordRange(begin, end, out, limit, reverse)
	return out, nil
}

// recordRange remembers the part of [begin, end) the scan depended on. When
// the scan stopped at its limit only the keys up to the last returned one
// matter.
func (tx *txn) recordRange(begin, end []byte, out []kv.KeyValue, limit int, reverse bool) {
	r := keyRange{begin: string(begin), end: rangeEnd(end)}
	if limit > 0 && len(out) == limit {
		last := string(out[len(out)-1].Key)
		if reverse {
			r.begin = last
		} else {
			r.end = last + "\x00"
		}
	}
	tx.ranges = append(tx.ranges, r)
}

func (tx *txn) Scan(begin, end []byte, limit int) ([]kv.KeyValue, error) {
	return tx.scan(begin, end, limit, false)
}

func (tx *txn) ReverseScan(begin, end []byte, limit int) ([]kv.KeyValue, error) {
	return tx.scan(begin, end, limit, true)
}

func (tx *txn) Put(key, value []byte) error {
	if !tx.writable {
		return kv.NewErrReadOnly()
	}
	v := kv.Clone(value)
	if v == nil {
		v = []byte{}
	}
	tx.writes[string(key)] = &v
	return nil
}

func (tx *txn) Delete(key []byte) error {
	if !tx.writable {
		return kv.NewErrReadOnly()
	}
	tx.writes[string(key)] = nil
	return nil
}

// DeleteRange is expanded into point deletions, since etcd rejects a
// transaction whose puts overlap one of its range deletions.
func (tx *txn) DeleteRange(begin, end []byte) error {
	if !tx.writable {
		return kv.NewErrReadOnly()
	}
	kvs, err := tx.Scan(begin, end, 0)
	if err != nil {
		return err
	}
	for _, p := range kvs {
		tx.writes[string(p.Key)] = nil
	}
	return nil
}

// compares asserts that no key read was created, modified or deleted after
// the read revision. Deletions inside scanned ranges are not detected;
// callers which depend on a key's presence read it with Get.
func (tx *txn) compares() []clientv3.Cmp {
	if tx.rev == 0 {
		return nil
	}
	cmps := make([]clientv3.Cmp, 0, len(tx.points)*2+len(tx.ranges))
	keys := make([]string, 0, len(tx.points))
	for k := range tx.points {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(k), "<", tx.rev+1))
		if tx.points[k] {
			cmps = append(cmps, clientv3.Compare(clientv3.Version(k), ">", 0))
		}
	}
	for _, r := range tx.ranges {
		if r.begin >= r.end && r.end != allKeys {
			continue
		}
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(r.begin), "<", tx.rev+1).WithRange(r.end))
	}
	return cmps
}

func (tx *txn) ops() []clientv3.Op {
	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ops := make([]clientv3.Op, 0, len(keys))
	for _, k := range keys {
		if v := tx.writes[k]; v == nil {
			ops = append(ops, clientv3.OpDelete(k))
		} else {
			ops = append(ops, clientv3.OpPut(k, string(*v)))
		}
	}
	return ops
}
