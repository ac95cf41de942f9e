package kv

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/featurebasedb/pagestore/errors"
)

// Point identifies where in a transaction a fault may be injected.
type Point int

const (
	// BeforeView is consulted before a read-only transaction runs.
	BeforeView Point = iota
	// BeforeUpdate is consulted before a read-write transaction runs. A
	// failure here means nothing was written.
	BeforeUpdate
	// AfterUpdate is consulted after a read-write transaction committed. A
	// failure here is ambiguous to the caller: the writes are durable but
	// the caller sees ErrUnavailable.
	AfterUpdate
)

func (p Point) String() string {
	switch p {
	case BeforeView:
		return "before-view"
	case BeforeUpdate:
		return "before-update"
	case AfterUpdate:
		return "after-update"
	}
	return "unknown"
}

// Fault describes what to do at an injection point.
type Fault struct {
	Delay time.Duration
	Fail  bool
	// Conflict fails an update with ErrTxnConflict, as if a concurrent
	// writer had won. It only applies at BeforeUpdate.
	Conflict bool
}

// Injector decides which faults to inject.
type Injector interface {
	Inject(p Point) Fault
}

// InjectorFunc adapts a function to the Injector interface.
type InjectorFunc func(p Point) Fault

func (f InjectorFunc) Inject(p Point) Fault { return f(p) }

// Faulty wraps an Engine and injects delays and failures which look like
// the transient errors a remote engine produces. It exists for testing
// retry and recovery paths and must never be enabled by default.
type Faulty struct {
	Engine
	injector Injector
}

// NewFaulty returns e wrapped with injector.
func NewFaulty(e Engine, injector Injector) *Faulty {
	return &Faulty{Engine: e, injector: injector}
}

func (f *Faulty) inject(ctx context.Context, p Point) error {
	fault := f.injector.Inject(p)
	if fault.Delay > 0 {
		t := time.NewTimer(fault.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return NewErrUnavailable(ctx.Err())
		case <-t.C:
		}
	}
	if fault.Conflict && p == BeforeUpdate {
		return NewErrTxnConflict("injected at " + p.String())
	} else if fault.Fail {
		return NewErrUnavailable(errors.Errorf("injected fault at %s", p))
	}
	return nil
}

func (f *Faulty) View(ctx context.Context, fn func(Reader) error) error {
	if err := f.inject(ctx, BeforeView); err != nil {
		return err
	}
	return f.Engine.View(ctx, fn)
}

func (f *Faulty) Update(ctx context.Context, fn func(Txn) error) error {
	if err := f.inject(ctx, BeforeUpdate); err != nil {
		return err
	}
	if err := f.Engine.Update(ctx, fn); err != nil {
		return err
	}
	return f.inject(ctx, AfterUpdate)
}

// RandomInjectorConfig holds the probabilities for RandomInjector. Each
// probability is in [0, 1].
type RandomInjectorConfig struct {
	Seed                 int64
	DropProbability      float64
	AmbiguousProbability float64
	DelayProbability     float64
	MaxDelay             time.Duration
}

// RandomInjector injects faults at random with a reproducible seed.
type RandomInjector struct {
	mu  sync.Mutex
	rnd *rand.Rand
	cfg RandomInjectorConfig
}

func NewRandomInjector(cfg RandomInjectorConfig) *RandomInjector {
	return &RandomInjector{
		rnd: rand.New(rand.NewSource(cfg.Seed)),
		cfg: cfg,
	}
}

func (r *RandomInjector) Inject(p Point) (f Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p != AfterUpdate && r.cfg.MaxDelay > 0 && r.rnd.Float64() < r.cfg.DelayProbability {
		f.Delay = time.Duration(r.rnd.Int63n(int64(r.cfg.MaxDelay)))
	}
	switch p {
	case BeforeView, BeforeUpdate:
		f.Fail = r.rnd.Float64() < r.cfg.DropProbability
	case AfterUpdate:
		f.Fail = r.rnd.Float64() < r.cfg.AmbiguousProbability
	}
	return f
}
