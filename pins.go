package pagestore

import (
	"sync"

	"github.com/google/uuid"
)

// pinRegistry tracks the snapshot versions in use by transactions of this
// process, per namespace. The collector never moves a namespace's
// watermark past its oldest pin.
type pinRegistry struct {
	mu sync.Mutex
	m  map[uuid.UUID]*pins
}

type pins struct {
	// gate orders snapshot acquisition against horizon calculation. Begin
	// holds it shared while it reads the counter and pins the result; the
	// collector holds it exclusively while it picks and persists a
	// watermark.
	gate sync.RWMutex

	mu     sync.Mutex
	counts map[uint64]int
}

func newPinRegistry() *pinRegistry {
	return &pinRegistry{m: make(map[uuid.UUID]*pins)}
}

func (r *pinRegistry) get(id uuid.UUID) *pins {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok {
		p = &pins{counts: make(map[uint64]int)}
		r.m[id] = p
	}
	return p
}

// drop forgets a destroyed namespace.
func (r *pinRegistry) drop(id uuid.UUID) {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

func (p *pins) pin(v uint64) {
	p.mu.Lock()
	p.counts[v]++
	p.mu.Unlock()
}

func (p *pins) unpin(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[v] <= 1 {
		delete(p.counts, v)
		return
	}
	p.counts[v]--
}

// oldest returns the smallest pinned version.
func (p *pins) oldest() (v uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pv := range p.counts {
		if !ok || pv < v {
			v, ok = pv, true
		}
	}
	return v, ok
}

// len returns the number of active pins.
func (p *pins) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.counts {
		n += c
	}
	return n
}
