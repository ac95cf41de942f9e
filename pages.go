package pagestore

import (
	"bytes"
	"sort"

	"github.com/featurebasedb/pagestore/cache"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/stats"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// PageWrite is one page of a write set.
type PageWrite struct {
	Page uint32 `json:"page"`
	Data []byte `json:"data"`
}

// PageRead is the result of reading a page at a snapshot.
type PageRead struct {
	Page uint32
	// Version is the version which last wrote the page, or zero if it was
	// never written.
	Version uint64
	Data    []byte
}

// HashPage returns the content hash of a page.
func HashPage(data []byte) cache.Key {
	return blake3.Sum256(data)
}

// PageStore maps (namespace, page, version) to page contents. Page records
// hold the content hash; contents are stored once per namespace as
// reference-counted, compressed blobs.
type PageStore struct {
	cache  *cache.Cache
	warm   bool
	verify bool
	stats  stats.StatsClient
}

// Read returns the greatest version of page at or below version. ns must
// have been loaded from r so the watermark check and the read agree.
func (p *PageStore) Read(r kv.Reader, ns *Namespace, page uint32, version uint64) (PageRead, error) {
	if version < ns.GCWatermark {
		return PageRead{}, NewErrRetentionExpired(ns.Name, version, ns.GCWatermark)
	}
	kvs, err := r.ReverseScan(pageKey(ns.ID, page, 0), pageUpTo(ns.ID, page, version), 1)
	if err != nil {
		return PageRead{}, err
	}
	p.stats.Count(MetricPageRead, 1, 1.0)
	if len(kvs) == 0 {
		return PageRead{Page: page, Data: make([]byte, ns.PageSize)}, nil
	}
	_, pv, _ := decodePageKey(kvs[0].Key)

	var h cache.Key
	if len(kvs[0].Value) != len(h) {
		return PageRead{}, errors.Errorf("page %d version %d: bad page record", page, pv)
	}
	copy(h[:], kvs[0].Value)

	if data, ok := p.cache.Get(h); ok {
		p.stats.Count(MetricCacheHit, 1, 1.0)
		return PageRead{Page: page, Version: pv, Data: data}, nil
	}
	p.stats.Count(MetricCacheMiss, 1, 1.0)

	blob, err := r.Get(blobKey(ns.ID, h))
	if err != nil {
		return PageRead{}, err
	} else if blob == nil {
		// The record was read from this snapshot, so its blob can only be
		// missing if a collector released it underneath a stale reader.
		return PageRead{}, NewErrRetentionExpired(ns.Name, version, ns.GCWatermark)
	}
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return PageRead{}, errors.Wrapf(err, "decoding page %d version %d", page, pv)
	}
	if p.verify && HashPage(data) != h {
		return PageRead{}, errors.Errorf("page %d version %d: checksum mismatch", page, pv)
	}
	p.cache.Put(h, data)
	return PageRead{Page: page, Version: pv, Data: data}, nil
}

// WriteBatch writes pages as version. Rewriting a page record with the
// content it already holds is a no-op, which makes replays of a batch
// idempotent.
func (p *PageStore) WriteBatch(tx kv.Txn, ns *Namespace, pages []PageWrite, version uint64) error {
	if err := validatePages(ns, pages); err != nil {
		return err
	}
	deltas := make(map[cache.Key]int64, len(pages))
	contents := make(map[cache.Key][]byte, len(pages))
	written := make([]cache.Key, 0, len(pages))
	for _, pw := range pages {
		h := HashPage(pw.Data)
		key := pageKey(ns.ID, pw.Page, version)
		prev, err := tx.Get(key)
		if err != nil {
			return err
		}
		if prev != nil {
			if bytes.Equal(prev, h[:]) {
				continue
			}
			var old cache.Key
			copy(old[:], prev)
			deltas[old]--
		}
		if err := tx.Put(key, h[:]); err != nil {
			return err
		}
		deltas[h]++
		contents[h] = pw.Data
		written = append(written, h)
	}
	if _, err := p.adjustRefs(tx, ns.ID, deltas, contents); err != nil {
		return err
	}
	if p.warm {
		for _, h := range written {
			p.cache.Put(h, contents[h])
		}
	}
	return nil
}

// adjustRefs applies reference count deltas to blobs and returns the
// number of blobs deleted. A blob reaching zero references is deleted; a
// blob gaining its first reference is written from contents.
func (p *PageStore) adjustRefs(tx kv.Txn, id uuid.UUID, deltas map[cache.Key]int64, contents map[cache.Key][]byte) (deleted int, err error) {
	hashes := make([]cache.Key, 0, len(deltas))
	for h, d := range deltas {
		if d != 0 {
			hashes = append(hashes, h)
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })

	for _, h := range hashes {
		v, err := tx.Get(refKey(id, h))
		if err != nil {
			return deleted, err
		}
		refs := int64(decodeUint64(v)) + deltas[h]
		if refs <= 0 {
			if err := tx.Delete(blobKey(id, h)); err != nil {
				return deleted, err
			}
			if err := tx.Delete(refKey(id, h)); err != nil {
				return deleted, err
			}
			p.cache.Remove(h)
			deleted++
			continue
		}
		if v == nil {
			data, ok := contents[h]
			if !ok {
				return deleted, errors.Errorf("blob %s: reference added without content", h)
			}
			if err := tx.Put(blobKey(id, h), snappy.Encode(nil, data)); err != nil {
				return deleted, err
			}
		}
		if err := tx.Put(refKey(id, h), encodeUint64(uint64(refs))); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func validatePages(ns *Namespace, pages []PageWrite) error {
	seen := make(map[uint32]struct{}, len(pages))
	for _, pw := range pages {
		if len(pw.Data) != ns.PageSize {
			return NewErrMalformed("page %d: %d bytes, namespace '%s' uses %d byte pages", pw.Page, len(pw.Data), ns.Name, ns.PageSize)
		}
		if _, ok := seen[pw.Page]; ok {
			return NewErrMalformed("page %d written twice", pw.Page)
		}
		seen[pw.Page] = struct{}{}
	}
	return nil
}

func sortPages(pages []PageWrite) {
	sort.Slice(pages, func(i, j int) bool { return pages[i].Page < pages[j].Page })
}
