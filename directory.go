package pagestore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/google/uuid"
)

// Namespace is the persisted metadata of one logical database.
type Namespace struct {
	Name      string    `json:"name"`
	ID        uuid.UUID `json:"id"`
	PageSize  int       `json:"page_size"`
	CreatedAt time.Time `json:"created_at"`

	// LockToken is the commit id of the multi-phase commit holding the
	// namespace, or uuid.Nil.
	LockToken     uuid.UUID `json:"lock_token"`
	LockExpiresAt time.Time `json:"lock_expires_at"`

	// GCWatermark is the oldest version which can still be read. Versions
	// below it may have been collected.
	GCWatermark uint64 `json:"gc_watermark"`
}

// Locked reports whether a multi-phase commit holds the namespace.
func (ns *Namespace) Locked() bool { return ns.LockToken != uuid.Nil }

// lockExpired reports whether the namespace is locked by a commit whose
// lease ran out before now.
func (ns *Namespace) lockExpired(now time.Time) bool {
	return ns.Locked() && !now.Before(ns.LockExpiresAt)
}

// NamespaceInfo is a namespace's metadata together with its current
// version.
type NamespaceInfo struct {
	Namespace
	Version uint64 `json:"version"`
}

// ValidateName returns an error if name cannot be used as a namespace name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return NewErrMalformed("namespace name required")
	case len(name) > MaxNamespaceNameLength:
		return NewErrMalformed("namespace name exceeds %d bytes", MaxNamespaceNameLength)
	case strings.ContainsAny(name, "\x00/"):
		return NewErrMalformed("namespace name %q contains an invalid character", name)
	}
	return nil
}

// Directory maps namespace names to their metadata. It owns the version
// counters and lock tokens; everything else reaches them through the
// helpers below, inside engine transactions.
type Directory struct {
	store *Store
}

// Create creates a namespace. A pageSize of zero uses the configured
// default. Exactly one of several concurrent creates of the same name
// succeeds; the others return NamespaceExists.
func (d *Directory) Create(ctx context.Context, name string, pageSize int) (*Namespace, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if pageSize == 0 {
		pageSize = d.store.cfg.Namespace.PageSize
	}
	if !validPageSize(pageSize) {
		return nil, NewErrMalformed("page size must be a power of two between %d and %d: %d", MinPageSize, MaxPageSize, pageSize)
	}

	ns := &Namespace{
		Name:      name,
		ID:        uuid.New(),
		PageSize:  pageSize,
		CreatedAt: d.store.now().UTC(),
	}
	err := d.store.update(ctx, func(tx kv.Txn) error {
		if v, err := tx.Get(directoryKey(name)); err != nil {
			return err
		} else if v != nil {
			return NewErrNamespaceExists(name)
		}
		if err := putNamespace(tx, ns); err != nil {
			return err
		}
		return setCounter(tx, ns.ID, 0)
	})
	if err != nil {
		return nil, err
	}
	d.store.logger.Infof("created namespace %s (id=%s, page size %d)", name, ns.ID, pageSize)
	return ns, nil
}

// Get returns the metadata of an existing namespace.
func (d *Directory) Get(ctx context.Context, name string) (ns *Namespace, err error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	err = d.store.view(ctx, func(r kv.Reader) error {
		ns, err = loadNamespace(r, name)
		return err
	})
	return ns, err
}

// Destroy removes a namespace and all of its data. The directory entry is
// removed first, in one engine transaction, so the namespace disappears
// atomically; its data is then purged in batches.
func (d *Directory) Destroy(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	var ns *Namespace
	err := d.store.update(ctx, func(tx kv.Txn) (err error) {
		if ns, err = loadNamespace(tx, name); err != nil {
			return err
		}
		return tx.Delete(directoryKey(name))
	})
	if err != nil {
		return err
	}
	d.store.pins.drop(ns.ID)

	n, err := d.purge(ctx, ns.ID)
	if err != nil {
		// The data is unreachable under the old id; only space is lost.
		d.store.logger.Warnf("purging destroyed namespace %s (id=%s): %v", name, ns.ID, err)
	}
	d.store.logger.Infof("destroyed namespace %s (id=%s), purged %d keys", name, ns.ID, n)
	return nil
}

// purge deletes every key under a namespace's data prefix.
func (d *Directory) purge(ctx context.Context, id uuid.UUID) (int, error) {
	begin := namespacePrefix(id)
	end := kv.PrefixEnd(begin)
	total := 0
	for {
		var n int
		err := d.store.update(ctx, func(tx kv.Txn) error {
			kvs, err := tx.Scan(begin, end, purgeBatchSize)
			if err != nil {
				return err
			}
			n = len(kvs)
			if n == 0 {
				return nil
			}
			return tx.DeleteRange(begin, append(kv.Clone(kvs[n-1].Key), 0))
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < purgeBatchSize {
			return total, nil
		}
	}
}

const purgeBatchSize = 1024

// List returns all namespaces ordered by name.
func (d *Directory) List(ctx context.Context) (nss []*Namespace, err error) {
	prefix := []byte(dirPrefix)
	err = d.store.view(ctx, func(r kv.Reader) error {
		kvs, err := r.Scan(prefix, kv.PrefixEnd(prefix), 0)
		if err != nil {
			return err
		}
		nss = make([]*Namespace, 0, len(kvs))
		for _, pair := range kvs {
			ns, err := decodeNamespace(pair.Value)
			if err != nil {
				return err
			}
			nss = append(nss, ns)
		}
		return nil
	})
	return nss, err
}

// Info returns a namespace's metadata and current version, read from one
// snapshot.
func (d *Directory) Info(ctx context.Context, name string) (*NamespaceInfo, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var info *NamespaceInfo
	err := d.store.view(ctx, func(r kv.Reader) error {
		ns, err := loadNamespace(r, name)
		if err != nil {
			return err
		}
		v, err := readCounter(r, ns.ID)
		if err != nil {
			return err
		}
		info = &NamespaceInfo{Namespace: *ns, Version: v}
		return nil
	})
	return info, err
}

func loadNamespace(r kv.Reader, name string) (*Namespace, error) {
	v, err := r.Get(directoryKey(name))
	if err != nil {
		return nil, err
	} else if v == nil {
		return nil, NewErrNamespaceNotFound(name)
	}
	return decodeNamespace(v)
}

// loadNamespaceID is loadNamespace which additionally fails if the name
// was destroyed and re-created since id was observed.
func loadNamespaceID(r kv.Reader, name string, id uuid.UUID) (*Namespace, error) {
	ns, err := loadNamespace(r, name)
	if err != nil {
		return nil, err
	} else if ns.ID != id {
		return nil, NewErrNamespaceNotFound(name)
	}
	return ns, nil
}

func decodeNamespace(b []byte) (*Namespace, error) {
	var ns Namespace
	if err := json.Unmarshal(b, &ns); err != nil {
		return nil, errors.Wrap(err, "decoding namespace metadata")
	}
	return &ns, nil
}

func putNamespace(tx kv.Txn, ns *Namespace) error {
	b, err := json.Marshal(ns)
	if err != nil {
		return errors.Wrap(err, "encoding namespace metadata")
	}
	return tx.Put(directoryKey(ns.Name), b)
}

func readCounter(r kv.Reader, id uuid.UUID) (uint64, error) {
	v, err := r.Get(counterKey(id))
	if err != nil {
		return 0, err
	}
	return decodeUint64(v), nil
}

func setCounter(tx kv.Txn, id uuid.UUID, v uint64) error {
	return tx.Put(counterKey(id), encodeUint64(v))
}
