// Package wire defines the request and response bodies of the page store's
// HTTP data plane, and the optional zstd compression of page payloads.
package wire

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/cache"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Headers set on page responses.
const (
	HeaderPageVersion     = "X-Page-Version"
	HeaderSnapshotVersion = "X-Snapshot-Version"
	HeaderCommitID        = "X-Commit-ID"
)

// Latest is the version query value meaning the current version.
const Latest = "latest"

type CreateNamespaceRequest struct {
	PageSize int `json:"page_size,omitempty"`
}

type NamespacesResponse struct {
	Namespaces []*pagestore.Namespace `json:"namespaces"`
}

type VersionResponse struct {
	Version uint64 `json:"version"`
}

type CommitRequest struct {
	CommitID    uuid.UUID             `json:"commit_id"`
	BaseVersion uint64                `json:"base_version"`
	ReadSet     []pagestore.ReadEntry `json:"read_set,omitempty"`
	WriteSet    []pagestore.PageWrite `json:"write_set,omitempty"`
}

// ToStore converts r to the store's commit request for namespace ns.
func (r *CommitRequest) ToStore(ns string) pagestore.CommitRequest {
	return pagestore.CommitRequest{
		Namespace:   ns,
		CommitID:    r.CommitID,
		BaseVersion: r.BaseVersion,
		ReadSet:     r.ReadSet,
		Writes:      r.WriteSet,
	}
}

type CommitResponse struct {
	Version uint64 `json:"version"`
}

type MultiPhaseRequest struct {
	CommitID    uuid.UUID             `json:"commit_id"`
	BaseVersion uint64                `json:"base_version"`
	ReadSet     []pagestore.ReadEntry `json:"read_set,omitempty"`
	Pages       []uint32              `json:"pages"`
	Phases      int                   `json:"phases"`
}

// ToStore converts r to the store's multi-phase request for namespace ns.
func (r *MultiPhaseRequest) ToStore(ns string) pagestore.MultiPhaseRequest {
	return pagestore.MultiPhaseRequest{
		Namespace:   ns,
		CommitID:    r.CommitID,
		BaseVersion: r.BaseVersion,
		ReadSet:     r.ReadSet,
		Pages:       r.Pages,
		Phases:      r.Phases,
	}
}

type StagePhaseRequest struct {
	Pages []pagestore.PageWrite `json:"pages"`
}

type RecoverResponse struct {
	Recovered []pagestore.Recovery `json:"recovered"`
}

type StatusResponse struct {
	State      string                       `json:"state"`
	Version    string                       `json:"version"`
	Uptime     time.Duration                `json:"uptime"`
	Namespaces int                          `json:"namespaces"`
	Cache      cache.Stats                  `json:"cache"`
	GC         map[string]pagestore.GCStats `json:"gc,omitempty"`
}

// Compression names a page payload encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression parses a compression name. The empty string means
// CompressionNone.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return c, nil
	}
	return "", errors.Newf(pagestore.ErrMalformed, "unknown compression '%s'", s)
}

// EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Compress encodes b with c.
func Compress(c Compression, b []byte) ([]byte, error) {
	switch c {
	case "", CompressionNone:
		return b, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
	}
	return nil, errors.Newf(pagestore.ErrMalformed, "unknown compression '%s'", c)
}

// Decompress decodes b, which was encoded with c.
func Decompress(c Compression, b []byte) ([]byte, error) {
	switch c {
	case "", CompressionNone:
		return b, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(b, nil)
		if err != nil {
			return nil, errors.Newf(pagestore.ErrMalformed, "decoding zstd payload: %v", err)
		}
		return out, nil
	}
	return nil, errors.Newf(pagestore.ErrMalformed, "unknown compression '%s'", c)
}

// DecompressLimit is Decompress for untrusted input. It fails with
// ErrMalformed once the decoded payload exceeds max bytes.
func DecompressLimit(c Compression, b []byte, max int64) ([]byte, error) {
	switch c {
	case "", CompressionNone:
		if int64(len(b)) > max {
			return nil, errors.Newf(pagestore.ErrMalformed, "payload exceeds %d bytes", max)
		}
		return b, nil
	case CompressionZstd:
		d, err := zstd.NewReader(bytes.NewReader(b), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "creating zstd decoder")
		}
		defer d.Close()
		out, err := io.ReadAll(io.LimitReader(d, max+1))
		if err != nil {
			return nil, errors.Newf(pagestore.ErrMalformed, "decoding zstd payload: %v", err)
		} else if int64(len(out)) > max {
			return nil, errors.Newf(pagestore.ErrMalformed, "decoded payload exceeds %d bytes", max)
		}
		return out, nil
	}
	return nil, errors.Newf(pagestore.ErrMalformed, "unknown compression '%s'", c)
}

// Accepts reports whether an Accept-Encoding header value lists c.
func Accepts(header string, c Compression) bool {
	for _, part := range strings.Split(header, ",") {
		name := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(name, string(c)) {
			return true
		}
	}
	return false
}
