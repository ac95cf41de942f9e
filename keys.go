package pagestore

import (
	"encoding/binary"

	"github.com/featurebasedb/pagestore/cache"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/google/uuid"
)

// Key layout. Directory entries and namespace data live under separate
// prefixes so both can be touched by one engine transaction.
//
//	\x00dir/<name>                      namespace metadata
//	\x00ns/<id>/v                       version counter
//	\x00ns/<id>/p<page><version>        page record -> content hash
//	\x00ns/<id>/b<hash>                 content blob
//	\x00ns/<id>/r<hash>                 blob reference count
//	\x00ns/<id>/c<version>              commit record
//	\x00ns/<id>/x<commit>               multi-phase marker
//	\x00ns/<id>/s<commit><page>         multi-phase staging journal
const (
	dirPrefix = "\x00dir/"
	nsPrefix  = "\x00ns/"
)

const (
	subCounter = 'v'
	subPage    = 'p'
	subBlob    = 'b'
	subRef     = 'r'
	subCommit  = 'c'
	subMarker  = 'x'
	subStaging = 's'
)

func directoryKey(name string) []byte {
	return append([]byte(dirPrefix), name...)
}

// namespaceKey returns the data prefix of namespace id, plus sub.
func namespaceKey(id uuid.UUID, sub byte, n int) []byte {
	k := make([]byte, 0, len(nsPrefix)+len(id)+2+n)
	k = append(k, nsPrefix...)
	k = append(k, id[:]...)
	k = append(k, '/', sub)
	return k
}

func namespacePrefix(id uuid.UUID) []byte {
	k := append([]byte(nsPrefix), id[:]...)
	return append(k, '/')
}

func counterKey(id uuid.UUID) []byte {
	return namespaceKey(id, subCounter, 0)
}

func pageKey(id uuid.UUID, page uint32, version uint64) []byte {
	k := namespaceKey(id, subPage, 12)
	k = binary.BigEndian.AppendUint32(k, page)
	return binary.BigEndian.AppendUint64(k, version)
}

// pageEnd returns the first key after every version of page.
func pageEnd(id uuid.UUID, page uint32) []byte {
	return kv.PrefixEnd(binary.BigEndian.AppendUint32(namespaceKey(id, subPage, 4), page))
}

// pageUpTo returns the first key after page's record at version.
func pageUpTo(id uuid.UUID, page uint32, version uint64) []byte {
	return append(pageKey(id, page, version), 0)
}

func pageIndexPrefix(id uuid.UUID) []byte {
	return namespaceKey(id, subPage, 0)
}

// decodePageKey returns the page and version of a page record key.
func decodePageKey(key []byte) (page uint32, version uint64, ok bool) {
	n := len(key)
	if n < 13 || key[n-13] != subPage {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(key[n-12:]), binary.BigEndian.Uint64(key[n-8:]), true
}

func blobKey(id uuid.UUID, h cache.Key) []byte {
	return append(namespaceKey(id, subBlob, len(h)), h[:]...)
}

func refKey(id uuid.UUID, h cache.Key) []byte {
	return append(namespaceKey(id, subRef, len(h)), h[:]...)
}

func commitKey(id uuid.UUID, version uint64) []byte {
	return binary.BigEndian.AppendUint64(namespaceKey(id, subCommit, 8), version)
}

func decodeCommitKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func markerKey(id uuid.UUID, commitID uuid.UUID) []byte {
	return append(namespaceKey(id, subMarker, len(commitID)), commitID[:]...)
}

func markerPrefix(id uuid.UUID) []byte {
	return namespaceKey(id, subMarker, 0)
}

func stagingPrefix(id uuid.UUID, commitID uuid.UUID) []byte {
	return append(namespaceKey(id, subStaging, len(commitID)+4), commitID[:]...)
}

func stagingKey(id uuid.UUID, commitID uuid.UUID, page uint32) []byte {
	return binary.BigEndian.AppendUint32(stagingPrefix(id, commitID), page)
}

func allStagingPrefix(id uuid.UUID) []byte {
	return namespaceKey(id, subStaging, 0)
}

// decodeStagingKey returns the commit and page of a journal entry.
func decodeStagingKey(key []byte) (commitID uuid.UUID, page uint32) {
	n := len(key)
	copy(commitID[:], key[n-20:n-4])
	return commitID, binary.BigEndian.Uint32(key[n-4:])
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
