package pagestore

import (
	"fmt"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
)

const (
	// ErrConflict means a transaction lost a first-committer-wins race.
	// Retrying requires a new transaction at a newer snapshot.
	ErrConflict errors.Code = "Conflict"

	// ErrRetentionExpired means the requested version has been or may
	// have been garbage collected.
	ErrRetentionExpired errors.Code = "RetentionExpired"

	ErrNamespaceExists   errors.Code = "NamespaceExists"
	ErrNamespaceNotFound errors.Code = "NamespaceNotFound"

	// ErrMalformed means the request was invalid and was not applied.
	ErrMalformed errors.Code = "Malformed"

	// ErrAborted means a transaction or multi-phase commit was abandoned,
	// either by its owner or by recovery.
	ErrAborted errors.Code = "Aborted"

	// ErrUnavailable is the engine's transient failure code.
	ErrUnavailable = kv.ErrUnavailable
)

// The following are helper functions for constructing coded errors containing
// relevant information about the specific error.

func NewErrConflict(ns string, page uint32, base uint64) error {
	return errors.New(
		ErrConflict,
		fmt.Sprintf("namespace '%s': page %d changed after version %d", ns, page, base),
	)
}

func NewErrNamespaceLocked(ns string) error {
	return errors.New(
		ErrConflict,
		fmt.Sprintf("namespace '%s' is locked by a multi-phase commit", ns),
	)
}

func NewErrRetentionExpired(ns string, version, watermark uint64) error {
	return errors.New(
		ErrRetentionExpired,
		fmt.Sprintf("namespace '%s': version %d is older than the retained version %d", ns, version, watermark),
	)
}

func NewErrNamespaceExists(ns string) error {
	return errors.New(
		ErrNamespaceExists,
		fmt.Sprintf("namespace '%s' already exists", ns),
	)
}

func NewErrNamespaceNotFound(ns string) error {
	return errors.New(
		ErrNamespaceNotFound,
		fmt.Sprintf("namespace '%s' not found", ns),
	)
}

func NewErrMalformed(format string, args ...interface{}) error {
	return errors.New(ErrMalformed, fmt.Sprintf(format, args...))
}

func NewErrAborted(format string, args ...interface{}) error {
	return errors.New(ErrAborted, fmt.Sprintf(format, args...))
}
