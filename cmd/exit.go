package cmd

import (
	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
)

const errDryRun errors.Code = "DryRun"

// exitCodes maps error codes to process exit statuses. Errors without a
// listed code exit with 1.
var exitCodes = map[errors.Code]int{
	pagestore.ErrConflict:          2,
	pagestore.ErrRetentionExpired:  3,
	pagestore.ErrMalformed:         4,
	pagestore.ErrUnavailable:       5,
	kv.ErrTxnConflict:              5,
	kv.ErrClosed:                   5,
	pagestore.ErrNamespaceNotFound: 6,
	pagestore.ErrNamespaceExists:   7,
	pagestore.ErrAborted:           8,
	errDryRun:                      9,
}

// ExitCode returns the process exit status for err.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[errors.CodeOf(err)]; ok {
		return code
	}
	return 1
}
