// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"io"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/http"
)

// names returns the given namespace, or every namespace on the server when
// name is empty.
func names(ctx context.Context, client *http.Client, name string) ([]string, error) {
	if name != "" {
		return []string{name}, nil
	}
	nss, err := client.Namespaces(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing namespaces")
	}
	out := make([]string, len(nss))
	for i, ns := range nss {
		out[i] = ns.Name
	}
	return out, nil
}

// GCCommand represents a command which runs a garbage collection pass on a
// server.
type GCCommand struct {
	ClientOptions

	// Namespace to collect. Empty collects all of them.
	Namespace string

	// Standard input/output
	*pagestore.CmdIO
}

// NewGCCommand returns a new instance of GCCommand.
func NewGCCommand(stdin io.Reader, stdout, stderr io.Writer) *GCCommand {
	return &GCCommand{
		ClientOptions: NewClientOptions(),
		CmdIO:         pagestore.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run collects each namespace in turn and prints the pass statistics.
func (cmd *GCCommand) Run(ctx context.Context) error {
	client, err := commandClient(cmd.ClientOptions, cmd.Logger())
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	nss, err := names(ctx, client, cmd.Namespace)
	if err != nil {
		return err
	}
	results := make([]pagestore.GCStats, 0, len(nss))
	for _, name := range nss {
		st, err := client.CollectGarbage(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "collecting %s", name)
		}
		cmd.Logger().Debugf("collected %s: %d versions, %d blobs", name, st.VersionsDeleted, st.BlobsDeleted)
		results = append(results, st)
	}
	return printJSON(cmd.Stdout, results)
}

// RecoverCommand represents a command which recovers abandoned
// multi-phase commits on a server.
type RecoverCommand struct {
	ClientOptions

	// Namespace to recover. Empty recovers all of them.
	Namespace string

	// Standard input/output
	*pagestore.CmdIO
}

// NewRecoverCommand returns a new instance of RecoverCommand.
func NewRecoverCommand(stdin io.Reader, stdout, stderr io.Writer) *RecoverCommand {
	return &RecoverCommand{
		ClientOptions: NewClientOptions(),
		CmdIO:         pagestore.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run recovers each namespace and prints what was rolled forward or
// discarded, by namespace.
func (cmd *RecoverCommand) Run(ctx context.Context) error {
	client, err := commandClient(cmd.ClientOptions, cmd.Logger())
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	nss, err := names(ctx, client, cmd.Namespace)
	if err != nil {
		return err
	}
	results := make(map[string][]pagestore.Recovery, len(nss))
	for _, name := range nss {
		recovered, err := client.Recover(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "recovering %s", name)
		}
		if recovered == nil {
			recovered = []pagestore.Recovery{}
		}
		results[name] = recovered
	}
	return printJSON(cmd.Stdout, results)
}

// StatusCommand represents a command which prints the status of a server.
type StatusCommand struct {
	ClientOptions

	// Standard input/output
	*pagestore.CmdIO
}

// NewStatusCommand returns a new instance of StatusCommand.
func NewStatusCommand(stdin io.Reader, stdout, stderr io.Writer) *StatusCommand {
	return &StatusCommand{
		ClientOptions: NewClientOptions(),
		CmdIO:         pagestore.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run prints the server status.
func (cmd *StatusCommand) Run(ctx context.Context) error {
	client, err := commandClient(cmd.ClientOptions, cmd.Logger())
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	st, err := client.Status(ctx)
	if err != nil {
		return errors.Wrap(err, "getting status")
	}
	return printJSON(cmd.Stdout, st)
}
