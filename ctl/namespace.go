// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"io"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
)

// NamespaceCommand represents the commands which manage namespaces on a
// server. Each Run method is one subcommand.
type NamespaceCommand struct {
	ClientOptions

	// Name of the namespace.
	Name string

	// PageSize of a created namespace. Zero selects the server default.
	PageSize int

	// Standard input/output
	*pagestore.CmdIO
}

// NewNamespaceCommand returns a new instance of NamespaceCommand.
func NewNamespaceCommand(stdin io.Reader, stdout, stderr io.Writer) *NamespaceCommand {
	return &NamespaceCommand{
		ClientOptions: NewClientOptions(),
		CmdIO:         pagestore.NewCmdIO(stdin, stdout, stderr),
	}
}

func (cmd *NamespaceCommand) validateName() error {
	if cmd.Name == "" {
		return errors.New(pagestore.ErrMalformed, "namespace name required")
	}
	return nil
}

// RunCreate creates the namespace and prints it.
func (cmd *NamespaceCommand) RunCreate(ctx context.Context) error {
	if err := cmd.validateName(); err != nil {
		return err
	}
	client, err := commandClient(cmd.ClientOptions, cmd.Logger())
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	ns, err := client.CreateNamespace(ctx, cmd.Name, cmd.PageSize)
	if err != nil {
		return errors.Wrap(err, "creating namespace")
	}
	return printJSON(cmd.Stdout, ns)
}

// RunDestroy destroys the namespace and everything in it.
func (cmd *NamespaceCommand) RunDestroy(ctx context.Context) error {
	if err := cmd.validateName(); err != nil {
		return err
	}
	client, err := commandClient(cmd.ClientOptions, cmd.Logger())
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	if err := client.DestroyNamespace(ctx, cmd.Name); err != nil {
		return errors.Wrap(err, "destroying namespace")
	}
	cmd.Logger().Infof("destroyed namespace %s", cmd.Name)
	return nil
}

// RunList prints all namespaces.
func (cmd *NamespaceCommand) RunList(ctx context.Context) error {
	client, err := commandClient(cmd.ClientOptions, cmd.Logger())
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	nss, err := client.Namespaces(ctx)
	if err != nil {
		return errors.Wrap(err, "listing namespaces")
	}
	if nss == nil {
		nss = []*pagestore.Namespace{}
	}
	return printJSON(cmd.Stdout, nss)
}

// RunInfo prints the namespace with its current version.
func (cmd *NamespaceCommand) RunInfo(ctx context.Context) error {
	if err := cmd.validateName(); err != nil {
		return err
	}
	client, err := commandClient(cmd.ClientOptions, cmd.Logger())
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	info, err := client.NamespaceInfo(ctx, cmd.Name)
	if err != nil {
		return errors.Wrap(err, "getting namespace info")
	}
	return printJSON(cmd.Stdout, info)
}
