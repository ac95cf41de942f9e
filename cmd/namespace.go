// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/featurebasedb/pagestore/ctl"
	"github.com/spf13/cobra"
)

func newNamespaceCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	nsCmd := &cobra.Command{
		Use:   "namespace",
		Short: "Manage namespaces.",
	}
	nsCmd.AddCommand(namespaceSubcommand(stdin, stdout, stderr, "create NAME", "Create a namespace.", (*ctl.NamespaceCommand).RunCreate))
	nsCmd.AddCommand(namespaceSubcommand(stdin, stdout, stderr, "destroy NAME", "Destroy a namespace and all of its pages.", (*ctl.NamespaceCommand).RunDestroy))
	nsCmd.AddCommand(namespaceSubcommand(stdin, stdout, stderr, "list", "List namespaces.", (*ctl.NamespaceCommand).RunList))
	nsCmd.AddCommand(namespaceSubcommand(stdin, stdout, stderr, "info NAME", "Show a namespace and its current version.", (*ctl.NamespaceCommand).RunInfo))
	return nsCmd
}

func namespaceSubcommand(stdin io.Reader, stdout, stderr io.Writer, use, short string, run func(*ctl.NamespaceCommand, context.Context) error) *cobra.Command {
	c := ctl.NewNamespaceCommand(stdin, stdout, stderr)
	named := use != "list"
	sub := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if named {
				c.Name = args[0]
			}
			return run(c, context.Background())
		},
	}
	if named {
		sub.Args = cobra.ExactArgs(1)
	}
	flags := sub.Flags()
	ctl.SetClientFlags(flags, &c.ClientOptions)
	if use == "create NAME" {
		flags.IntVar(&c.PageSize, "page-size", 0, "Page size of the namespace. Zero uses the server default.")
	}
	return sub
}
