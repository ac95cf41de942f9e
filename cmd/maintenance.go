// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/featurebasedb/pagestore/ctl"
	"github.com/spf13/cobra"
)

func newGCCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	gc := ctl.NewGCCommand(stdin, stdout, stderr)
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Collect superseded page versions now.",
		Long: `gc runs a garbage collection pass on the server, on one
namespace or on all of them, and prints what was deleted.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gc.Run(context.Background())
		},
	}
	flags := gcCmd.Flags()
	ctl.SetClientFlags(flags, &gc.ClientOptions)
	flags.StringVarP(&gc.Namespace, "namespace", "n", "", "Namespace to collect. Collects all namespaces if empty.")
	return gcCmd
}

func newRecoverCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := ctl.NewRecoverCommand(stdin, stdout, stderr)
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover abandoned multi-phase commits.",
		Long: `recover rolls forward or discards multi-phase commits whose
owner stopped renewing its lease, and prints what it did.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.Run(context.Background())
		},
	}
	flags := recoverCmd.Flags()
	ctl.SetClientFlags(flags, &rc.ClientOptions)
	flags.StringVarP(&rc.Namespace, "namespace", "n", "", "Namespace to recover. Recovers all namespaces if empty.")
	return recoverCmd
}

func newStatusCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	sc := ctl.NewStatusCommand(stdin, stdout, stderr)
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.Run(context.Background())
		},
	}
	ctl.SetClientFlags(statusCmd.Flags(), &sc.ClientOptions)
	return statusCmd
}
