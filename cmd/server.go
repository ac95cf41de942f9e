// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"io"

	"github.com/featurebasedb/pagestore/ctl"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/server"
	"github.com/spf13/cobra"
)

func newServeCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	srv, err := server.NewCommand(stdin, stdout, stderr)
	if err != nil {
		panic(err)
	}
	serveCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the page store.",
		Long: `pagestore server runs the page store.

It opens the configured key-value engine, recovers abandoned
multi-phase commits lazily as namespaces are used, collects
superseded page versions in the background, and serves
clients over HTTP on the configured address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := srv.Start(); err != nil {
				return errors.Wrap(err, "running server")
			}
			return errors.Wrap(srv.Wait(), "waiting on server")
		},
	}

	// Attach flags to the command.
	ctl.BuildServerFlags(serveCmd, srv)
	return serveCmd
}
