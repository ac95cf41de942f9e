// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
/*
This is the entrypoint for the pagestore binary.
*/
package main

import (
	"fmt"
	"os"

	"github.com/featurebasedb/pagestore/cmd"
	"github.com/featurebasedb/pagestore/errors"
)

func main() {
	rootCmd := cmd.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error (%s): %v\n", errors.CodeOf(err), err)
		os.Exit(cmd.ExitCode(err))
	}
}
