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

package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/server"
	toml "github.com/pelletier/go-toml"
)

// ConfigCommand represents a command for printing the effective config.
type ConfigCommand struct {
	*pagestore.CmdIO
	Config *server.Config
}

// NewConfigCommand returns a new instance of ConfigCommand.
func NewConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *ConfigCommand {
	return &ConfigCommand{
		CmdIO:  pagestore.NewCmdIO(stdin, stdout, stderr),
		Config: server.NewConfig(),
	}
}

// Run prints out the config.
func (cmd *ConfigCommand) Run(_ context.Context) error {
	return printConfig(cmd.Stdout, cmd.Config)
}

// GenerateConfigCommand represents a command for printing a default config.
type GenerateConfigCommand struct {
	*pagestore.CmdIO
}

// NewGenerateConfigCommand returns a new instance of GenerateConfigCommand.
func NewGenerateConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *GenerateConfigCommand {
	return &GenerateConfigCommand{
		CmdIO: pagestore.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run prints out the default config.
func (cmd *GenerateConfigCommand) Run(_ context.Context) error {
	return printConfig(cmd.Stdout, server.NewConfig())
}

func printConfig(w io.Writer, c *server.Config) error {
	buf, err := toml.Marshal(*c)
	if err != nil {
		return errors.Wrap(err, "marshalling config")
	}
	fmt.Fprintln(w, string(buf))
	return nil
}
