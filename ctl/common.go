// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"encoding/json"
	"io"
	gohttp "net/http"
	"time"

	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/http"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/toml"
	"github.com/featurebasedb/pagestore/wire"
	"github.com/spf13/pflag"
)

// ClientOptions holds the settings of commands which talk to a server.
type ClientOptions struct {
	// Remote host and port.
	Host string `toml:"host"`

	// Timeout of a single request.
	Timeout toml.Duration `toml:"timeout"`

	// Compression requested for page payloads.
	Compression string `toml:"compression"`
}

// NewClientOptions returns client options with default values.
func NewClientOptions() ClientOptions {
	return ClientOptions{
		Host:        "localhost:7070",
		Timeout:     toml.Duration(30 * time.Second),
		Compression: string(wire.CompressionNone),
	}
}

// SetClientFlags attaches the client flags to flags.
func SetClientFlags(flags *pflag.FlagSet, o *ClientOptions) {
	flags.StringVar(&o.Host, "host", o.Host, "host:port of the page store.")
	flags.DurationVar((*time.Duration)(&o.Timeout), "timeout", time.Duration(o.Timeout), "Timeout of a single request.")
	flags.StringVar(&o.Compression, "compression", o.Compression, "Compression requested for page payloads: none or zstd.")
}

// commandClient returns a client of the server o names.
func commandClient(o ClientOptions, log logger.Logger) (*http.Client, error) {
	comp, err := wire.ParseCompression(o.Compression)
	if err != nil {
		return nil, err
	}
	return http.NewClient(o.Host,
		http.OptClientLogger(log),
		http.OptClientHTTPClient(&gohttp.Client{Timeout: time.Duration(o.Timeout)}),
		http.OptClientCompression(comp),
	)
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encoding output")
}
