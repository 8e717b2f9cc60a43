// Package config loads and validates the TOML configuration file that
// describes a connection's field-for-field connection/channel configuration,
// using github.com/BurntSushi/toml for decoding and
// github.com/hashicorp/go-multierror to aggregate every validation failure
// in one report instead of stopping at the first.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/mas-bandwidth/yojimbo-sub001/netconf"
)

// File is the on-disk shape decoded by Load: a connection section plus an
// endpoint section, each mapping directly onto the netconf types.
type File struct {
	Connection netconf.ConnectionConfig `toml:"connection"`
	Endpoint   netconf.EndpointConfig   `toml:"endpoint"`
}

// Load reads and parses path, validates both sections, and returns the
// decoded File. Parse errors and validation errors are distinguished by
// wrapping: a caller checking for a malformed file vs. a file that parsed
// but fails sanity checks can tell them apart with errors.Cause.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, errors.Wrap(err, "config: failed to read file")
	}
	if _, err := toml.Decode(string(data), &f); err != nil {
		return f, errors.Wrap(err, "config: failed to parse toml")
	}
	if err := f.Validate(); err != nil {
		return f, errors.Wrap(err, "config: invalid configuration")
	}
	return f, nil
}

// Validate aggregates every problem found in both sections via a single
// multierror rather than failing fast, so an operator fixing a config file
// sees every mistake in one pass.
func (f File) Validate() error {
	var result *multierror.Error
	if err := f.Connection.Validate(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "connection"))
	}
	if err := f.Endpoint.Validate(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "endpoint"))
	}
	return result.ErrorOrNil()
}

// Default returns a File populated with netconf's documented defaults — a
// single reliable-ordered channel plus a default endpoint — suitable as a
// starting point for a hand-written config file or for tests that don't
// care about the specifics.
func Default() File {
	return File{
		Connection: netconf.ConnectionConfig{
			Channels:      []netconf.ChannelConfig{netconf.DefaultChannelConfig()},
			MaxPacketSize: 4096,
		},
		Endpoint: netconf.DefaultEndpointConfig(),
	}
}
