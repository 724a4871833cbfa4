package types

import (
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

// SymlistFileName is the link manifest shipped at the root of every
// package payload.
const SymlistFileName = "symlist.toml"

// SymlistEntry maps one payload file to a variable-templated target
// path in the user's environment.
//
// Example:
//
//	[[links]]
//	source = "bin/mytool"
//	target = "$XDG_BIN_HOME/mytool"
type SymlistEntry struct {
	// Source is the path of the file inside the package payload,
	// relative to the payload root.
	Source string `toml:"source"`
	// Target is the link location template. It may contain variable
	// tokens such as $HOME or $XDG_DATA_HOME which the symlink
	// manager expands against the configured variable context.
	Target string `toml:"target"`
}

type symlist struct {
	Links []SymlistEntry `toml:"links"`
}

// LoadSymlist reads the symlist manifest from a payload root. A missing
// manifest is not an error: a package without links is legal and simply
// materializes no files outside its payload directory.
func LoadSymlist(path string) ([]SymlistEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.ErrSymlistParse, "failed to read symlist %s", path)
	}
	return ParseSymlist(data)
}

// ParseSymlist parses symlist entries from raw TOML bytes.
func ParseSymlist(data []byte) ([]SymlistEntry, error) {
	var list symlist
	if err := toml.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, errors.ErrSymlistParse, "failed to parse symlist")
	}
	for _, entry := range list.Links {
		if entry.Source == "" || entry.Target == "" {
			return nil, errors.New(errors.ErrSymlistParse, "symlist entry missing source or target")
		}
	}
	return list.Links, nil
}
