// SPDX-License-Identifier: MPL-2.0

// Package config loads the build configuration.
//
// Built-in defaults are deep-merged with an optional user file. Maps merge
// recursively and lists are replaced wholesale. The file may be written in
// CUE (validated against the embedded config_schema.cue), JSON, YAML or TOML;
// it is looked up from the --config flag, then the project root (kiln.*), then
// the user configuration directory. A file that cannot be parsed produces a
// warning and the defaults are used unchanged.
package config
