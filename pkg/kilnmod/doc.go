// SPDX-License-Identifier: MPL-2.0

// Package kilnmod parses and validates kilnmod.toml, the descriptor carried at
// the root of every module package.
//
// The descriptor names the module, its semantic version, the modules it
// depends on, and an explicit capability table (module type and exported
// interfaces) that tools read instead of guessing from file names.
package kilnmod
