// SPDX-License-Identifier: MPL-2.0

// Package registry records which modules are installed under a prefix and
// performs dependency-safe install and uninstall.
//
// The registry document lives at share/kiln/modules/registry.json under the
// install prefix. Every mutation takes an advisory lock, reads the whole
// document, mutates a copy and writes it back through a temporary file and
// rename, so readers observe either the old or the new state.
//
// Installed files follow a fixed layout:
//
//	include/kiln/<module>/...                  headers
//	lib/lib<module>*                           libraries
//	share/kiln/modules/<module>.toml           descriptor
//	share/kiln/resources/<module>/...          resources
//	share/kiln/scripts/<module>_pre_uninstall.sh
package registry
