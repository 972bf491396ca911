// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the kiln command tree.
//
// Every command receives an *App, the composition root that loads the
// configuration and builds the build system and installation registry for
// one invocation. Commands render their own failures and return an
// *ExitError so main can exit with the right status.
package cmd
