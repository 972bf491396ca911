// SPDX-License-Identifier: MPL-2.0

// Package buildsys drives a full project build as a seven-stage pipeline:
// Setup Environment, Configure Modules, Build Modules, Run Tests, Create
// Packages, Verify Packages and Create Distribution.
//
// Every external step goes through a toolchain.Invoker, so the compiler,
// packager and distribution tooling are configured as argv templates and
// can be replaced in tests.
package buildsys
