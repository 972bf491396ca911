// SPDX-License-Identifier: MPL-2.0

// Package moduletest builds module source trees and packages on disk for
// tests of the archive, registry and build packages.
//
// Packing imports internal/archive, so archive's own tests that use this
// package live in the external archive_test package.
//
//	dir := moduletest.New("audio", moduletest.WithDependencies("core")).Write(t, t.TempDir())
//	pkg := moduletest.New("audio").Pack(t, t.TempDir())
package moduletest
