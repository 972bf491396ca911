// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"path/filepath"
	"time"

	"github.com/kilnbuild/kiln/internal/archive"
)

type (
	// LibraryDigest identifies an installed library by content.
	LibraryDigest struct {
		File   string `json:"file" yaml:"file"`
		Digest string `json:"digest" yaml:"digest"`
	}

	// PluginInfo is the declared capability table of one installed module.
	PluginInfo struct {
		Name       string          `json:"name" yaml:"name"`
		Version    string          `json:"version" yaml:"version"`
		Type       string          `json:"type" yaml:"type"`
		Interfaces []string        `json:"interfaces" yaml:"interfaces"`
		Libraries  []LibraryDigest `json:"libraries" yaml:"libraries"`
	}

	// Metadata describes every installed plugin.
	Metadata struct {
		GeneratedAt time.Time    `json:"generated_at" yaml:"generated_at"`
		Plugins     []PluginInfo `json:"plugins" yaml:"plugins"`
	}
)

// PluginMetadata builds the plugin table from each module's declared
// capabilities, with a content digest per installed library. Libraries that
// cannot be read are listed without a digest.
func (r *Registry) PluginMetadata() (*Metadata, error) {
	records, err := r.List()
	if err != nil {
		return nil, err
	}
	md := &Metadata{GeneratedAt: r.now(), Plugins: make([]PluginInfo, 0, len(records))}
	for _, rec := range records {
		info := PluginInfo{
			Name:       rec.Name,
			Version:    rec.Version.String(),
			Type:       rec.Capabilities.Type,
			Interfaces: rec.Capabilities.Interfaces,
			Libraries:  make([]LibraryDigest, 0, len(rec.Files.Libraries)),
		}
		if info.Interfaces == nil {
			info.Interfaces = []string{}
		}
		for _, lib := range rec.Files.Libraries {
			ld := LibraryDigest{File: filepath.Base(lib)}
			if d, err := archive.ContentHash(lib); err == nil {
				ld.Digest = d.String()
			} else {
				r.logger().Warn("cannot hash library", "module", rec.Name, "file", lib, "err", err)
			}
			info.Libraries = append(info.Libraries, ld)
		}
		md.Plugins = append(md.Plugins, info)
	}
	return md, nil
}
