// SPDX-License-Identifier: MPL-2.0

package kilnmod

import "fmt"

// Compatibility is the outcome of moving from one version to another.
type Compatibility struct {
	Current           Version  `json:"current" yaml:"current"`
	Target            Version  `json:"target" yaml:"target"`
	Compatible        bool     `json:"compatible" yaml:"compatible"`
	MigrationRequired bool     `json:"migration_required" yaml:"migration_required"`
	Warnings          []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Errors            []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// CheckCompatibility reports whether target can replace current. A major
// upgrade needs a migration; a major downgrade, or a target older than
// minSupported, is incompatible. An empty minSupported skips that check.
func CheckCompatibility(current, target, minSupported Version) (*Compatibility, error) {
	cur, err := current.Parse()
	if err != nil {
		return nil, err
	}
	tgt, err := target.Parse()
	if err != nil {
		return nil, err
	}

	c := &Compatibility{Current: current, Target: target, Compatible: true}
	switch {
	case tgt.Major() > cur.Major():
		c.MigrationRequired = true
		c.Warnings = append(c.Warnings,
			fmt.Sprintf("major version upgrade (%d to %d) may require migration", cur.Major(), tgt.Major()))
	case tgt.Major() < cur.Major():
		c.Compatible = false
		c.Errors = append(c.Errors,
			fmt.Sprintf("downgrade to an older major version (%d to %d) is not supported", cur.Major(), tgt.Major()))
	}

	if minSupported != "" {
		minVer, err := minSupported.Parse()
		if err != nil {
			return nil, err
		}
		if tgt.LessThan(minVer) {
			c.Compatible = false
			c.Errors = append(c.Errors,
				fmt.Sprintf("target version %s is older than the minimum supported version %s", target, minSupported))
		}
	}
	return c, nil
}
