// vrift is a content-addressed virtual filesystem.
// Copyright (C) 2025 The vrift Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ingest

import (
	"path/filepath"
	"strings"

	"github.com/velo-sh/vrift/internal/manifest"
)

// ProjectionMode is the per-project policy selecting how a source path is
// replaced once its bytes are captured in the CAS.
type ProjectionMode int

const (
	// Solid hard-links the source into the CAS, leaving the source in
	// place (Tier-2) or replacing it with a symlink (Tier-1).
	Solid ProjectionMode = iota
	// Phantom moves the source into the CAS via rename and replaces it
	// with a symlink, for either tier. Disables the on-disk fallback
	// copy if the CAS is later wiped.
	Phantom
)

// TierRule classifies a path into a Tier by matching against a set of
// prefixes. Project configuration supplies the rule; the zero value
// classifies everything as Tier-2 (Mutable).
type TierRule struct {
	ImmutablePrefixes []string // paths under these roots are Tier-1
}

// Classify returns the Tier for path under this rule.
func (r TierRule) Classify(path string) manifest.Tier {
	clean := filepath.Clean(path)
	for _, p := range r.ImmutablePrefixes {
		if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return manifest.T1Immutable
		}
	}
	return manifest.T2Mutable
}
