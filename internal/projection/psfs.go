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

package projection

import "strings"

// reserved holds mount-relative top-level names the tree never
// surfaces: a mountpoint's own control namespace, matching the
// interposition design's PSFS rule that the CAS root and the
// per-project control directory are never virtualized.
var reserved = map[string]bool{
	".vrift": true,
}

// isReserved reports whether the mount-relative path p (already
// cleaned, forward-slash separated, no leading slash) falls under a
// name PSFS excludes from the projected tree.
func isReserved(p string) bool {
	if p == "" {
		return false
	}
	seg := p
	if i := strings.IndexByte(p, '/'); i >= 0 {
		seg = p[:i]
	}
	return reserved[seg]
}
