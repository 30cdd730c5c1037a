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

package manifest

import (
	"os"

	"github.com/velo-sh/vrift/pkg/content"
)

// Tier governs the projection strategy applied to a source file.
type Tier int

const (
	// T1Immutable is for registry dependency roots and toolchains: hard
	// link into the CAS, chmod 0444, set the immutable attribute, and
	// replace the source with a symlink. External writes fail closed.
	T1Immutable Tier = iota
	// T2Mutable is for build outputs: hard link into the CAS if absent,
	// chmod 0444 on both sides, but allow break-before-write.
	T2Mutable
)

func (t Tier) String() string {
	if t == T1Immutable {
		return "T1"
	}
	return "T2"
}

// Entry is one Manifest Entry: the tuple (path, CH, tier, original_mode,
// ingest_time_ns). ABIContext is an opaque key extension (see the open
// question on dimensional ingest) that defaults to "" and lets a future
// collaborator distinguish same-path binaries built for different ABIs
// without a schema change.
type Entry struct {
	Path         string     `json:"path"`
	ABIContext   string     `json:"abi_context,omitempty"`
	CH           content.CH `json:"ch"`
	Size         int64      `json:"size"`
	Tier         Tier       `json:"tier"`
	OriginalMode uint32     `json:"original_mode"`
	Uid          uint32     `json:"uid,omitempty"`
	Gid          uint32     `json:"gid,omitempty"`
	IngestTimeNS int64      `json:"ingest_time_ns"`
}

// IsDir reports whether OriginalMode carries the directory bit, the way
// a synthetic directory entry created by mkdir (or the mutation path's
// chmod/chown/utimes on one) is distinguished from a regular file entry.
func (e Entry) IsDir() bool {
	return e.OriginalMode&uint32(os.ModeDir) != 0
}

// key is the Manifest's lookup key: path, optionally extended by an ABI
// context string. Most callers pass "" for abiContext.
func key(path, abiContext string) string {
	if abiContext == "" {
		return path
	}
	return path + "\x00" + abiContext
}
