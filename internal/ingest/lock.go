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
	"os"

	"golang.org/x/sys/unix"

	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// lockSource takes a non-blocking advisory shared lock on the source
// file for the duration of the read+hash, so a concurrent writer using
// flock cooperatively backs off instead of racing the hash. The lock is
// advisory only: a writer that ignores flock can still race it, which
// is why the mtime fence (see worker.go) is the real correctness
// guarantee and this lock is a best-effort reduction in how often that
// fence actually fires.
func lockSource(f *os.File) (unlock func(), err error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return nil, vrifterrors.New("ingest.lockSource", vrifterrors.Busy, err)
	}
	return func() { unix.Flock(fd, unix.LOCK_UN) }, nil
}
