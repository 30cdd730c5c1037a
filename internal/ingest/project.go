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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/manifest"
)

// FS_IOC_SETFLAGS and FS_IMMUTABLE_FL are the ioctl request and flag
// used by chattr +i; golang.org/x/sys/unix does not expose them as
// named constants for every platform, so they're pinned here to the
// Linux ext4/xfs values (see <linux/fs.h>).
const (
	fsIOCGetFlags = 0x80086601
	fsIOCSetFlags = 0x40086602
	fsImmutableFl = 0x00000010
)

// Projector applies a committed ingest result to the source filesystem,
// implementing the Tier-1/Tier-2 x Solid/Phantom projection matrix.
type Projector struct {
	Store *casstore.Store
	Mode  ProjectionMode
}

// Apply replaces or hard-links p.SourcePath per its tier and the
// projector's mode, once its bytes are durable in the CAS.
func (pj *Projector) Apply(p Processed) error {
	casPath := pj.Store.Path(p.CH, p.Size, "")

	switch p.Tier {
	case manifest.T1Immutable:
		return pj.applyImmutable(p.SourcePath, casPath)
	default:
		return pj.applyMutable(p.SourcePath, casPath)
	}
}

func (pj *Projector) applyImmutable(source, casPath string) error {
	if pj.Mode == Phantom {
		if err := pj.moveIntoCAS(source, casPath); err != nil {
			return err
		}
	} else if _, err := os.Stat(casPath); err != nil {
		// An existing (possibly immutable) blob is used as-is; the
		// source is replaced by a symlink below either way.
		if err := os.Link(source, casPath); err != nil {
			return err
		}
	}
	os.Chmod(casPath, 0o444)

	// The source must be unlinked before the shared inode turns
	// immutable: the kernel refuses to unlink an immutable inode.
	if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(casPath, source); err != nil {
		return err
	}
	setImmutable(casPath, true)
	return nil
}

func (pj *Projector) applyMutable(source, casPath string) error {
	if pj.Mode == Phantom {
		if err := pj.moveIntoCAS(source, casPath); err != nil {
			return err
		}
		os.Chmod(casPath, 0o444)
		return os.Symlink(casPath, source)
	}

	if err := linkOrSkip(source, casPath); err != nil {
		return err
	}
	os.Chmod(casPath, 0o444)
	os.Chmod(source, 0o444)
	return nil
}

// moveIntoCAS renames source into the CAS for phantom mode. A sealed
// blob is never overwritten: if casPath already exists (dedup, or a
// concurrent ingest won the race) the source is simply removed.
func (pj *Projector) moveIntoCAS(source, casPath string) error {
	if _, err := os.Stat(casPath); err == nil {
		return os.Remove(source)
	}
	return os.Rename(source, casPath)
}

// linkOrSkip hard-links source to casPath, tolerating the case where
// casPath already exists (a concurrent or prior ingest won the dedup
// race) by replacing source with a hard link to the existing blob.
func linkOrSkip(source, casPath string) error {
	if _, err := os.Stat(casPath); err == nil {
		os.Remove(source)
		return os.Link(casPath, source)
	}
	return os.Link(source, casPath)
}

// setImmutable sets (or clears) the filesystem immutable attribute on
// path, the kernel-enforced barrier behind Tier-1's EACCES guarantee
// (P-Immutable). Best-effort: filesystems that don't support the
// attribute (tmpfs, some overlayfs configs) leave it a no-op, relying
// on the 0444 permission bits alone.
func setImmutable(path string, on bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var flags uint32
	if err := ioctlGetUint32(f.Fd(), fsIOCGetFlags, &flags); err != nil {
		return nil
	}
	if on {
		flags |= fsImmutableFl
	} else {
		flags &^= fsImmutableFl
	}
	return ioctlSetUint32(f.Fd(), fsIOCSetFlags, flags)
}

func ioctlGetUint32(fd uintptr, req uintptr, val *uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(val)))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlSetUint32(fd uintptr, req uintptr, val uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(&val)))
	if errno != 0 {
		return errno
	}
	return nil
}
