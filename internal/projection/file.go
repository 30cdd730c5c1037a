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

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/velo-sh/vrift/internal/manifest"
)

// FileNode is a regular-file inode backed by a Manifest Entry. Reads
// are served directly from the CAS blob (zero-copy, no Daemon round
// trip); writes reopen through the copy-on-write dirty-fd path.
type FileNode struct {
	fs.Inode
	srv     *Server
	relPath string
	entry   manifest.Entry
}

var (
	_ fs.NodeOpener    = (*FileNode)(nil)
	_ fs.NodeGetattrer = (*FileNode)(nil)
	_ fs.NodeSetattrer = (*FileNode)(nil)
)

// Open serves the read path for O_RDONLY and enters the copy-on-write
// write path for O_WRONLY and O_RDWR.
func (n *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	accmode := flags & syscall.O_ACCMODE
	if accmode == syscall.O_WRONLY || accmode == syscall.O_RDWR {
		truncate := flags&syscall.O_TRUNC != 0
		h, errno := newDirtyHandleFromEntry(n.srv, n.relPath, n.entry, truncate)
		if errno != 0 {
			return nil, 0, errno
		}
		return h, fuse.FOPEN_DIRECT_IO, fs.OK
	}

	f, err := n.srv.cfg.Store.Get(n.entry.CH, n.entry.Size, "")
	if err != nil {
		return nil, 0, syscall.ENOENT
	}
	return &readHandle{f: f}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *FileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fh, ok := f.(fs.FileGetattrer); ok {
		return fh.Getattr(ctx, out)
	}
	out.Mode = fuse.S_IFREG | filePerm(n.entry)
	fillFileAttr(&out.Attr, n.entry)
	return fs.OK
}

func (n *FileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if fh, ok := f.(fs.FileSetattrer); ok {
		return fh.Setattr(ctx, in, out)
	}
	errno := setAttrRPC(n.srv, n.srv.manifestPath(n.relPath), in)
	if errno != 0 {
		return errno
	}
	out.Mode = fuse.S_IFREG | filePerm(n.entry)
	return fs.OK
}

// readHandle serves a read-only CAS-backed file descriptor.
type readHandle struct {
	f *os.File
}

var (
	_ fs.FileReader   = (*readHandle)(nil)
	_ fs.FileReleaser = (*readHandle)(nil)
)

func (h *readHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *readHandle) Release(ctx context.Context) syscall.Errno {
	h.f.Close()
	return fs.OK
}
