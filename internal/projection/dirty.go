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
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/velo-sh/vrift/internal/ipc"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/pkg/content"
)

// dirtyHandle is one open write-mode fd in the copy-on-write path: it
// owns a scratch host file (the "cow" file) and, on Flush (close(2)),
// hashes its content and round-trips a Reingest to the Daemon before
// the handle is discarded. The (original VFS path, cow file) mapping
// is held per FileHandle rather than in a process-wide fd table, since
// go-fuse already keys handles by open call.
type dirtyHandle struct {
	srv     *Server
	relPath string
	tier    manifest.Tier
	mode    uint32

	mu        sync.Mutex
	cow       *os.File
	committed bool
}

var (
	_ fs.FileReader    = (*dirtyHandle)(nil)
	_ fs.FileWriter    = (*dirtyHandle)(nil)
	_ fs.FileFlusher   = (*dirtyHandle)(nil)
	_ fs.FileReleaser  = (*dirtyHandle)(nil)
	_ fs.FileGetattrer = (*dirtyHandle)(nil)
	_ fs.FileSetattrer = (*dirtyHandle)(nil)
)

// newDirtyHandleFromEntry opens the write path for an existing file:
// unless truncate was requested, the original CAS blob's bytes are
// copied into the cow file first.
func newDirtyHandleFromEntry(srv *Server, relPath string, entry manifest.Entry, truncate bool) (*dirtyHandle, syscall.Errno) {
	h, errno := newDirtyHandle(srv, relPath, entry.Tier, filePerm(entry))
	if errno != 0 {
		return nil, errno
	}
	if !truncate && entry.Size > 0 {
		src, err := srv.cfg.Store.Get(entry.CH, entry.Size, "")
		if err != nil {
			h.cow.Close()
			os.Remove(h.cow.Name())
			return nil, syscall.EIO
		}
		_, err = io.Copy(h.cow, src)
		src.Close()
		if err != nil {
			h.cow.Close()
			os.Remove(h.cow.Name())
			return nil, syscall.EIO
		}
	}
	return h, 0
}

// newDirtyHandle creates a fresh, empty cow scratch file for relPath.
func newDirtyHandle(srv *Server, relPath string, tier manifest.Tier, mode uint32) (*dirtyHandle, syscall.Errno) {
	cow, err := os.CreateTemp(srv.cfg.ScratchDir, "dirty-*")
	if err != nil {
		return nil, syscall.EIO
	}
	return &dirtyHandle{srv: srv, relPath: relPath, tier: tier, mode: mode, cow: cow}, 0
}

func (h *dirtyHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.cow.ReadAt(dest, off)
	if err != nil && n == 0 && err != io.EOF {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *dirtyHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.cow.WriteAt(data, off)
	if err != nil {
		return uint32(n), syscall.EIO
	}
	return uint32(n), fs.OK
}

func (h *dirtyHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, err := h.cow.Stat()
	if err != nil {
		return syscall.EIO
	}
	out.Mode = fuse.S_IFREG | (h.mode & 0o7777)
	out.Size = uint64(st.Size())
	return fs.OK
}

func (h *dirtyHandle) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	h.mu.Lock()
	if in.Valid&fuse.FATTR_SIZE != 0 {
		if err := h.cow.Truncate(int64(in.Size)); err != nil {
			h.mu.Unlock()
			return syscall.EIO
		}
	}
	if in.Valid&fuse.FATTR_MODE != 0 {
		h.mode = in.Mode
	}
	h.mu.Unlock()
	return h.Getattr(ctx, out)
}

// Flush computes the cow content's hash and performs the Reingest IPC
// round trip: only after the Daemon replies OK does the Manifest
// reflect the new content.
func (h *dirtyHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed {
		return fs.OK
	}

	if _, err := h.cow.Seek(0, io.SeekStart); err != nil {
		return syscall.EIO
	}
	ch, size, err := content.HashReader(h.cow)
	if err != nil {
		return syscall.EIO
	}
	if err := h.cow.Sync(); err != nil {
		return syscall.EIO
	}

	// The Daemon owns all CAS writes; this process only reads the
	// store. The cow file lives in a scratch area both processes can
	// reach, so the request carries its path and the Daemon performs
	// the put itself, verifying the content against the hash computed
	// here before committing the Manifest update.
	_, err = h.srv.cfg.Client.Call(ipc.Request{
		Method:      ipc.MethodReingest,
		Project:     h.srv.cfg.Project,
		Path:        h.srv.manifestPath(h.relPath),
		ScratchPath: h.cow.Name(),
		CH:          ch,
		Size:        size,
		Tier:        h.tier,
		Mode:        h.mode,
		MtimeNS:     time.Now().UnixNano(),
	})
	if err != nil {
		// A Reingest failure on close leaves the data lost and the
		// error surfaced; the cow file is still removed on Release.
		return syscall.EIO
	}

	h.committed = true
	return fs.OK
}

// Release removes the cow scratch file once the kernel is done with
// the handle, regardless of whether Flush already ran.
func (h *dirtyHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := h.cow.Name()
	h.cow.Close()
	os.Remove(name)
	return fs.OK
}
