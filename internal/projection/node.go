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
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/velo-sh/vrift/internal/ipc"
	"github.com/velo-sh/vrift/internal/manifest"
)

// Node is a directory inode: a prefix of the Manifest's flat path space
// that either has its own directory Entry (created by mkdir, or by
// chmod/chown/utimes on one) or exists only implicitly, standing in for
// a deeper file's ancestor path. The root Node's relPath is "".
type Node struct {
	fs.Inode
	srv     *Server
	relPath string
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
)

func (n *Node) child(name string) string {
	if n.relPath == "" {
		return name
	}
	return n.relPath + "/" + name
}

// entryChild groups one immediate directory entry synthesized from a
// Manifest prefix scan, either an explicit Entry (a file, or a
// directory created by mkdir) or one implied by a deeper descendant.
type entryChild struct {
	name     string
	isDir    bool
	entry    manifest.Entry
	hasEntry bool
}

// groupChildren reduces the (possibly deep) result of a prefix scan
// rooted at prefix into its immediate children, the way readdir must
// collapse a flat Manifest into one directory level.
func groupChildren(prefix string, entries []manifest.Entry) []entryChild {
	byName := make(map[string]*entryChild)
	var order []string

	for _, e := range entries {
		rel := strings.TrimPrefix(e.Path, prefix)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			continue
		}
		name := rel
		isDir := false
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			name = rel[:i]
			isDir = true
		}
		c, ok := byName[name]
		if !ok {
			c = &entryChild{name: name}
			byName[name] = c
			order = append(order, name)
		}
		if isDir {
			c.isDir = true
			continue
		}
		c.hasEntry = true
		c.entry = e
		if e.IsDir() {
			c.isDir = true
		}
	}

	sort.Strings(order)
	out := make([]entryChild, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

func (n *Node) lookupChildren(ctx context.Context) ([]entryChild, error) {
	prefix := n.srv.manifestPath(n.relPath)
	scanPrefix := prefix + "/"
	resp, err := n.srv.cfg.Client.Call(ipc.Request{
		Method:     ipc.MethodManifestPrefix,
		Project:    n.srv.cfg.Project,
		PathPrefix: scanPrefix,
	})
	if err != nil {
		return nil, err
	}
	return groupChildren(scanPrefix, resp.Entries), nil
}

// Lookup resolves one path component: a Manifest hit for the exact
// child path means a file (or an explicit directory Entry); otherwise
// any entry living deeper under the child path means an implied
// directory; otherwise ENOENT.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.child(name)
	if isReserved(rel) {
		return nil, syscall.ENOENT
	}
	abs := n.srv.manifestPath(rel)

	resp, err := n.srv.cfg.Client.Call(ipc.Request{
		Method:  ipc.MethodManifestGet,
		Project: n.srv.cfg.Project,
		Path:    abs,
	})
	if err != nil {
		return nil, syscall.EIO
	}
	if resp.EntryFound {
		if resp.Entry.IsDir() {
			child := &Node{srv: n.srv, relPath: rel}
			out.Mode = fuse.S_IFDIR | (resp.Entry.OriginalMode &^ uint32(os.ModeDir) & 0o7777)
			if out.Mode&0o7777 == 0 {
				out.Mode = fuse.S_IFDIR | 0o755
			}
			return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), fs.OK
		}
		child := &FileNode{srv: n.srv, relPath: rel, entry: resp.Entry}
		fillFileAttr(&out.Attr, resp.Entry)
		out.Attr.Mode = fuse.S_IFREG | filePerm(resp.Entry)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG}), fs.OK
	}

	scanResp, err := n.srv.cfg.Client.Call(ipc.Request{
		Method:     ipc.MethodManifestPrefix,
		Project:    n.srv.cfg.Project,
		PathPrefix: abs + "/",
	})
	if err != nil {
		return nil, syscall.EIO
	}
	if len(scanResp.Entries) == 0 {
		return nil, syscall.ENOENT
	}

	child := &Node{srv: n.srv, relPath: rel}
	out.Attr.Mode = fuse.S_IFDIR | 0o755
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), fs.OK
}

// Readdir generates synthetic entries from a Manifest prefix scan
// snapshot, iterated by the kernel as a process-local list rather than
// growing unbounded heap state per call.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.lookupChildren(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	out := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		if isReserved(c.name) {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if c.isDir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: c.name, Mode: mode})
	}
	return fs.NewListDirStream(out), fs.OK
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0o755
	return fs.OK
}

// Setattr folds chmod/chown/utimes into the directory's Manifest Entry
// metadata (creating one if this was only an implied directory); CAS
// file permissions are never touched by this.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if errno := setAttrRPC(n.srv, n.srv.manifestPath(n.relPath), in); errno != 0 {
		return errno
	}
	out.Mode = fuse.S_IFDIR | 0o755
	return fs.OK
}

// Mkdir records a directory-only Manifest entry (mode bits, no blob).
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.child(name)
	if isReserved(rel) {
		return nil, syscall.EACCES
	}
	_, err := n.srv.cfg.Client.Call(ipc.Request{
		Method:  ipc.MethodMkdir,
		Project: n.srv.cfg.Project,
		Path:    n.srv.manifestPath(rel),
		Mode:    mode,
		MtimeNS: time.Now().UnixNano(),
	})
	if err != nil {
		return nil, syscall.EIO
	}
	out.Mode = fuse.S_IFDIR | (mode & 0o7777)
	child := &Node{srv: n.srv, relPath: rel}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), fs.OK
}

// Rmdir removes an empty directory entry; the Daemon verifies
// emptiness under its single writer before tombstoning.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	rel := n.child(name)
	_, err := n.srv.cfg.Client.Call(ipc.Request{
		Method:  ipc.MethodRmdir,
		Project: n.srv.cfg.Project,
		Path:    n.srv.manifestPath(rel),
	})
	if err != nil {
		return syscall.ENOTEMPTY
	}
	return fs.OK
}

// Unlink tombstones a file entry; the CAS blob is untouched (it may
// still be referenced elsewhere, and GC reclaims it only once no
// Manifest anywhere references it).
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	rel := n.child(name)
	_, err := n.srv.cfg.Client.Call(ipc.Request{
		Method:  ipc.MethodTombstone,
		Project: n.srv.cfg.Project,
		Path:    n.srv.manifestPath(rel),
	})
	if err != nil {
		return syscall.EIO
	}
	return fs.OK
}

// Rename moves an entry from (n, name) to (newParent, newName): the
// Daemon tombstones the old key and inserts the same CH at the new one
// as a single critical section.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	_, err := n.srv.cfg.Client.Call(ipc.Request{
		Method:  ipc.MethodRename,
		Project: n.srv.cfg.Project,
		Path:    n.srv.manifestPath(n.child(name)),
		NewPath: n.srv.manifestPath(np.child(newName)),
	})
	if err != nil {
		return syscall.EIO
	}
	return fs.OK
}

// Create opens a brand-new file under this directory for writing,
// entering the copy-on-write write path with no prior CAS content to
// copy (equivalent to O_WRONLY|O_CREAT|O_TRUNC on the read path).
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	rel := n.child(name)
	if isReserved(rel) {
		return nil, nil, 0, syscall.EACCES
	}
	h, errno := newDirtyHandle(n.srv, rel, n.srv.cfg.DefaultTier, mode)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	child := &FileNode{srv: n.srv, relPath: rel}
	out.Attr.Mode = fuse.S_IFREG | (mode & 0o7777)
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG})
	return inode, h, fuse.FOPEN_DIRECT_IO, fs.OK
}

func filePerm(e manifest.Entry) uint32 {
	perm := e.OriginalMode & 0o7777
	if perm == 0 {
		perm = 0o444
	}
	return perm
}

func fillFileAttr(attr *fuse.Attr, e manifest.Entry) {
	attr.Size = uint64(e.Size)
	attr.Mtime = uint64(e.IngestTimeNS / int64(time.Second))
	attr.Mtimensec = uint32(e.IngestTimeNS % int64(time.Second))
	attr.Uid = e.Uid
	attr.Gid = e.Gid
}
