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
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/velo-sh/vrift/internal/ipc"
)

// setAttrRPC folds a FUSE SetAttrIn's chmod/chown/utimes bits into a
// SetAttr RPC against absPath, shared by Node (directories) and
// FileNode (files not currently open for write) since both translate
// the same FATTR_* bitmask into the Daemon's partial-update fields.
func setAttrRPC(srv *Server, absPath string, in *fuse.SetAttrIn) syscall.Errno {
	req := ipc.Request{
		Method:  ipc.MethodSetAttr,
		Project: srv.cfg.Project,
		Path:    absPath,
	}
	if in.Valid&fuse.FATTR_MODE != 0 {
		req.HasMode, req.Mode = true, in.Mode
	}
	if in.Valid&fuse.FATTR_UID != 0 {
		req.HasUid, req.Uid = true, in.Uid
	}
	if in.Valid&fuse.FATTR_GID != 0 {
		req.HasGid, req.Gid = true, in.Gid
	}
	if in.Valid&fuse.FATTR_MTIME != 0 {
		req.HasTime, req.MtimeNS = true, int64(in.Mtime)*int64(time.Second)
	}
	if _, err := srv.cfg.Client.Call(req); err != nil {
		return syscall.EIO
	}
	return fs.OK
}
