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

// Package projection implements the shim half of the system as a
// FUSE-hosted server rather than an LD_PRELOAD interposition library
// (see DESIGN.md for why: Go cannot produce the kind of shared object
// that safely re-enters a foreign process's dynamic linker before its
// own runtime exists). It preserves every operation and invariant of
// the interposition design — path-domain filtering, Manifest-backed
// reads, copy-on-write dirty fds, mutation-through-Daemon — just served
// through `github.com/hanwen/go-fuse/v2`'s kernel request loop instead
// of raw syscall trampolines, as a Node-per-path FUSE tree.
package projection

import (
	"log/slog"
	"os"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/ipc"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// Config configures one mounted projection of a single registered
// project.
type Config struct {
	// Project is the project's root path exactly as passed to
	// RegisterProject — Manifest keys are this root joined with the
	// mount-relative path, so it must match byte-for-byte.
	Project string

	Store  *casstore.Store // direct, read-only CAS access for the zero-copy read path
	Client *ipc.Client     // all Manifest mutation and lookup goes through the Daemon

	// ScratchDir holds copy-on-write temp files for dirty fds, ideally
	// on a per-session tmpfs. The daemon must be able to read paths
	// under it: Reingest hands over the cow file by path and the
	// daemon, as the store's sole writer, performs the CAS put itself.
	ScratchDir string

	DefaultTier manifest.Tier
	Log         *slog.Logger
	Debug       bool
}

// Server is the FUSE-hosted projection of one project's Manifest.
type Server struct {
	cfg Config
}

// New validates cfg and prepares the scratch area.
func New(cfg Config) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Project == "" || cfg.Store == nil || cfg.Client == nil {
		return nil, vrifterrors.New("projection.New", vrifterrors.Io, os.ErrInvalid)
	}
	if cfg.ScratchDir == "" {
		return nil, vrifterrors.New("projection.New", vrifterrors.Io, os.ErrInvalid)
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o700); err != nil {
		return nil, vrifterrors.New("projection.New", vrifterrors.Io, err)
	}
	return &Server{cfg: cfg}, nil
}

// Mount mounts the projection at mountpoint and returns the running
// FUSE server. Callers Unmount or Wait on the result as usual.
func (s *Server) Mount(mountpoint string) (*fuse.Server, error) {
	root := &Node{srv: s, relPath: ""}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:   "vrift",
			FsName: "vrift",
			Debug:  s.cfg.Debug,
		},
	}
	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, vrifterrors.New("projection.Mount", vrifterrors.Io, err)
	}
	return server, nil
}

// manifestPath turns a mount-relative path ("", "a", "a/b", ...) into
// the absolute filesystem path used as the Manifest's key, matching
// what the ingest engine recorded (entries are keyed by the absolute
// source path the walker and watcher observed).
func (s *Server) manifestPath(rel string) string {
	if rel == "" {
		return s.cfg.Project
	}
	return s.cfg.Project + "/" + rel
}
