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

package daemon

import (
	"os"
	"path/filepath"
	"time"

	"github.com/velo-sh/vrift/internal/ingest"
	"github.com/velo-sh/vrift/internal/ipc"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/pkg/content"
	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// dirModeBit marks a Manifest entry as a directory (mode bits only, no
// blob) rather than a regular file backed by a CAS blob.
const dirModeBit = uint32(os.ModeDir)

// dispatch executes one RPC. Every Manifest/Registry mutation happens
// while d.mu is held, making this Daemon's single writer; PrefixScan
// and Get on an already-open Manifest take their own internal RWMutex
// and could in principle run lock-free, but routing everything through
// one mutex here keeps the heartbeat/inflight bookkeeping exact and
// stays close enough to the one-writer, many-readers model for the
// scale this daemon targets.
func (d *Daemon) dispatch(req ipc.Request) ipc.Response {
	d.mu.Lock()
	d.inflight++
	d.heartbeat = time.Now().UnixNano()
	defer func() {
		d.inflight--
		d.mu.Unlock()
	}()

	switch req.Method {
	case ipc.MethodRegisterProject:
		return d.doRegisterProject(req)
	case ipc.MethodManifestGet:
		return d.doManifestGet(req)
	case ipc.MethodManifestPrefix:
		return d.doManifestPrefix(req)
	case ipc.MethodReingest:
		return d.doReingest(req)
	case ipc.MethodTombstone:
		return d.doTombstone(req)
	case ipc.MethodRename:
		return d.doRename(req)
	case ipc.MethodMkdir:
		return d.doMkdir(req)
	case ipc.MethodRmdir:
		return d.doRmdir(req)
	case ipc.MethodSetAttr:
		return d.doSetAttr(req)
	case ipc.MethodStatus:
		return d.doStatus()
	case ipc.MethodGcMark:
		return d.doGcMark(req)
	case ipc.MethodGcSweep:
		return d.doGcSweep(req)
	default:
		return ipc.Response{Err: "daemon: unknown method"}
	}
}

// foldIfLarge folds a Manifest whose Delta has grown past the
// threshold. Called at the end of every mutating RPC, with d.mu held.
func (d *Daemon) foldIfLarge(m *manifest.Manifest) {
	if m.DeltaLen() < foldThreshold {
		return
	}
	if err := m.Fold(); err != nil {
		d.log.Slog().Warn("manifest fold failed", "err", err)
	}
}

func (d *Daemon) projectManifest(project string) (*manifest.Manifest, error) {
	p, ok := d.reg.Lookup(project)
	if !ok {
		return nil, vrifterrors.New("daemon.projectManifest", vrifterrors.NotFound, nil)
	}
	return d.openManifest(p.ManifestPath)
}

// doRegisterProject registers root with the Registry, opens its
// Manifest, and (on first registration of this root in the process
// lifetime) starts a background Ingest Engine watching it: the watch
// registration inside ingest.New happens before this call returns, so
// no filesystem change between registration and the caller's next
// read can be missed.
func (d *Daemon) doRegisterProject(req ipc.Request) ipc.Response {
	p, err := d.reg.Register(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	m, err := d.openManifest(p.ManifestPath)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	if _, running := d.engines[req.Project]; !running {
		mode := ingest.Solid
		if req.Phantom {
			mode = ingest.Phantom
		}
		engine, err := ingest.New(ingest.Config{
			Root:     req.Project,
			Store:    d.store,
			Manifest: m,
			TierRule: ingest.TierRule{ImmutablePrefixes: req.Immutable},
			Mode:     mode,
			Log:      d.log.Slog(),
		})
		if err != nil {
			// A registered root that doesn't exist yet (or raced a
			// concurrent mkdir) still registers successfully; it just
			// has no live ingest until the next registration attempt.
			d.log.Slog().Warn("ingest engine not started", "project", req.Project, "err", err)
		} else {
			d.engines[req.Project] = engine
			go func(project string) {
				if err := engine.Run(d.runCtx); err != nil {
					d.log.Slog().Error("ingest engine aborted", "project", project, "err", err)
				}
			}(req.Project)
		}
	}
	return ipc.Response{}
}

func (d *Daemon) doManifestGet(req ipc.Request) ipc.Response {
	m, err := d.projectManifest(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	entry, ok, err := m.Get(normalize(req.Path), req.ABIContext)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	return ipc.Response{Entry: entry, EntryFound: ok}
}

func (d *Daemon) doManifestPrefix(req ipc.Request) ipc.Response {
	m, err := d.projectManifest(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	entries, err := m.PrefixScan(normalize(req.PathPrefix))
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	return ipc.Response{Entries: entries}
}

// doReingest records a new or updated entry. When the request carries
// a scratch path the Daemon performs the CAS put itself (clients are
// read-only against the store) and verifies the blob it wrote matches
// the hash and size the client claimed; a mismatch leaves a valid,
// correctly-named blob of whatever the scratch file actually held and
// refuses the Manifest update. By the time this returns OK, any
// subsequent ManifestGet from any client observes it — Put takes the
// Manifest's own lock synchronously, so the read-after-write guarantee
// holds without needing to wait for the next Fold.
func (d *Daemon) doReingest(req ipc.Request) ipc.Response {
	m, err := d.projectManifest(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	if req.ScratchPath != "" {
		f, err := os.Open(req.ScratchPath)
		if err != nil {
			return ipc.Response{Err: vrifterrors.New("daemon.doReingest", vrifterrors.Io, err).Error()}
		}
		ch, size, _, err := d.store.Put(f, "")
		f.Close()
		if err != nil {
			return ipc.Response{Err: err.Error()}
		}
		if ch != req.CH || size != req.Size {
			return ipc.Response{Err: vrifterrors.New("daemon.doReingest", vrifterrors.IntegrityViolation, nil).Error()}
		}
	}
	m.Put(manifest.Entry{
		Path:         normalize(req.Path),
		ABIContext:   req.ABIContext,
		CH:           req.CH,
		Size:         req.Size,
		Tier:         req.Tier,
		OriginalMode: req.Mode,
		Uid:          req.Uid,
		Gid:          req.Gid,
		IngestTimeNS: req.MtimeNS,
	})
	d.foldIfLarge(m)
	return ipc.Response{}
}

// doRename implements the mutation path's rename(a, b): the Delta
// replaces the entry at a with a tombstone and inserts the same CH at
// b, as one critical section under the Daemon's single-writer lock so
// no reader observes both a and b missing or both present.
func (d *Daemon) doRename(req ipc.Request) ipc.Response {
	m, err := d.projectManifest(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	oldPath := normalize(req.Path)
	newPath := normalize(req.NewPath)
	entry, ok, err := m.Get(oldPath, req.ABIContext)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	if !ok {
		return ipc.Response{Err: vrifterrors.New("daemon.doRename", vrifterrors.NotFound, nil).Error()}
	}
	m.Tombstone(oldPath, req.ABIContext)
	entry.Path = newPath
	m.Put(entry)
	d.foldIfLarge(m)
	return ipc.Response{}
}

// doMkdir records a directory-only entry: the Manifest gains mode bits
// for the path, no blob.
func (d *Daemon) doMkdir(req ipc.Request) ipc.Response {
	m, err := d.projectManifest(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	m.Put(manifest.Entry{
		Path:         normalize(req.Path),
		OriginalMode: req.Mode | dirModeBit,
		Uid:          req.Uid,
		Gid:          req.Gid,
		IngestTimeNS: req.MtimeNS,
	})
	d.foldIfLarge(m)
	return ipc.Response{}
}

// doRmdir removes a directory entry if, and only if, no Delta+Base
// merged entry remains under it.
func (d *Daemon) doRmdir(req ipc.Request) ipc.Response {
	m, err := d.projectManifest(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	dir := normalize(req.Path)
	children, err := m.PrefixScan(dir + "/")
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	if len(children) > 0 {
		return ipc.Response{Err: vrifterrors.New("daemon.doRmdir", vrifterrors.AlreadyExists, nil).Error()}
	}
	m.Tombstone(dir, req.ABIContext)
	d.foldIfLarge(m)
	return ipc.Response{}
}

// doSetAttr folds chmod/chown/utimes into the existing entry's
// metadata without touching CAS file permissions; only fields the
// caller marked Has* are overwritten. A path with no entry of its own
// but with entries beneath it (an implied directory) gains a directory
// entry, starting from mode 0755.
func (d *Daemon) doSetAttr(req ipc.Request) ipc.Response {
	m, err := d.projectManifest(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	p := normalize(req.Path)
	entry, ok, err := m.Get(p, req.ABIContext)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	if !ok {
		children, err := m.PrefixScan(p + "/")
		if err != nil {
			return ipc.Response{Err: err.Error()}
		}
		if len(children) == 0 {
			return ipc.Response{Err: vrifterrors.New("daemon.doSetAttr", vrifterrors.NotFound, nil).Error()}
		}
		entry = manifest.Entry{Path: p, ABIContext: req.ABIContext, OriginalMode: 0o755 | dirModeBit}
	}
	if req.HasMode {
		dirBit := entry.OriginalMode & dirModeBit
		entry.OriginalMode = req.Mode | dirBit
	}
	if req.HasUid {
		entry.Uid = req.Uid
	}
	if req.HasGid {
		entry.Gid = req.Gid
	}
	if req.HasTime {
		entry.IngestTimeNS = req.MtimeNS
	}
	m.Put(entry)
	d.foldIfLarge(m)
	return ipc.Response{}
}

func (d *Daemon) doTombstone(req ipc.Request) ipc.Response {
	m, err := d.projectManifest(req.Project)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	m.Tombstone(normalize(req.Path), req.ABIContext)
	d.foldIfLarge(m)
	return ipc.Response{}
}

func (d *Daemon) doStatus() ipc.Response {
	var deltaLen int
	for _, m := range d.manifests {
		deltaLen += m.DeltaLen()
	}
	return ipc.Response{Status: ipc.StatusInfo{
		Uptime:      time.Since(d.startedAt).Nanoseconds(),
		Projects:    len(d.reg.All()),
		DeltaLen:    deltaLen,
		InflightOps: int(d.inflight),
	}}
}

func (d *Daemon) doGcMark(req ipc.Request) ipc.Response {
	if err := d.reg.ScanStale(); err != nil {
		d.log.Slog().Warn("registry stale scan failed", "err", err)
	}
	orphans, err := d.gc.Mark(req.PruneStale)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	chs := make([]content.CH, len(orphans))
	for i, b := range orphans {
		chs[i] = b.CH
	}
	return ipc.Response{OrphanList: chs}
}

func (d *Daemon) doGcSweep(req ipc.Request) ipc.Response {
	if err := d.reg.ScanStale(); err != nil {
		d.log.Slog().Warn("registry stale scan failed", "err", err)
	}
	orphans, err := d.gc.Mark(req.PruneStale)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	maxAge := time.Duration(req.MaxAgeNS)
	deleted, err := d.gc.Sweep(orphans, maxAge, req.PruneStale)
	if err != nil {
		return ipc.Response{Err: err.Error()}
	}
	if req.PruneStale {
		if _, err := d.reg.PruneStale(); err != nil {
			d.log.Slog().Warn("prune-stale failed", "err", err)
		}
	}
	return ipc.Response{Deleted: deleted}
}

func normalize(p string) string {
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}
