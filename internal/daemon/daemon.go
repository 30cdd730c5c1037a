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

// Package daemon implements the long-running process that owns every
// project's Manifest and the Registry, answering shim/client RPCs over
// the internal/ipc protocol with a single writer serializing all
// mutations, as required by the Manifest's single-writer-many-readers
// contract.
package daemon

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/ingest"
	"github.com/velo-sh/vrift/internal/ipc"
	"github.com/velo-sh/vrift/internal/logging"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/internal/metrics"
	"github.com/velo-sh/vrift/internal/registry"
	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// defaultTimeout and gcTimeout bound how long a single RPC may run
// before the Daemon replies with a Timeout error.
const (
	defaultTimeout = 5 * time.Second
	gcTimeout      = 30 * time.Second
)

// foldThreshold is the Delta entry count past which a Manifest is
// folded into its Base immediately rather than waiting for the fold
// timer; foldInterval is that timer.
const (
	foldThreshold = 4096
	foldInterval  = 30 * time.Second
)

// Daemon owns the CAS store, the Registry of known projects, and one
// open Manifest per registered project.
type Daemon struct {
	store *casstore.Store
	reg   *registry.Registry
	gc    *registry.GC
	log   *logging.Logger

	mu        sync.Mutex                    // single writer: serializes all Manifest/Registry mutation
	manifests map[string]*manifest.Manifest // ManifestUUID -> open handle
	engines   map[string]*ingest.Engine     // project root -> running Ingest Engine

	runCtx context.Context // background context engines run under, set by Serve

	startedAt time.Time
	heartbeat int64 // unix nano, updated by every dispatched request; read by the watchdog
	inflight  int64
}

// New constructs a Daemon rooted at dataDir (holding the CAS, the
// registry, and per-project manifest files).
func New(dataDir string, gracePeriod time.Duration, log *logging.Logger) (*Daemon, error) {
	store, err := casstore.Open(filepath.Join(dataDir, "cas"))
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(filepath.Join(dataDir, "registry"))
	if err != nil {
		store.Close()
		return nil, err
	}

	d := &Daemon{
		store:     store,
		reg:       reg,
		log:       log,
		manifests: make(map[string]*manifest.Manifest),
		engines:   make(map[string]*ingest.Engine),
		runCtx:    context.Background(),
		startedAt: time.Now(),
		heartbeat: time.Now().UnixNano(),
	}
	// GC scans through the daemon's cached handles; they stay open for
	// the process lifetime, so the release is a no-op.
	d.gc = registry.NewGC(store, reg, gracePeriod, func(path string) (*manifest.Manifest, func(), error) {
		m, err := d.openManifest(path)
		if err != nil {
			return nil, nil, err
		}
		return m, func() {}, nil
	})
	return d, nil
}

// openManifest returns the cached open Manifest for path, opening and
// caching it on first use. Callers must hold d.mu.
func (d *Daemon) openManifest(path string) (*manifest.Manifest, error) {
	if m, ok := d.manifests[path]; ok {
		return m, nil
	}
	m, err := manifest.Open(path)
	if err != nil {
		return nil, err
	}
	d.manifests[path] = m
	return m, nil
}

// Close folds every open Manifest, refreshes the registry-dir cache
// copies one last time, and closes the Manifests and the CAS store.
func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.manifests {
		m.Fold()
	}
	d.syncCachesLocked()
	for _, m := range d.manifests {
		m.Close()
	}
	return d.store.Close()
}

// syncCachesLocked snapshots every open project-local Manifest onto its
// registry-dir cache path, so GC keeps a readable copy of a project's
// references even after the project directory is deleted. Callers must
// hold d.mu and should Fold first so the snapshot includes the Delta.
func (d *Daemon) syncCachesLocked() {
	for _, p := range d.reg.All() {
		if p.CachePath == "" || p.CachePath == p.ManifestPath {
			continue
		}
		m, ok := d.manifests[p.ManifestPath]
		if !ok {
			continue
		}
		if err := m.Snapshot(p.CachePath); err != nil {
			d.log.Slog().Warn("manifest cache sync failed", "project", p.Root, "err", err)
		}
	}
}

// Serve listens on socketPath and handles connections until ctx is
// canceled, tolerating many short-lived connections per client. A
// background watchdog logs a diagnostic dump if no
// request has been dispatched to the writer for over a second while
// one is in flight (possible stall).
func (d *Daemon) Serve(ctx context.Context, socketPath string) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return vrifterrors.New("daemon.Serve", vrifterrors.Io, err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener is Serve over an already-bound listener, used by the
// hot-upgrade path where the socket was inherited from the previous
// daemon process rather than bound fresh.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()

	go d.watchdog(ctx)
	go d.foldLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				d.log.Slog().Error("daemon accept failed", "err", err)
				continue
			}
		}
		go d.handleConn(conn)
	}
}

// StartScrubber runs the integrity scrubber on a fixed interval until
// ctx is canceled, a no-op if bytesPerSecond is zero. Each pass samples
// roughly a tenth of the store so a full sweep of a large CAS happens
// over several intervals rather than one long blocking pass.
func (d *Daemon) StartScrubber(ctx context.Context, interval time.Duration, bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		return
	}
	s := registry.NewScrubber(d.store, d.reg.Dir(), bytesPerSecond)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Run(ctx, 0.1); err != nil && ctx.Err() == nil {
					d.log.Slog().Warn("scrub pass failed", "err", err)
				}
			}
		}
	}()
}

// foldLoop periodically folds every open Manifest's Delta into its
// Base so live-ingest and mutation results become durable without
// waiting for shutdown, then refreshes the registry-dir cache copies
// from the freshly-folded state. Entry-count-triggered folds happen
// inline in dispatch (see foldIfLarge); this timer covers the quiet
// tail.
func (d *Daemon) foldLoop(ctx context.Context) {
	ticker := time.NewTicker(foldInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			for path, m := range d.manifests {
				if err := m.Fold(); err != nil {
					d.log.Slog().Warn("manifest fold failed", "manifest", path, "err", err)
				}
			}
			d.syncCachesLocked()
			d.mu.Unlock()
		}
	}
}

func (d *Daemon) watchdog(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			inflight := d.inflight
			last := d.heartbeat
			d.mu.Unlock()
			if inflight > 0 && time.Since(time.Unix(0, last)) > time.Second {
				d.log.Slog().Warn("daemon watchdog: possible stall",
					"inflight", inflight,
					"since_last_heartbeat", time.Since(time.Unix(0, last)))
			}
		}
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var req ipc.Request
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if err := ipc.ReadFrame(r, &req); err != nil {
			return
		}

		timeout := defaultTimeout
		if req.Method == ipc.MethodGcMark || req.Method == ipc.MethodGcSweep {
			timeout = gcTimeout
		}

		start := time.Now()
		resp := d.dispatchWithDeadline(req, timeout)
		metrics.RecordRPC(string(req.Method), resp.Err == "", time.Since(start))

		conn.SetWriteDeadline(time.Now().Add(defaultTimeout))
		if err := ipc.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

func (d *Daemon) dispatchWithDeadline(req ipc.Request, timeout time.Duration) ipc.Response {
	done := make(chan ipc.Response, 1)
	go func() { done <- d.dispatch(req) }()
	select {
	case resp := <-done:
		return resp
	case <-time.After(timeout):
		return ipc.Response{Err: string(vrifterrors.Timeout)}
	}
}
