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

// Package ingest implements the Ingest Engine: watch-first directory
// scanning, bounded-memory concurrent hashing, batch commits into the
// CAS and Manifest, and projection of the source tree onto CAS-backed
// files or symlinks.
package ingest

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/manifest"
)

// Config controls one Engine run over a single project root.
type Config struct {
	Root         string
	Store        *casstore.Store
	Manifest     *manifest.Manifest
	TierRule     TierRule
	Mode         ProjectionMode
	NumWorkers   int   // 0 means GOMAXPROCS
	MemoryBudget int64 // 0 means DefaultMemoryBudget
	RingSize     int   // 0 means 1024
	Log          *slog.Logger
}

// Engine runs one complete ingest: watch-first registration, initial
// enumeration, concurrent hashing, batch commit, and projection.
type Engine struct {
	cfg       Config
	ring      *DedupRing
	watcher   *Watcher
	committer *Committer
	projector *Projector

	failOnce sync.Once
	fatal    error
}

// New wires an Engine from cfg, registering the recursive watch before
// returning so Run's enumeration phase cannot race a missed change.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = 1024
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = runtime.GOMAXPROCS(0)
	}
	if cfg.MemoryBudget == 0 {
		cfg.MemoryBudget = DefaultMemoryBudget
	}

	w, err := NewWatcher(cfg.Root, cfg.Log)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		ring:      NewDedupRing(NewRing(cfg.RingSize)),
		watcher:   w,
		committer: NewCommitter(cfg.Store, cfg.Manifest, cfg.Log),
		projector: &Projector{Store: cfg.Store, Mode: cfg.Mode},
	}, nil
}

// Run registers nothing further (the watch was already registered by
// New) and performs the initial enumeration, then keeps the worker pool
// and committer running so watch-driven changes discovered after the
// scan continue to flow through the same pipeline. Run blocks until
// ctx is canceled or a CAS write fails fatally (a post-retry EIO, or
// ENOSPC), at which point the watcher is closed, the ring is closed
// (releasing workers once drained), and the committer flushes before
// Run returns — nil on a clean cancel, the fatal error otherwise.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	abort := func(err error) {
		e.failOnce.Do(func() {
			e.fatal = err
			cancel()
		})
	}

	e.committer.OnCommit = func(p Processed) {
		if err := e.projector.Apply(p); err != nil {
			e.cfg.Log.Error("ingest projection failed", "path", p.SourcePath, "err", err)
		}
	}
	e.committer.OnError = abort

	watchDone := make(chan struct{})
	go e.watcher.Run(e.ring, watchDone)

	commitCh := make(chan Processed, e.cfg.NumWorkers*2)
	committerDone := make(chan struct{})
	go func() {
		e.committer.Run(commitCh)
		close(committerDone)
	}()

	budget := NewMemoryBudget(e.cfg.MemoryBudget, 64<<10)
	pool := NewWorkerPool(e.ring, commitCh, e.cfg.Store, budget, e.cfg.TierRule.Classify, e.cfg.Log, e.cfg.NumWorkers)
	pool.OnFatal = abort
	poolDone := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(poolDone)
	}()

	if err := Enumerate(e.cfg.Root, e.ring); err != nil {
		e.cfg.Log.Error("ingest enumeration failed", "root", e.cfg.Root, "err", err)
	}

	<-runCtx.Done()
	close(watchDone)
	e.watcher.Close()
	e.ring.Close()
	<-poolDone
	close(commitCh)
	<-committerDone
	return e.fatal
}
