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
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchSkipDirs never gets a recursive watch, matching the set of
// directories no project root should ever need live reindexing under.
var watchSkipDirs = map[string]bool{
	".git": true,
}

// Watcher registers a recursive fsnotify subscription rooted at a
// project directory and feeds create/write events into a Ring as
// KindWatchEvent records. fsnotify itself is not recursive, so every
// directory discovered (at registration time and as new directories
// appear) gets its own explicit Add call.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *slog.Logger
}

// NewWatcher registers watches on root and every subdirectory beneath
// it before returning, satisfying the watch-first ordering requirement:
// callers must not begin enumeration until this call returns, so no
// change occurring after registration can be missed between the scan
// and the watch going live.
func NewWatcher(root string, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fsw: fsw, log: log}
	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if watchSkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	}); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run drains watcher events into ring until done is closed or the
// watcher is closed. A Create event for a new directory registers a
// watch on it (and recursively on anything already inside it, in case
// a whole subtree was moved in as a single rename).
func (w *Watcher) Run(ring Pusher, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev, ring)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warn("ingest watcher error", "err", err)
			}
		case <-done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, ring Pusher) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	info, err := os.Lstat(ev.Name)
	if err != nil {
		return // removed again before we could stat it; a later event will settle it
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			w.addTree(ev.Name)
		}
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return
	}
	ring.Push(ev.Name, info.Size(), KindWatchEvent)
}

func (w *Watcher) addTree(root string) {
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if watchSkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil && w.log != nil {
			w.log.Warn("failed to add watch", "path", path, "err", err)
		}
		return nil
	})
}
