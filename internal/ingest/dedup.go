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

import "sync"

// Dedup is the concurrent set of paths currently enqueued but not yet
// popped by a worker, so the same source is never sitting in the ring
// twice at once — the enumeration walk and the watch-event drain can
// both observe the same path during the scan interval, and without this
// a file touched mid-walk would occupy two ring slots for one piece of
// work.
type Dedup struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewDedup returns an empty Dedup set.
func NewDedup() *Dedup {
	return &Dedup{set: make(map[string]struct{})}
}

// TryMark reports whether path was not already marked, marking it as a
// side effect. Callers only enqueue when this returns true.
func (d *Dedup) TryMark(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[path]; ok {
		return false
	}
	d.set[path] = struct{}{}
	return true
}

// Unmark clears path, called once a worker pops the record so a later,
// genuinely new change to the same path can be enqueued again.
func (d *Dedup) Unmark(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.set, path)
}

// Pusher is implemented by anything a scan source (the enumerator or the
// watcher) can push discovered paths into.
type Pusher interface {
	Push(path string, size int64, kind Kind) bool
}

// RingLike is what a WorkerPool needs to draw work from: a deduping Pop
// and a raw PushRecord for re-enqueuing an already-popped retry (which
// must bypass the dedup check, since Pop already cleared this path's
// mark).
type RingLike interface {
	Pop() (Record, bool)
	PushRecord(rec Record) bool
}

// DedupRing pairs a Ring with a Dedup set so Push calls from multiple
// sources (the enumerator and the watcher) never enqueue the same path
// twice while it awaits a worker.
type DedupRing struct {
	*Ring
	dedup *Dedup
}

// NewDedupRing wraps ring with a fresh Dedup set.
func NewDedupRing(ring *Ring) *DedupRing {
	return &DedupRing{Ring: ring, dedup: NewDedup()}
}

// Push enqueues (path, size, kind) only if path is not already pending;
// it returns true if the record was enqueued or path was already pending
// (a no-op), and false if the ring closed before the record could be
// enqueued.
func (r *DedupRing) Push(path string, size int64, kind Kind) bool {
	if !r.dedup.TryMark(path) {
		return true
	}
	if ok := r.Ring.Push(path, size, kind); !ok {
		r.dedup.Unmark(path)
		return false
	}
	return true
}

// Pop pops the next record and clears its dedup mark, making the path
// eligible to be enqueued again by a subsequent enumeration or watch
// event once a worker has taken ownership of this one.
func (r *DedupRing) Pop() (Record, bool) {
	rec, ok := r.Ring.Pop()
	if ok {
		r.dedup.Unmark(rec.Path)
	}
	return rec, ok
}
