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

// InlinePathCap is the largest path that fits in a slot's inline buffer
// without a heap allocation. Paths longer than this (rare) spill to a
// heap-allocated overflow string, freed by the consumer after reading.
const InlinePathCap = 496

// Kind distinguishes a record discovered by the initial tree walk from
// one surfaced by the watch stream during or after the scan.
type Kind int

const (
	KindEnumerated Kind = iota
	KindWatchEvent
)

// Record is one (path, size) pair drawn from the Ring by a worker.
type Record struct {
	Path     string
	Size     int64
	Kind     Kind
	Attempts int // re-enqueue count, bounds FileModified/Busy retries
}

type slot struct {
	inline       [InlinePathCap]byte
	inlineLen    int
	overflow     string
	usesOverflow bool
	size         int64
	kind         Kind
	attempts     int
}

func (s *slot) setPath(p string) {
	if len(p) <= InlinePathCap {
		s.inlineLen = copy(s.inline[:], p)
		s.usesOverflow = false
		s.overflow = ""
		return
	}
	s.usesOverflow = true
	s.overflow = p
	s.inlineLen = 0
}

func (s *slot) path() string {
	if s.usesOverflow {
		return s.overflow
	}
	return string(s.inline[:s.inlineLen])
}

// Ring is a bounded, fixed-slot producer/consumer queue used to decouple
// the directory walker (and watch-event drain) from the hashing workers,
// applying back-pressure to the walker when workers fall behind instead
// of growing memory without bound.
type Ring struct {
	slots  []slot
	mu     sync.Mutex
	empty  *sync.Cond // signaled when a slot frees up
	full   *sync.Cond // signaled when a slot is filled
	head   int        // next slot to consume
	tail   int        // next slot to produce into
	count  int
	closed bool
}

// NewRing creates a ring with the given number of slots, defaulting to
// 1024 for a non-positive size.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1024
	}
	r := &Ring{slots: make([]slot, size)}
	r.empty = sync.NewCond(&r.mu)
	r.full = sync.NewCond(&r.mu)
	return r
}

// Push blocks until a slot is free (or the ring is closed) and enqueues
// (path, size, kind). It returns false if the ring was closed before a
// slot became available.
func (r *Ring) Push(path string, size int64, kind Kind) bool {
	return r.PushRecord(Record{Path: path, Size: size, Kind: kind})
}

// PushRecord is like Push but preserves an existing Attempts count, used
// to re-enqueue a record after a FileModified or Busy retry.
func (r *Ring) PushRecord(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == len(r.slots) && !r.closed {
		r.empty.Wait()
	}
	if r.closed {
		return false
	}
	s := &r.slots[r.tail]
	s.setPath(rec.Path)
	s.size = rec.Size
	s.kind = rec.Kind
	s.attempts = rec.Attempts
	r.tail = (r.tail + 1) % len(r.slots)
	r.count++
	r.full.Signal()
	return true
}

// Pop blocks until an item is available or the ring is closed and
// drained, returning ok=false in the latter case.
func (r *Ring) Pop() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == 0 && !r.closed {
		r.full.Wait()
	}
	if r.count == 0 {
		return Record{}, false
	}
	s := &r.slots[r.head]
	rec := Record{Path: s.path(), Size: s.size, Kind: s.kind, Attempts: s.attempts}
	s.overflow = "" // release overflow string for GC before the slot is reused
	r.head = (r.head + 1) % len(r.slots)
	r.count--
	r.empty.Signal()
	return rec, true
}

// Close marks the ring closed. Blocked Pushers are released (returning
// false); blocked Poppers drain remaining items, then also return false.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.empty.Broadcast()
	r.full.Broadcast()
}

// Len reports the number of items currently queued.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
