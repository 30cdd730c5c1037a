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

import "context"

// DefaultMemoryBudget is the default number of bytes-to-hash a worker pool
// may hold in flight at once (a 1M-small-file tree or any single large
// file is bounded by this, not by file count).
const DefaultMemoryBudget = 256 << 20

// DefaultMmapThreshold is the size below which a file is mapped and
// hashed in one call; at or above it, streaming hash is used instead.
const DefaultMmapThreshold = 1 << 20

// DefaultBatchSize is the number of processed records the committer
// accumulates before forcing a commit even if the timeout hasn't fired.
const DefaultBatchSize = 100

// MemoryBudget is a byte-denominated counting semaphore. A worker about
// to read a file's bytes acquires min(file_size, chunk_size) permits
// before reading and releases them once the bytes are no longer held,
// bounding total in-flight content regardless of how many files are
// being hashed concurrently.
type MemoryBudget struct {
	ch   chan struct{}
	unit int64
}

// NewMemoryBudget creates a budget of totalBytes, tracked in units of
// unitBytes (so a single counting channel can represent a byte budget
// without allocating one channel slot per byte).
func NewMemoryBudget(totalBytes, unitBytes int64) *MemoryBudget {
	if unitBytes < 1 {
		unitBytes = 1
	}
	units := totalBytes / unitBytes
	if units < 1 {
		units = 1
	}
	return &MemoryBudget{ch: make(chan struct{}, units), unit: unitBytes}
}

func (b *MemoryBudget) unitsFor(size int64) int {
	n := int((size + b.unit - 1) / b.unit)
	if n < 1 {
		n = 1
	}
	if n > cap(b.ch) {
		n = cap(b.ch)
	}
	return n
}

// Acquire blocks until size bytes' worth of budget is available or ctx
// is done. The returned release func must be called exactly once.
func (b *MemoryBudget) Acquire(ctx context.Context, size int64) (release func(), err error) {
	n := b.unitsFor(size)
	acquired := 0
	for acquired < n {
		select {
		case b.ch <- struct{}{}:
			acquired++
		case <-ctx.Done():
			for i := 0; i < acquired; i++ {
				<-b.ch
			}
			return nil, ctx.Err()
		}
	}
	return func() {
		for i := 0; i < n; i++ {
			<-b.ch
		}
	}, nil
}
