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
	"context"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/internal/metrics"
	"github.com/velo-sh/vrift/pkg/content"
	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// MaxAttempts bounds FileModified/Busy retries before a record is
// dropped with an error log instead of looping forever on a file under
// constant write pressure.
const MaxAttempts = 8

// WorkerPool runs NumWorkers goroutines, each popping records off a
// Ring, hashing the file's content under the memory budget, and
// forwarding a Processed result to the committer channel.
type WorkerPool struct {
	NumWorkers    int
	Store         *casstore.Store
	Budget        *MemoryBudget
	MmapThreshold int64
	TierOf        func(path string) manifest.Tier
	Log           *slog.Logger

	// OnFatal is invoked when a CAS write fails even after the EIO
	// retry (disk full, persistent device error): the run must abort
	// rather than keep writing. Set by the Engine to cancel the run.
	OnFatal func(error)

	ring RingLike
	out  chan<- Processed
}

// NewWorkerPool wires a pool of numWorkers workers (at least one)
// against ring and out, using the package default mmap threshold.
func NewWorkerPool(ring RingLike, out chan<- Processed, store *casstore.Store, budget *MemoryBudget, tierOf func(string) manifest.Tier, log *slog.Logger, numWorkers int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool{
		NumWorkers:    numWorkers,
		Store:         store,
		Budget:        budget,
		MmapThreshold: DefaultMmapThreshold,
		TierOf:        tierOf,
		Log:           log,
		ring:          ring,
		out:           out,
	}
}

// Run blocks spawning workers and waiting for the ring to drain and
// close; callers run it in a goroutine.
func (p *WorkerPool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.NumWorkers; i++ {
		go func() {
			p.loop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.NumWorkers; i++ {
		<-done
	}
}

func (p *WorkerPool) loop(ctx context.Context) {
	for {
		rec, ok := p.ring.Pop()
		if !ok {
			return
		}
		if err := p.process(ctx, rec); err != nil {
			if vrifterrorsRetryable(err) && rec.Attempts < MaxAttempts {
				rec.Attempts++
				p.ring.PushRecord(rec)
				continue
			}
			metrics.RecordIngestError(string(vrifterrors.KindOf(err)))
			p.Log.Error("ingest worker dropped record", "path", rec.Path, "err", err, "attempts", rec.Attempts)
			if vrifterrors.Is(err, vrifterrors.Io) && p.OnFatal != nil {
				// The CAS write path failed even after the single EIO
				// retry: surface to the run's owner and stop ingesting
				// instead of grinding on against a sick or full disk.
				p.OnFatal(err)
			}
		}
	}
}

func (p *WorkerPool) process(ctx context.Context, rec Record) error {
	f, err := os.Open(rec.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // vanished between enqueue and processing; nothing to ingest
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	mtimeBefore := info.ModTime().UnixNano()
	size := info.Size()

	unlock, lockErr := lockSource(f)
	if lockErr != nil {
		return lockErr // Busy, bounded retry
	}
	defer unlock()

	// Files below the mmap threshold are held whole; larger ones are
	// streamed, so their permit is capped at one threshold's worth.
	permit := size
	if permit > p.MmapThreshold {
		permit = p.MmapThreshold
	}
	release, err := p.Budget.Acquire(ctx, permit)
	if err != nil {
		return err
	}
	defer release()

	var ch content.CH
	var tmpPath string
	hashToTemp := func() error {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return serr
		}
		var herr error
		if size < p.MmapThreshold {
			ch, tmpPath, herr = p.hashSmall(f, size)
		} else {
			ch, tmpPath, herr = p.hashStreaming(f, size)
		}
		return herr
	}
	if err := retryEIO(hashToTemp); err != nil {
		return vrifterrors.New("ingest.process", vrifterrors.Io, err)
	}

	after, err := os.Stat(rec.Path)
	if err != nil || after.ModTime().UnixNano() != mtimeBefore {
		os.Remove(tmpPath)
		return errFileModified
	}

	already := p.Store.Exists(ch, size, "")
	if already {
		// Dedup: the committer will skip the rename, so the temp file
		// would otherwise be orphaned until the next startup cleanup.
		os.Remove(tmpPath)
		tmpPath = ""
	}

	tier := manifest.T2Mutable
	if p.TierOf != nil {
		tier = p.TierOf(rec.Path)
	}

	p.out <- Processed{
		SourcePath: rec.Path,
		CH:         ch,
		Size:       size,
		MtimeNS:    mtimeBefore,
		Tier:       tier,
		TmpPath:    tmpPath,
		Already:    already,
	}
	return nil
}

// hashSmall mmaps the whole file and hashes it in one call (zero extra
// copies into Go-managed memory beyond what the kernel maps), then
// streams the mapped bytes into a fresh CAS temp file.
func (p *WorkerPool) hashSmall(f *os.File, size int64) (content.CH, string, error) {
	if size == 0 {
		tmp, err := p.Store.NewTemp()
		if err != nil {
			return content.CH{}, "", err
		}
		name := tmp.Name()
		tmp.Close()
		return content.Empty, name, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return p.hashStreaming(f, size)
	}
	defer unix.Munmap(data)

	ch := content.Sum(data)

	tmp, err := p.Store.NewTemp()
	if err != nil {
		return content.CH{}, "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return content.CH{}, "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return content.CH{}, "", err
	}
	tmp.Close()
	return ch, tmpPath, nil
}

// hashStreaming is used for files at or above the mmap threshold: it
// copies the source into a CAS temp file while hashing the stream, so
// the full content is never held in memory at once.
func (p *WorkerPool) hashStreaming(f *os.File, size int64) (content.CH, string, error) {
	tmp, err := p.Store.NewTemp()
	if err != nil {
		return content.CH{}, "", err
	}
	tmpPath := tmp.Name()

	h := content.NewHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, h), f); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return content.CH{}, "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return content.CH{}, "", err
	}
	tmp.Close()
	return h.Sum(), tmpPath, nil
}
