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
	"time"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/internal/metrics"
	"github.com/velo-sh/vrift/pkg/content"
)

// Processed is one file's hash result, ready to be renamed into the CAS
// and recorded in the Manifest. tmpPath is empty when Already is true
// (the worker discarded its temp file because the blob already existed
// and performed no Rename).
type Processed struct {
	SourcePath string
	CH         content.CH
	Size       int64
	MtimeNS    int64
	Tier       manifest.Tier
	TmpPath    string
	Already    bool
}

// Committer is the single-thread batch commit stage: it accumulates
// Processed records off a channel and, once BatchSize records have
// arrived or on each FlushEvery tick of its periodic timer, renames every pending tmp file into the CAS, fsyncs the shard
// directory once per distinct shard touched, and commits one Manifest
// transaction for the whole batch, amortizing the fsync cost across
// the batch instead of paying it per file.
type Committer struct {
	store      *casstore.Store
	man        *manifest.Manifest
	log        *slog.Logger
	BatchSize  int
	FlushEvery time.Duration

	OnCommit func(Processed) // optional hook, used by the projection applier

	// OnError is invoked when a batch aborts: its records are discarded
	// and none of them reach the Manifest. Set by the Engine to cancel
	// the run.
	OnError func(error)
}

// NewCommitter constructs a Committer with the package defaults.
func NewCommitter(store *casstore.Store, man *manifest.Manifest, log *slog.Logger) *Committer {
	return &Committer{
		store:      store,
		man:        man,
		log:        log,
		BatchSize:  DefaultBatchSize,
		FlushEvery: 10 * time.Millisecond,
	}
}

// Run drains in until it is closed, committing batches as they fill or
// the flush timer fires, then committing whatever remains on close.
func (c *Committer) Run(in <-chan Processed) {
	batch := make([]Processed, 0, c.BatchSize)
	timer := time.NewTimer(c.FlushEvery)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.commit(batch); err != nil {
			c.log.Error("ingest batch aborted", "count", len(batch), "err", err)
			if c.OnError != nil {
				c.OnError(err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case p, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, p)
			if len(batch) >= c.BatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(c.FlushEvery)
			}
		case <-timer.C:
			flush()
			timer.Reset(c.FlushEvery)
		}
	}
}

// commit renames every tmp file into place, fsyncs each distinct shard
// touched (making the renames durable, the workers having already
// synced the tmp content), then commits one Manifest transaction for
// the batch. Any failure aborts the whole batch: remaining temp files
// are discarded and the Manifest transaction never runs, so nothing is
// published for a batch that didn't fully land in the CAS — blobs
// already renamed stay behind as harmless unreferenced entries that a
// later re-ingest reuses or GC reclaims.
func (c *Committer) commit(batch []Processed) error {
	shards := make(map[string]content.CH) // "hh1/hh2" -> one CH in that shard

	for i := range batch {
		p := &batch[i]
		if p.Already {
			continue
		}
		_, already, err := c.store.Rename(p.TmpPath, p.CH, p.Size, "")
		if err != nil {
			discardTemps(batch[i+1:])
			return err
		}
		p.Already = already
		metrics.RecordBlobWrite(p.Size, already)
		shards[p.CH.Shard1()+"/"+p.CH.Shard2()] = p.CH
	}
	for _, ch := range shards {
		if err := retryEIO(func() error { return c.store.SyncDir(ch) }); err != nil {
			return err
		}
	}

	for _, p := range batch {
		c.man.Put(manifest.Entry{
			Path:         p.SourcePath,
			CH:           p.CH,
			Size:         p.Size,
			Tier:         p.Tier,
			IngestTimeNS: p.MtimeNS,
		})
	}

	if c.OnCommit != nil {
		for _, p := range batch {
			c.OnCommit(p)
		}
	}
	metrics.RecordIngestBatch(len(batch))
	c.log.Debug("ingest batch committed", "count", len(batch))
	return nil
}

// discardTemps removes the temp files of records an aborted batch never
// got to rename; the one that failed was already cleaned by Rename.
func discardTemps(rest []Processed) {
	for _, p := range rest {
		if !p.Already && p.TmpPath != "" {
			os.Remove(p.TmpPath)
		}
	}
}
