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

package registry

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/pkg/content"
	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// Scrubber periodically re-verifies a sample of CAS blobs against their
// filename hash, quarantining any mismatch it finds the same way GC
// quarantines an orphan: recorded in corrupt.log, left in place for
// inspection rather than deleted outright.
type Scrubber struct {
	store       *casstore.Store
	registryDir string

	// BytesPerSecond caps read throughput so a scrub pass never competes
	// meaningfully with foreground ingest or projection I/O. Zero means
	// unlimited (test-friendly default).
	BytesPerSecond int64
}

// NewScrubber constructs a Scrubber over store, logging to registryDir.
func NewScrubber(store *casstore.Store, registryDir string, bytesPerSecond int64) *Scrubber {
	return &Scrubber{store: store, registryDir: registryDir, BytesPerSecond: bytesPerSecond}
}

func corruptLogPath(dir string) string { return filepath.Join(dir, "corrupt.log") }

// Run makes one pass over every blob in the store, reading and
// rehashing a sample selected by rate (0 < rate <= 1: the fraction of
// blobs checked per pass), and stops early if ctx is canceled. Corrupt
// blobs are appended to
// corrupt.log; Run never deletes anything itself, leaving remediation
// to an operator or a future automated policy.
func (s *Scrubber) Run(ctx context.Context, rate float64) error {
	logFile, err := os.OpenFile(corruptLogPath(s.registryDir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return vrifterrors.New("registry.Scrubber.Run", vrifterrors.Io, err)
	}
	defer logFile.Close()

	var budget int64
	lastRefill := time.Now()

	return s.store.Walk(func(b casstore.BlobInfo) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if rate < 1 && rand.Float64() > rate {
			return nil
		}

		if s.BytesPerSecond > 0 {
			now := time.Now()
			budget += int64(now.Sub(lastRefill).Seconds() * float64(s.BytesPerSecond))
			lastRefill = now
			if budget < b.Size {
				time.Sleep(time.Duration(float64(b.Size-budget) / float64(s.BytesPerSecond) * float64(time.Second)))
				budget = 0
			} else {
				budget -= b.Size
			}
		}

		ok, err := s.verify(b)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(logFile, "%d corrupt %s size=%d path=%s\n", time.Now().UnixNano(), b.CH, b.Size, b.Path)
		}
		return nil
	})
}

func (s *Scrubber) verify(b casstore.BlobInfo) (bool, error) {
	f, err := s.store.Get(b.CH, b.Size, "")
	if err != nil {
		return false, nil // already gone; not this scrub pass's problem
	}
	defer f.Close()

	ch, size, err := content.HashReader(f)
	if err != nil {
		return false, vrifterrors.New("registry.Scrubber.verify", vrifterrors.Io, err)
	}
	return ch == b.CH && size == b.Size, nil
}
