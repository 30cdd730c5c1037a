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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/internal/metrics"
	"github.com/velo-sh/vrift/pkg/content"
	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// OpenManifestFunc hands GC a readable Manifest for a project. The
// returned release func is called once the scan is done with the
// handle: a caller that opens fresh handles closes them there, while
// the daemon (which caches its handles and keeps them open) supplies a
// no-op.
type OpenManifestFunc func(path string) (m *manifest.Manifest, release func(), err error)

// GC runs mark-and-sweep collection over the CAS store shared by every
// registered project's Manifest.
type GC struct {
	store        *casstore.Store
	registry     *Registry
	openManifest OpenManifestFunc
	gracePeriod  time.Duration

	mu         sync.Mutex
	quarantine map[content.CH]int64 // CH -> first-seen-as-orphan unix nano
}

// NewGC constructs a GC. openManifest lets the daemon supply already-
// open Manifest handles (avoiding a second bbolt.Open per project)
// without this package importing the daemon's connection pool.
func NewGC(store *casstore.Store, reg *Registry, gracePeriod time.Duration, openManifest OpenManifestFunc) *GC {
	return &GC{
		store:        store,
		registry:     reg,
		openManifest: openManifest,
		gracePeriod:  gracePeriod,
		quarantine:   loadQuarantine(reg.dir),
	}
}

func quarantinePath(dir string) string { return filepath.Join(dir, "orphans.json") }
func gcLogPath(dir string) string      { return filepath.Join(dir, "gc.log") }

type quarantineRecord struct {
	CH          string `json:"ch"`
	FirstSeenNS int64  `json:"first_seen_ns"`
}

func loadQuarantine(dir string) map[content.CH]int64 {
	out := make(map[content.CH]int64)
	data, err := os.ReadFile(quarantinePath(dir))
	if err != nil {
		return out
	}
	var recs []quarantineRecord
	if json.Unmarshal(data, &recs) != nil {
		return out
	}
	for _, r := range recs {
		if ch, err := content.Parse(r.CH); err == nil {
			out[ch] = r.FirstSeenNS
		}
	}
	return out
}

func (g *GC) saveQuarantine() error {
	recs := make([]quarantineRecord, 0, len(g.quarantine))
	for ch, ts := range g.quarantine {
		recs = append(recs, quarantineRecord{CH: ch.String(), FirstSeenNS: ts})
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp := quarantinePath(g.registry.dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, quarantinePath(g.registry.dir))
}

// liveSet builds the reachable-CH bloom filter (and, for exact
// confirmation of bloom-positive hits, an in-memory exact set) by
// scanning every registered project's Manifest. By default every
// registered project counts, active or stale (the conservative
// default: a stale manifest still protects its blobs); pruneStale
// excludes stale projects instead, the way `gc --prune-stale` widens
// what Mark is willing to call an orphan.
func (g *GC) liveSet(pruneStale bool) (*bloom.BloomFilter, map[content.CH]struct{}, error) {
	projects := g.registry.All()
	if pruneStale {
		projects = g.registry.Active()
	}

	var totalEntries uint
	scans := make([][]manifest.Entry, len(projects))
	for i, p := range projects {
		m, release, err := g.openManifest(p.ManifestPath)
		if err != nil && p.CachePath != "" && p.CachePath != p.ManifestPath {
			// The authoritative copy is gone (deleted project root);
			// the registry-dir cache still protects its blobs.
			m, release, err = g.openManifest(p.CachePath)
		}
		if err != nil {
			continue // unreadable manifest: treat its blobs as unreferenced for this cycle
		}
		entries, err := m.PrefixScan("")
		release()
		if err != nil {
			continue
		}
		scans[i] = entries
		totalEntries += uint(len(entries))
	}
	if totalEntries == 0 {
		totalEntries = 1
	}

	filter := bloom.NewWithEstimates(totalEntries, 0.01)
	exact := make(map[content.CH]struct{}, totalEntries)
	for _, entries := range scans {
		for _, e := range entries {
			filter.Add(e.CH[:])
			exact[e.CH] = struct{}{}
		}
	}
	return filter, exact, nil
}

// Mark returns every blob in the CAS with no reachable reference from
// any registered Manifest: a bloom-filter negative is an immediate
// orphan, and a bloom-filter positive is resolved by an exact check
// against the live set (catching the filter's false positives) before
// being classified.
func (g *GC) Mark(pruneStale bool) ([]casstore.BlobInfo, error) {
	filter, exact, err := g.liveSet(pruneStale)
	if err != nil {
		return nil, err
	}

	var orphans []casstore.BlobInfo
	err = g.store.Walk(func(b casstore.BlobInfo) error {
		if !filter.Test(b.CH[:]) {
			orphans = append(orphans, b)
			return nil
		}
		if _, live := exact[b.CH]; !live {
			orphans = append(orphans, b)
		}
		return nil
	})
	if err != nil {
		return nil, vrifterrors.New("registry.Mark", vrifterrors.Io, err)
	}

	metrics.RecordGCRun("mark", 0) // mark removes nothing
	return orphans, nil
}

// Sweep applies the grace period to the orphans found by Mark: a blob
// seen as an orphan for the first time is quarantined (recorded, not
// deleted); one seen again after maxAge has elapsed is re-verified
// (a reingest of identical content could have made it live again since
// Mark ran) and only then deleted, with an append-only log entry.
func (g *GC) Sweep(orphans []casstore.BlobInfo, maxAge time.Duration, pruneStale bool) (deleted int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, exact, err := g.liveSet(pruneStale)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixNano()
	stillOrphan := make(map[content.CH]bool, len(orphans))
	for _, b := range orphans {
		stillOrphan[b.CH] = true
	}

	logFile, ferr := os.OpenFile(gcLogPath(g.registry.dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if ferr != nil {
		return 0, vrifterrors.New("registry.Sweep", vrifterrors.Io, ferr)
	}
	defer logFile.Close()

	for ch := range g.quarantine {
		if !stillOrphan[ch] {
			delete(g.quarantine, ch) // reingested since it was quarantined; reprieve it
		}
	}

	for _, b := range orphans {
		if _, live := exact[b.CH]; live {
			continue // became live again between Mark and Sweep
		}
		firstSeen, known := g.quarantine[b.CH]
		if !known {
			g.quarantine[b.CH] = now
			continue
		}
		if time.Duration(now-firstSeen) < maxAge {
			continue
		}
		if err := g.store.Delete(b.CH, b.Size, ""); err != nil {
			fmt.Fprintf(logFile, "%d delete-failed %s %v\n", now, b.CH, err)
			continue
		}
		fmt.Fprintf(logFile, "%d deleted %s\n", now, b.CH)
		delete(g.quarantine, b.CH)
		deleted++
	}

	if err := g.saveQuarantine(); err != nil {
		return deleted, vrifterrors.New("registry.Sweep", vrifterrors.Io, err)
	}
	metrics.RecordGCRun("sweep", deleted)
	return deleted, nil
}
