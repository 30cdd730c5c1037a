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
	"os"
	"path/filepath"
	"testing"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	p1, err := r.Register(root)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := r.Register(root)
	if err != nil {
		t.Fatal(err)
	}
	if p1.ManifestUUID != p2.ManifestUUID {
		t.Fatal("expected re-registering the same root to return the same manifest UUID")
	}
}

func TestRegisterUsesProjectLocalManifest(t *testing.T) {
	regDir := t.TempDir()
	r, err := Open(regDir)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	p, err := r.Register(root)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(root, ".vrift", "manifest.lmdb"); p.ManifestPath != want {
		t.Fatalf("ManifestPath = %q, want project-local %q", p.ManifestPath, want)
	}
	if filepath.Dir(filepath.Dir(p.CachePath)) != regDir {
		t.Fatalf("CachePath = %q, want a path under the registry dir", p.CachePath)
	}
	if p.CachePath == p.ManifestPath {
		t.Fatal("cache copy must be distinct from the authoritative manifest")
	}
}

func TestRegisterMissingRootFallsBackToCache(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// A regular file where a parent directory should be makes the
	// project-local control dir uncreatable.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(blocker, "proj")
	p, err := r.Register(root)
	if err != nil {
		t.Fatal(err)
	}
	if p.ManifestPath != p.CachePath {
		t.Fatalf("an uncreatable root must fall back to the cache path, got %q vs %q", p.ManifestPath, p.CachePath)
	}
}

func TestRegisterPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	p, err := r.Register(root)
	if err != nil {
		t.Fatal(err)
	}

	r2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := r2.Lookup(root)
	if !ok {
		t.Fatal("expected project to survive reopen")
	}
	if got.ManifestUUID != p.ManifestUUID {
		t.Fatal("manifest UUID changed across reopen")
	}
}

func TestScanStaleMarksMissingRoots(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	liveRoot := t.TempDir()
	if _, err := r.Register(liveRoot); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(filepath.Join(dir, "does-not-exist")); err != nil {
		t.Fatal(err)
	}

	if err := r.ScanStale(); err != nil {
		t.Fatal(err)
	}

	live, ok := r.Lookup(liveRoot)
	if !ok || live.Status != StatusActive {
		t.Fatalf("expected live root to stay active, got %+v ok=%v", live, ok)
	}
	gone, ok := r.Lookup(filepath.Join(dir, "does-not-exist"))
	if !ok || gone.Status != StatusStale {
		t.Fatalf("expected missing root to become stale, got %+v ok=%v", gone, ok)
	}

	if len(r.Active()) != 1 {
		t.Fatalf("expected exactly one active project, got %d", len(r.Active()))
	}
}

func TestPruneStaleRemovesOnlyStaleEntries(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	liveRoot := t.TempDir()
	goneRoot := filepath.Join(dir, "gone")
	if _, err := r.Register(liveRoot); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(goneRoot); err != nil {
		t.Fatal(err)
	}
	if err := r.ScanStale(); err != nil {
		t.Fatal(err)
	}

	n, err := r.PruneStale()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected to prune exactly one stale project, pruned %d", n)
	}
	if _, ok := r.Lookup(goneRoot); ok {
		t.Fatal("expected stale project to be removed from the registry")
	}
	if _, ok := r.Lookup(liveRoot); !ok {
		t.Fatal("expected active project to survive prune")
	}

	// A second prune with nothing stale left is a no-op.
	n, err = r.PruneStale()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no-op prune, removed %d", n)
	}
}

func TestSaveIncrementsGeneration(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if r.generation != 0 {
		t.Fatalf("expected a fresh registry to start at generation 0, got %d", r.generation)
	}
	if _, err := r.Register(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if r.generation == 0 {
		t.Fatal("expected Register to bump the generation counter")
	}

	r2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if r2.generation != r.generation {
		t.Fatalf("expected generation to survive reopen: got %d want %d", r2.generation, r.generation)
	}
}
