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
	"bytes"
	"testing"
	"time"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/manifest"
)

func setup(t *testing.T) (*casstore.Store, *Registry, OpenManifestFunc) {
	t.Helper()
	store, err := casstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	open := func(path string) (*manifest.Manifest, func(), error) {
		m, err := manifest.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil
	}
	return store, reg, open
}

func TestGCMarkAndSweepDeletesUnreferenced(t *testing.T) {
	store, reg, open := setup(t)

	p, err := reg.Register(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	man, closeMan, err := open(p.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}

	liveCH, liveSize, _, err := store.Put(bytes.NewReader([]byte("live")), "")
	if err != nil {
		t.Fatal(err)
	}
	orphanCH, orphanSize, _, err := store.Put(bytes.NewReader([]byte("orphan")), "")
	if err != nil {
		t.Fatal(err)
	}

	man.Put(manifest.Entry{Path: "/proj/a/x", CH: liveCH, Size: liveSize})
	if err := man.Fold(); err != nil {
		t.Fatal(err)
	}
	closeMan()

	gc := NewGC(store, reg, time.Millisecond, open)

	orphans, err := gc.Mark(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].CH != orphanCH {
		t.Fatalf("expected exactly the orphan blob marked, got %+v", orphans)
	}

	// First sweep only quarantines: this is the blob's first sighting, so
	// it is recorded with the current time as first-seen, not deleted.
	deleted, err := gc.Sweep(orphans, time.Hour, false)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Fatalf("expected first sweep to quarantine, not delete, got %d deletions", deleted)
	}
	if !store.Exists(orphanCH, orphanSize, "") {
		t.Fatal("quarantined blob should still exist")
	}

	time.Sleep(2 * time.Millisecond)
	deleted, err = gc.Sweep(orphans, time.Millisecond, false)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("expected the quarantined blob to be swept after grace period, got %d", deleted)
	}
	if store.Exists(orphanCH, orphanSize, "") {
		t.Fatal("expected orphan blob to be deleted")
	}
	if !store.Exists(liveCH, liveSize, "") {
		t.Fatal("expected live blob to survive sweep")
	}
}

func TestGCReprievesReingestedBlob(t *testing.T) {
	store, reg, open := setup(t)
	root := t.TempDir()
	_, err := reg.Register(root)
	if err != nil {
		t.Fatal(err)
	}
	ch, size, _, err := store.Put(bytes.NewReader([]byte("reprieve-me")), "")
	if err != nil {
		t.Fatal(err)
	}

	gc := NewGC(store, reg, time.Hour, open)
	orphans, err := gc.Mark(false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gc.Sweep(orphans, time.Hour, false); err != nil {
		t.Fatal(err)
	}
	if _, known := gc.quarantine[ch]; !known {
		t.Fatal("expected blob to be quarantined")
	}

	p, _ := reg.Lookup(root)
	man, err := manifest.Open(p.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	man.Put(manifest.Entry{Path: root + "/new", CH: ch, Size: size})
	man.Fold()
	man.Close()

	orphans, err = gc.Mark(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 0 {
		t.Fatal("expected reingested blob to no longer be marked as an orphan")
	}
	if _, err := gc.Sweep(orphans, time.Hour, false); err != nil {
		t.Fatal(err)
	}
	if _, known := gc.quarantine[ch]; known {
		t.Fatal("expected quarantine entry to be cleared once the blob became live again")
	}
}
