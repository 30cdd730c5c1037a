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

package manifest

import (
	"path/filepath"
	"testing"

	"github.com/velo-sh/vrift/pkg/content"
)

func openTest(t *testing.T) *Manifest {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "manifest.lmdb"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPutGetBeforeFold(t *testing.T) {
	m := openTest(t)

	e := Entry{Path: "/proj/x", CH: content.Sum([]byte("hello")), Size: 5, Tier: T2Mutable}
	m.Put(e)

	got, ok, err := m.Get("/proj/x", "")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected entry to be visible from Delta before Fold")
	}
	if got.CH != e.CH {
		t.Fatalf("CH mismatch: got %s want %s", got.CH, e.CH)
	}
}

func TestFoldPersistsToBase(t *testing.T) {
	m := openTest(t)
	e := Entry{Path: "/proj/x", CH: content.Sum([]byte("hello")), Size: 5}
	m.Put(e)

	if err := m.Fold(); err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if m.DeltaLen() != 0 {
		t.Fatalf("expected empty delta after fold, got %d", m.DeltaLen())
	}

	got, ok, err := m.Get("/proj/x", "")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.CH != e.CH {
		t.Fatal("expected entry to survive fold into base")
	}
}

func TestTombstoneOverridesBase(t *testing.T) {
	m := openTest(t)
	e := Entry{Path: "/proj/x", CH: content.Sum([]byte("hello")), Size: 5}
	m.Put(e)
	if err := m.Fold(); err != nil {
		t.Fatal(err)
	}

	m.Tombstone("/proj/x", "")
	_, ok, err := m.Get("/proj/x", "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected tombstoned entry to read as absent even though Base still has it")
	}

	if err := m.Fold(); err != nil {
		t.Fatal(err)
	}
	_, ok, err = m.Get("/proj/x", "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected entry gone from Base after folding the tombstone")
	}
}

func TestPrefixScan(t *testing.T) {
	m := openTest(t)
	m.Put(Entry{Path: "/proj/a/one", CH: content.Sum([]byte("1")), Size: 1})
	m.Put(Entry{Path: "/proj/a/two", CH: content.Sum([]byte("2")), Size: 1})
	m.Put(Entry{Path: "/proj/b/three", CH: content.Sum([]byte("3")), Size: 1})
	if err := m.Fold(); err != nil {
		t.Fatal(err)
	}

	m.Tombstone("/proj/a/two", "")
	m.Put(Entry{Path: "/proj/a/four", CH: content.Sum([]byte("4")), Size: 1})

	entries, err := m.PrefixScan("/proj/a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (one, four), got %d", len(entries))
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Path] = true
	}
	if !names["/proj/a/one"] || !names["/proj/a/four"] {
		t.Fatalf("unexpected prefix scan result: %+v", entries)
	}
	if names["/proj/a/two"] {
		t.Fatal("expected tombstoned entry to be excluded from prefix scan")
	}
}

func TestABIContextDistinguishesSamePath(t *testing.T) {
	m := openTest(t)
	m.Put(Entry{Path: "/proj/bin", ABIContext: "amd64", CH: content.Sum([]byte("a")), Size: 1})
	m.Put(Entry{Path: "/proj/bin", ABIContext: "arm64", CH: content.Sum([]byte("b")), Size: 1})

	a, ok, err := m.Get("/proj/bin", "amd64")
	if err != nil || !ok {
		t.Fatal("expected amd64 entry")
	}
	b, ok, err := m.Get("/proj/bin", "arm64")
	if err != nil || !ok {
		t.Fatal("expected arm64 entry")
	}
	if a.CH == b.CH {
		t.Fatal("expected distinct entries for distinct ABI contexts")
	}
}
