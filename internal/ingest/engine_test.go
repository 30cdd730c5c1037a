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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/manifest"
)

func TestEngineIngestsExistingFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := casstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	man, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer man.Close()

	eng, err := New(Config{
		Root:     root,
		Store:    store,
		Manifest: man,
		Mode:     Solid,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	var found bool
	for time.Now().Before(deadline) {
		if _, ok, _ := man.Get(filepath.Join(root, "hello.txt"), ""); ok {
			found = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-runDone

	if !found {
		t.Fatal("expected hello.txt to be ingested into the manifest")
	}

	entry, ok, err := man.Get(filepath.Join(root, "hello.txt"), "")
	if err != nil || !ok {
		t.Fatal("manifest entry should still be readable after shutdown")
	}
	if entry.Size != int64(len("hello world")) {
		t.Fatalf("unexpected size: %d", entry.Size)
	}
	if !store.Exists(entry.CH, entry.Size, "") {
		t.Fatal("expected blob to exist in CAS after ingest")
	}
}

func TestTierRuleClassify(t *testing.T) {
	rule := TierRule{ImmutablePrefixes: []string{"/proj/vendor"}}
	if rule.Classify("/proj/vendor/lib.a") != manifest.T1Immutable {
		t.Fatal("expected vendor path to classify as T1")
	}
	if rule.Classify("/proj/build/out.o") != manifest.T2Mutable {
		t.Fatal("expected build output to classify as T2")
	}
}
