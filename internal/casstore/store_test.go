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

package casstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/velo-sh/vrift/pkg/content"
	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

func TestOpen(t *testing.T) {
	t.Run("creates shard tree", func(t *testing.T) {
		root := t.TempDir()
		s, err := Open(root)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer s.Close()

		if _, err := os.Stat(filepath.Join(root, content.Algorithm, "00")); err != nil {
			t.Fatalf("expected first-level shard dir 00: %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, content.Algorithm, "ff")); err != nil {
			t.Fatalf("expected first-level shard dir ff: %v", err)
		}
	})

	t.Run("cleans up orphaned temp files", func(t *testing.T) {
		root := t.TempDir()
		tmpDir := filepath.Join(root, "tmp")
		if err := os.MkdirAll(tmpDir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(tmpDir, "orphan.tmp"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}

		s, err := Open(root)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer s.Close()

		entries, err := os.ReadDir(tmpDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected orphaned tmp file to be removed, found %d entries", len(entries))
		}
	})
}

func TestPutGet(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	want := []byte("hello")
	ch, size, already, err := s.Put(bytes.NewReader(want), "")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if already {
		t.Fatal("expected already=false for first write")
	}
	if size != int64(len(want)) {
		t.Fatalf("expected size %d, got %d", len(want), size)
	}
	if ch != content.Sum(want) {
		t.Fatalf("CH mismatch: got %s, want %s", ch, content.Sum(want))
	}

	f, err := s.Get(ch, size, "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPutDedup(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	content1 := []byte("duplicate content")
	_, _, already1, err := s.Put(bytes.NewReader(content1), "")
	if err != nil {
		t.Fatal(err)
	}
	if already1 {
		t.Fatal("expected first put to be new")
	}

	_, _, already2, err := s.Put(bytes.NewReader(content1), "")
	if err != nil {
		t.Fatal(err)
	}
	if !already2 {
		t.Fatal("expected second put of identical content to be deduplicated")
	}
}

func TestGetNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var ch content.CH
	_, err = s.Get(ch, 0, "")
	if vrifterrors.KindOf(err) != vrifterrors.NotFound {
		t.Fatalf("expected NotFound kind, got %v", err)
	}
}

func TestEmptyBlob(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	ch, size, _, err := s.Put(bytes.NewReader(nil), "")
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Fatalf("expected size 0, got %d", size)
	}
	if ch != content.Empty {
		t.Fatal("expected empty-input digest for zero-byte blob")
	}
	path := s.Path(ch, 0, "")
	if filepath.Base(path)[len(filepath.Base(path))-2:] != "_0" {
		t.Fatalf("expected path to end in _0, got %s", path)
	}
}

func TestConcurrentPutSameContent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	want := bytes.Repeat([]byte("race"), 1024)
	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, already, err := s.Put(bytes.NewReader(want), "")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = already
		}(i)
	}
	wg.Wait()

	alreadyCount := 0
	for _, a := range results {
		if a {
			alreadyCount++
		}
	}
	if alreadyCount != len(results)-1 {
		t.Fatalf("expected exactly one writer to win the race, got %d losers of %d", alreadyCount, len(results))
	}
}

func TestWalk(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	inputs := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, in := range inputs {
		if _, _, _, err := s.Put(bytes.NewReader(in), ""); err != nil {
			t.Fatal(err)
		}
	}

	var found []BlobInfo
	if err := s.Walk(func(b BlobInfo) error {
		found = append(found, b)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(found) != len(inputs) {
		t.Fatalf("expected %d blobs, found %d", len(inputs), len(found))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	ch, size, _, err := s.Put(bytes.NewReader([]byte("gone")), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ch, size, ""); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.Delete(ch, size, ""); err != nil {
		t.Fatalf("second delete should be a no-op, got: %v", err)
	}
	if s.Exists(ch, size, "") {
		t.Fatal("expected blob to be gone after delete")
	}
}

func TestOpenReadOnly(t *testing.T) {
	root := t.TempDir()
	rw, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	ch, size, _, err := rw.Put(bytes.NewReader([]byte("shared")), "")
	if err != nil {
		t.Fatal(err)
	}
	rw.Close()

	ro, err := OpenReadOnly(root)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	if !ro.Exists(ch, size, "") {
		t.Fatal("read-only store should see the committed blob")
	}
	f, err := ro.Get(ch, size, "")
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil || string(data) != "shared" {
		t.Fatalf("Get returned %q, %v", data, err)
	}

	if _, err := OpenReadOnly(t.TempDir()); err == nil {
		t.Fatal("a directory that was never a store must not open read-only")
	}
}
