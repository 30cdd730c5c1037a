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

package projection

import (
	"os"
	"testing"

	"github.com/velo-sh/vrift/internal/manifest"
)

func TestGroupChildrenExplicitFiles(t *testing.T) {
	entries := []manifest.Entry{
		{Path: "/proj/a.txt", Size: 3},
		{Path: "/proj/b.txt", Size: 4},
	}
	children := groupChildren("/proj", entries)
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
	if children[0].name != "a.txt" || children[0].isDir {
		t.Errorf("children[0] = %+v", children[0])
	}
	if children[1].name != "b.txt" || children[1].isDir {
		t.Errorf("children[1] = %+v", children[1])
	}
}

func TestGroupChildrenImpliedDirectory(t *testing.T) {
	entries := []manifest.Entry{
		{Path: "/proj/sub/deep/file.txt", Size: 1},
	}
	children := groupChildren("/proj", entries)
	if len(children) != 1 {
		t.Fatalf("got %d children, want 1", len(children))
	}
	c := children[0]
	if c.name != "sub" || !c.isDir || c.hasEntry {
		t.Errorf("implied dir child = %+v", c)
	}
}

func TestGroupChildrenExplicitDirectory(t *testing.T) {
	entries := []manifest.Entry{
		{Path: "/proj/sub", OriginalMode: uint32(os.ModeDir | 0o755)},
		{Path: "/proj/sub/file.txt", Size: 1},
	}
	children := groupChildren("/proj", entries)
	if len(children) != 1 {
		t.Fatalf("got %d children, want 1", len(children))
	}
	c := children[0]
	if c.name != "sub" || !c.isDir || !c.hasEntry {
		t.Errorf("explicit dir child = %+v", c)
	}
	if !c.entry.IsDir() {
		t.Errorf("entry.IsDir() = false, want true")
	}
}

func TestGroupChildrenSortedByName(t *testing.T) {
	entries := []manifest.Entry{
		{Path: "/proj/z.txt", Size: 1},
		{Path: "/proj/a.txt", Size: 1},
		{Path: "/proj/m.txt", Size: 1},
	}
	children := groupChildren("/proj", entries)
	var names []string
	for _, c := range children {
		names = append(names, c.name)
	}
	want := []string{"a.txt", "m.txt", "z.txt"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestIsReserved(t *testing.T) {
	cases := map[string]bool{
		"":                false,
		".vrift":          true,
		".vrift/status":   true,
		"regular.txt":     false,
		"sub/.vrift":      false,
		"a/.vrift/nested": false,
	}
	for p, want := range cases {
		if got := isReserved(p); got != want {
			t.Errorf("isReserved(%q) = %v, want %v", p, got, want)
		}
	}
}
