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

import "testing"

func TestDedupRingSuppressesDuplicateEnqueue(t *testing.T) {
	dr := NewDedupRing(NewRing(4))

	if !dr.Push("/a", 1, KindEnumerated) {
		t.Fatal("first push should succeed")
	}
	if !dr.Push("/a", 1, KindWatchEvent) {
		t.Fatal("duplicate push while pending should report success without blocking")
	}
	if dr.Len() != 1 {
		t.Fatalf("expected exactly one slot occupied, got %d", dr.Len())
	}

	rec, ok := dr.Pop()
	if !ok || rec.Path != "/a" {
		t.Fatalf("unexpected pop: %+v ok=%v", rec, ok)
	}

	if !dr.Push("/a", 1, KindEnumerated) {
		t.Fatal("push should succeed again once the path was popped")
	}
	if dr.Len() != 1 {
		t.Fatalf("expected the path to be re-enqueued, got len %d", dr.Len())
	}
}
