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

package content

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseStringRoundTrip(t *testing.T) {
	ch := Sum([]byte("hello"))
	parsed, err := Parse(ch.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != ch {
		t.Fatalf("round trip mismatch: %s != %s", parsed, ch)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "zz", strings.Repeat("ab", Size-1), strings.Repeat("ab", Size) + "ff"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestShardsCoverWholeDigest(t *testing.T) {
	ch := Sum([]byte("shard me"))
	joined := ch.Shard1() + ch.Shard2() + ch.Rest()
	if joined != ch.String() {
		t.Fatalf("shard pieces %q do not reassemble into %q", joined, ch.String())
	}
	if len(ch.Shard1()) != 2 || len(ch.Shard2()) != 2 {
		t.Fatal("shard names must be one hex byte each")
	}
}

func TestHasherMatchesSum(t *testing.T) {
	data := bytes.Repeat([]byte("streaming"), 1000)
	h := NewHasher()
	for i := 0; i < len(data); i += 100 {
		end := i + 100
		if end > len(data) {
			end = len(data)
		}
		h.Write(data[i:end])
	}
	if h.Sum() != Sum(data) {
		t.Fatal("incremental hash disagrees with one-shot hash")
	}
}

func TestEmptyDigest(t *testing.T) {
	if Empty != Sum(nil) {
		t.Fatal("Empty must equal the zero-byte digest")
	}
	h := NewHasher()
	if h.Sum() != Empty {
		t.Fatal("a fresh Hasher must produce the empty-input digest")
	}
}
