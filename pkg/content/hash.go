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

// Package content defines the Content Hash (CH), the sole identity of a
// blob in the CAS, and the hashing primitive used to compute it.
package content

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"lukechampine.com/blake3"
)

// Algorithm is the literal name of the configured content hash algorithm,
// used as the top-level shard directory name (see CAS on-disk layout).
const Algorithm = "blake3"

// Size is the digest width in bytes (256 bits).
const Size = 32

// CH is a 256-bit content hash: the sole identity of a blob's bytes.
type CH [Size]byte

// Empty is the digest of the zero-byte input.
var Empty = Sum(nil)

// String returns the lowercase hex encoding of the hash.
func (c CH) String() string {
	return hex.EncodeToString(c[:])
}

// Shard1 and Shard2 are the first two hex-byte shard names used by the
// CAS store's two-level on-disk sharding scheme.
func (c CH) Shard1() string { return hex.EncodeToString(c[0:1]) }
func (c CH) Shard2() string { return hex.EncodeToString(c[1:2]) }

// Rest is the remaining hex digits after the two shard bytes.
func (c CH) Rest() string { return hex.EncodeToString(c[2:]) }

// MarshalJSON encodes the hash as its hex string, not a byte array, so
// Manifest entries read as plain JSON on disk and over the wire.
func (c CH) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON decodes a hex string produced by MarshalJSON.
func (c *CH) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("content: invalid JSON hash %s", b)
	}
	parsed, err := Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Parse decodes a hex string into a CH.
func Parse(s string) (CH, error) {
	var c CH
	b, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("content: invalid hash %q: %w", s, err)
	}
	if len(b) != Size {
		return c, fmt.Errorf("content: invalid hash length %q: got %d bytes, want %d", s, len(b), Size)
	}
	copy(c[:], b)
	return c, nil
}

// Sum computes the CH of a complete byte slice in one call; used for
// small reads (mmap path) where the whole blob is already in memory.
func Sum(b []byte) CH {
	var c CH
	sum := blake3.Sum256(b)
	copy(c[:], sum[:])
	return c
}

// Hasher incrementally computes a CH while streaming content, for the
// large-file path where the whole blob is never held in memory at once.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a Hasher ready to accept Write calls.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// Write implements io.Writer, feeding bytes into the running digest.
func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum returns the CH computed so far without resetting state.
func (h *Hasher) Sum() CH {
	var c CH
	copy(c[:], h.h.Sum(nil))
	return c
}

// HashReader streams r through a Hasher while discarding the bytes,
// returning the resulting CH and the total byte count read.
func HashReader(r io.Reader) (CH, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return CH{}, n, err
	}
	return h.Sum(), n, nil
}
