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

// Package ipc implements the Daemon's client protocol: a Unix domain
// stream socket carrying little-endian length-prefixed frames, each
// frame an encoding/gob-encoded Request or Response. gob is used in
// place of a hand-rolled compact binary format — it needs no new
// dependency and both sides are always this same Go binary.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/pkg/content"
)

// MaxFrameSize bounds a single frame to guard against a corrupt or
// hostile length prefix causing an unbounded allocation.
const MaxFrameSize = 64 << 20

// Method identifies an RPC.
type Method string

const (
	MethodManifestGet     Method = "ManifestGet"
	MethodManifestPrefix  Method = "ManifestPrefix"
	MethodReingest        Method = "Reingest"
	MethodTombstone       Method = "Tombstone"
	MethodRename          Method = "Rename"
	MethodMkdir           Method = "Mkdir"
	MethodRmdir           Method = "Rmdir"
	MethodSetAttr         Method = "SetAttr"
	MethodRegisterProject Method = "RegisterProject"
	MethodStatus          Method = "Status"
	MethodGcMark          Method = "GcMark"
	MethodGcSweep         Method = "GcSweep"
)

// Request is the envelope for every RPC; only the field matching
// Method is populated.
type Request struct {
	Method Method

	Project    string
	Path       string
	NewPath    string
	PathPrefix string
	ABIContext string

	// Reingest-only: path of a scratch file holding the new content.
	// The Daemon is the sole CAS writer, so the client never puts the
	// bytes itself — it hands over this path and the Daemon performs
	// the put, verifying the result against CH and Size. Empty means
	// the content is already present in the CAS (ingest-side updates).
	ScratchPath string

	CH      content.CH
	Size    int64
	MtimeNS int64
	Tier    manifest.Tier
	Mode    uint32
	Uid     uint32
	Gid     uint32
	HasMode bool
	HasUid  bool
	HasGid  bool
	HasTime bool

	ManifestUUID string

	MaxAgeNS   int64
	PruneStale bool // GcMark/GcSweep-only: exclude stale projects' entries from the live set

	// RegisterProject-only: the ingest policy to run for this root.
	Immutable []string // path prefixes classified Tier-1
	Phantom   bool     // true selects ingest.Phantom over ingest.Solid
}

// Response is the envelope for every RPC result.
type Response struct {
	Err string // empty on success

	Entry      manifest.Entry
	EntryFound bool
	Entries    []manifest.Entry

	Status StatusInfo

	OrphanList []content.CH
	Deleted    int
}

// StatusInfo answers the Status RPC.
type StatusInfo struct {
	Uptime      int64
	Projects    int
	DeltaLen    int
	InflightOps int
}

// WriteFrame gob-encodes v and writes it to w behind a 4-byte
// little-endian length prefix.
func WriteFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	if buf.Len() > MaxFrameSize {
		return fmt.Errorf("ipc: frame too large: %d bytes", buf.Len())
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one length-prefixed gob frame from r into v.
func ReadFrame(r *bufio.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if n > MaxFrameSize {
		return fmt.Errorf("ipc: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}
