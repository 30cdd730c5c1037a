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

// Package casstore implements the content-addressed blob store: durable,
// deduplicated, crash-safe storage of blobs indexed by content hash.
//
// Layout: <root>/<alg>/<hh1>/<hh2>/<hex_rest>_<size>[.<ext>], two-level hex
// sharding on the first two bytes of the hash. The durability protocol for
// a single blob write is: write a temp file in the shard's tmp area, fsync
// it, rename it into place, fsync the containing shard directory. Renames
// are atomic within a filesystem, so readers never observe a partial blob.
package casstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/velo-sh/vrift/pkg/content"
	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// Store is a sharded, content-addressed blob pool rooted at a directory.
type Store struct {
	root string
	alg  string

	mu            sync.Mutex
	shardDirFDs   [256]*os.File // first-level shard dirs, held open for process lifetime
	secondLevel   sync.Map      // "hh1/hh2" -> struct{}, memoizes MkdirAll calls
	tmpDirCreated bool
}

// Open opens (creating if necessary) a CAS store rooted at root. It
// pre-creates the full 256x256 two-level shard tree, memoizing every
// second-level directory, and holds the 256 first-level shard directory
// descriptors open, so hot-path blob commits never need to mkdir a shard.
func Open(root string) (*Store, error) {
	alg := content.Algorithm
	algRoot := filepath.Join(root, alg)
	if err := os.MkdirAll(algRoot, 0o755); err != nil {
		return nil, vrifterrors.New("casstore.Open", vrifterrors.Io, err)
	}
	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, vrifterrors.New("casstore.Open", vrifterrors.Io, err)
	}

	s := &Store{root: root, alg: alg, tmpDirCreated: true}

	for i := 0; i < 256; i++ {
		hh1 := fmt.Sprintf("%02x", i)
		dir := filepath.Join(algRoot, hh1)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.Close()
			return nil, vrifterrors.New("casstore.Open", vrifterrors.Io, err)
		}
		for j := 0; j < 256; j++ {
			hh2 := fmt.Sprintf("%02x", j)
			if err := os.Mkdir(filepath.Join(dir, hh2), 0o755); err != nil && !os.IsExist(err) {
				s.Close()
				return nil, vrifterrors.New("casstore.Open", vrifterrors.Io, err)
			}
			s.secondLevel.Store(hh1+"/"+hh2, struct{}{})
		}
		f, err := os.Open(dir)
		if err != nil {
			s.Close()
			return nil, vrifterrors.New("casstore.Open", vrifterrors.Io, err)
		}
		s.shardDirFDs[i] = f
	}

	// Clean up any orphaned temp files from a prior crash: a crash
	// before rename leaves an orphan tmp, safe to remove.
	entries, err := os.ReadDir(tmpDir)
	if err == nil {
		for _, e := range entries {
			_ = os.Remove(filepath.Join(tmpDir, e.Name()))
		}
	}

	return s, nil
}

// OpenReadOnly opens an existing store for reading only: no shard
// pre-creation, no temp cleanup, nothing on disk is touched. Mount
// clients use this — the store is shared read-only to them, and only
// the daemon's Open may mutate the layout.
func OpenReadOnly(root string) (*Store, error) {
	alg := content.Algorithm
	if _, err := os.Stat(filepath.Join(root, alg)); err != nil {
		return nil, vrifterrors.New("casstore.OpenReadOnly", vrifterrors.NotFound, err)
	}
	return &Store{root: root, alg: alg}, nil
}

// Close releases the held-open shard directory descriptors.
func (s *Store) Close() error {
	for _, f := range s.shardDirFDs {
		if f != nil {
			_ = f.Close()
		}
	}
	return nil
}

func shardHex(ch content.CH) (string, string) {
	return ch.Shard1(), ch.Shard2()
}

func (s *Store) shardDir(ch content.CH) (string, error) {
	hh1, hh2 := shardHex(ch)
	key := hh1 + "/" + hh2
	dir := filepath.Join(s.root, s.alg, hh1, hh2)
	if _, ok := s.secondLevel.Load(key); ok {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	s.secondLevel.Store(key, struct{}{})
	return dir, nil
}

func blobName(ch content.CH, size int64, ext string) string {
	name := fmt.Sprintf("%s_%d", ch.Rest(), size)
	if ext != "" {
		name += "." + ext
	}
	return name
}

// Path returns the on-disk path a blob of the given hash and size would
// occupy, regardless of whether it currently exists.
func (s *Store) Path(ch content.CH, size int64, ext string) string {
	hh1, hh2 := shardHex(ch)
	return filepath.Join(s.root, s.alg, hh1, hh2, blobName(ch, size, ext))
}

// NewTemp creates a fresh temp file in the store's tmp area, named per the
// durability protocol (tmp/<hex_CH>.<pid>.<nonce> is approximated here by
// os.CreateTemp's own uniqueness, which serves the same purpose: a name no
// concurrent writer can collide on).
func (s *Store) NewTemp() (*os.File, error) {
	return os.CreateTemp(filepath.Join(s.root, "tmp"), "blob-*")
}

// Put writes r's bytes as a new blob, computing its hash and size while
// streaming, and returns the resulting CH, its size, whether a blob with
// that hash already existed (in which case this write was a no-op beyond
// discarding the temp file), and any error. This is the single-blob path;
// batch callers (the ingest committer) should use NewTemp/Rename/SyncDir
// directly to control fsync batching.
func (s *Store) Put(r io.Reader, ext string) (ch content.CH, size int64, already bool, err error) {
	tmp, err := s.NewTemp()
	if err != nil {
		return ch, 0, false, vrifterrors.New("casstore.Put", vrifterrors.Io, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	h := content.NewHasher()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return ch, 0, false, vrifterrors.New("casstore.Put", vrifterrors.Io, err)
	}
	if err := tmp.Sync(); err != nil {
		return ch, 0, false, vrifterrors.New("casstore.Put", vrifterrors.Io, err)
	}
	if err := tmp.Close(); err != nil {
		return ch, 0, false, vrifterrors.New("casstore.Put", vrifterrors.Io, err)
	}
	tmp = nil

	ch = h.Sum()
	final, already, err := s.Rename(tmpPath, ch, n, ext)
	if err != nil {
		return ch, n, false, err
	}
	if err := s.SyncDir(ch); err != nil {
		return ch, n, already, err
	}
	_ = final
	return ch, n, already, nil
}

// Rename moves a temp file (created via NewTemp) into its final CAS path
// for the given hash/size/ext. If a blob with that identity already
// exists, the temp file is discarded and already=true is returned — this
// is the dedup path, and also how the loser of a concurrent-put race
// resolves: the temp file is hard-linked to the final name, which fails
// atomically when that name already exists, so exactly one writer wins.
// Rename does not fsync the containing directory; callers that commit in
// batches call SyncDir once after a run of Renames.
func (s *Store) Rename(tmpPath string, ch content.CH, size int64, ext string) (finalPath string, already bool, err error) {
	dir, err := s.shardDir(ch)
	if err != nil {
		os.Remove(tmpPath)
		return "", false, vrifterrors.New("casstore.Rename", vrifterrors.Io, err)
	}
	finalPath = filepath.Join(dir, blobName(ch, size, ext))

	if err := os.Link(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			return finalPath, true, nil
		}
		return "", false, vrifterrors.New("casstore.Rename", vrifterrors.Io, err)
	}
	os.Remove(tmpPath)
	return finalPath, false, nil
}

// SyncDir fsyncs the two-level shard directory containing ch, covering
// all renames performed into that shard since the last sync.
func (s *Store) SyncDir(ch content.CH) error {
	dir, err := s.shardDir(ch)
	if err != nil {
		return vrifterrors.New("casstore.SyncDir", vrifterrors.Io, err)
	}
	f, err := os.Open(dir)
	if err != nil {
		return vrifterrors.New("casstore.SyncDir", vrifterrors.Io, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return vrifterrors.New("casstore.SyncDir", vrifterrors.Io, err)
	}
	return nil
}

// Exists reports whether a blob of the given hash/size/ext is present.
func (s *Store) Exists(ch content.CH, size int64, ext string) bool {
	_, err := os.Stat(s.Path(ch, size, ext))
	return err == nil
}

// Get opens a blob for reading.
func (s *Store) Get(ch content.CH, size int64, ext string) (*os.File, error) {
	f, err := os.Open(s.Path(ch, size, ext))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vrifterrors.New("casstore.Get", vrifterrors.NotFound, err)
		}
		return nil, vrifterrors.New("casstore.Get", vrifterrors.Io, err)
	}
	return f, nil
}

// Delete removes a blob. Only the Daemon's GC sweep phase should call
// this. It is not an error for the blob to already be absent, and on
// POSIX a blob still hard-linked by a Tier-2 projection survives the
// unlink of this path (the inode is freed only when the last link goes),
// so deletion here never breaks an in-use projection.
func (s *Store) Delete(ch content.CH, size int64, ext string) error {
	err := os.Remove(s.Path(ch, size, ext))
	if err != nil && !os.IsNotExist(err) {
		return vrifterrors.New("casstore.Delete", vrifterrors.Io, err)
	}
	return nil
}

// BlobInfo describes one blob discovered by Walk.
type BlobInfo struct {
	CH   content.CH
	Size int64
	Path string
}

// Walk visits every blob currently in the store, used by the GC mark
// phase to enumerate candidates for the orphan set.
func (s *Store) Walk(fn func(BlobInfo) error) error {
	algRoot := filepath.Join(s.root, s.alg)
	return filepath.WalkDir(algRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		ch, size, ok := parseBlobName(name, filepath.Dir(path))
		if !ok {
			return nil
		}
		return fn(BlobInfo{CH: ch, Size: size, Path: path})
	})
}

// parseBlobName reconstructs a CH and size from a shard directory and
// filename of the form <hex_rest>_<size>[.<ext>].
func parseBlobName(name, dir string) (content.CH, int64, bool) {
	hh2 := filepath.Base(dir)
	hh1 := filepath.Base(filepath.Dir(dir))
	if len(hh1) != 2 || len(hh2) != 2 {
		return content.CH{}, 0, false
	}
	rest := name
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	us := strings.LastIndexByte(rest, '_')
	if us < 0 {
		return content.CH{}, 0, false
	}
	sizeStr := rest[us+1:]
	hexRest := rest[:us]
	var size int64
	if _, err := fmt.Sscanf(sizeStr, "%d", &size); err != nil {
		return content.CH{}, 0, false
	}
	ch, err := content.Parse(hh1 + hh2 + hexRest)
	if err != nil {
		return content.CH{}, 0, false
	}
	return ch, size, true
}
