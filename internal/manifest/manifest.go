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

// Package manifest implements the per-project path -> content-hash
// mapping. It is logically two layers: an immutable, memory-mapped Base
// (a bbolt database) seeded at ingest or recovery, and an in-memory
// Delta overlay that receives live inserts and tombstones and is folded
// into Base periodically. Only the Daemon ever mutates a Manifest;
// readers use bbolt's MVCC snapshots.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

var (
	bucketObjects = []byte("objects")
	bucketRefs    = []byte("refs")
)

// deltaEntry is one overlay slot: either a live Entry replacing Base, or
// a tombstone marking the key deleted regardless of what Base holds.
type deltaEntry struct {
	entry     *Entry // nil means tombstone
	tombstone bool
}

// Manifest is a single project's path -> Entry mapping.
type Manifest struct {
	db *bolt.DB

	mu    sync.RWMutex
	delta map[string]deltaEntry
}

// Open opens (creating if necessary) the bbolt-backed Base layer at path
// and returns a Manifest with an empty Delta.
func Open(path string) (*Manifest, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, vrifterrors.New("manifest.Open", vrifterrors.Io, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketObjects); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRefs); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, vrifterrors.New("manifest.Open", vrifterrors.Corrupted, err)
	}
	return &Manifest{db: db, delta: make(map[string]deltaEntry)}, nil
}

// Close closes the Base database. Any unfolded Delta is lost; callers
// that need durability across restarts must Fold before Close.
func (m *Manifest) Close() error {
	return m.db.Close()
}

// Put inserts or replaces an entry in the Delta layer. Only the Daemon's
// single writer goroutine should call this.
func (m *Manifest) Put(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(e.Path, e.ABIContext)
	m.delta[k] = deltaEntry{entry: &e}
}

// Tombstone marks path (and abiContext, if any) deleted in the Delta
// layer, overriding whatever Base holds, until the next Fold.
func (m *Manifest) Tombstone(path, abiContext string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delta[key(path, abiContext)] = deltaEntry{tombstone: true}
}

// Get looks up path (and abiContext, if any): Delta is consulted first
// (a tombstone there means "not present" even if Base has an entry),
// then Base.
func (m *Manifest) Get(path, abiContext string) (Entry, bool, error) {
	k := key(path, abiContext)

	m.mu.RLock()
	d, inDelta := m.delta[k]
	m.mu.RUnlock()

	if inDelta {
		if d.tombstone {
			return Entry{}, false, nil
		}
		return *d.entry, true, nil
	}

	return m.getBase(k)
}

func (m *Manifest) getBase(k string) (Entry, bool, error) {
	var e Entry
	found := false
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		v := b.Get([]byte(k))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return Entry{}, false, vrifterrors.New("manifest.Get", vrifterrors.Corrupted, err)
	}
	return e, found, nil
}

// PrefixScan returns every entry whose key starts with prefix, merging
// Delta over Base and excluding tombstoned keys, as of the moment this
// call begins (a point-in-time snapshot per the readdir ordering
// guarantee: concurrent mutations during the scan are not observed).
func (m *Manifest) PrefixScan(prefix string) ([]Entry, error) {
	m.mu.RLock()
	deltaSnapshot := make(map[string]deltaEntry, len(m.delta))
	for k, v := range m.delta {
		deltaSnapshot[k] = v
	}
	m.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Entry

	for k, d := range deltaSnapshot {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		seen[k] = struct{}{}
		if d.tombstone {
			continue
		}
		out = append(out, *d.entry)
	}

	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		c := b.Cursor()
		pfx := []byte(prefix)
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			ks := string(k)
			if _, already := seen[ks]; already {
				continue
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, vrifterrors.New("manifest.PrefixScan", vrifterrors.Corrupted, err)
	}
	return out, nil
}

// DeltaLen reports the number of pending Delta entries, used by the
// Daemon to decide when to Fold.
func (m *Manifest) DeltaLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.delta)
}

// Fold commits the current Delta into Base in a single bbolt transaction
// (so every entry in the committed Manifest refers to a durable blob and
// all writes in the fold become visible together) and clears Delta.
func (m *Manifest) Fold() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.delta) == 0 {
		return nil
	}

	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		for k, d := range m.delta {
			if d.tombstone {
				if err := b.Delete([]byte(k)); err != nil {
					return fmt.Errorf("delete %s: %w", k, err)
				}
				continue
			}
			data, err := json.Marshal(d.entry)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", k, err)
			}
			if err := b.Put([]byte(k), data); err != nil {
				return fmt.Errorf("put %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return vrifterrors.New("manifest.Fold", vrifterrors.Io, err)
	}

	m.delta = make(map[string]deltaEntry)
	return nil
}

// Snapshot writes a consistent copy of the Base layer to path inside a
// single read transaction, via temp file + rename so a reader holding
// the previous copy is never left with a torn file. The Delta is not
// included; callers that need a complete snapshot Fold first.
func (m *Manifest) Snapshot(path string) error {
	tmp := path + ".tmp"
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(tmp, 0o644)
	})
	if err != nil {
		os.Remove(tmp)
		return vrifterrors.New("manifest.Snapshot", vrifterrors.Io, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vrifterrors.New("manifest.Snapshot", vrifterrors.Io, err)
	}
	return nil
}

// SetRef stores a small named value in the refs bucket (e.g. HEAD).
func (m *Manifest) SetRef(name string, value []byte) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).Put([]byte(name), value)
	})
	if err != nil {
		return vrifterrors.New("manifest.SetRef", vrifterrors.Io, err)
	}
	return nil
}

// Ref reads a named value from the refs bucket.
func (m *Manifest) Ref(name string) ([]byte, bool, error) {
	var v []byte
	found := false
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRefs).Get([]byte(name))
		if raw == nil {
			return nil
		}
		found = true
		v = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, false, vrifterrors.New("manifest.Ref", vrifterrors.Io, err)
	}
	return v, found, nil
}
