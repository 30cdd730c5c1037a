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

// Package registry tracks the set of projects a daemon has ingested
// (the Manifest Registry) and implements mark-and-sweep garbage
// collection over the shared CAS store.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// Status is whether a registered project's source path is still known
// to exist on disk.
type Status string

const (
	// StatusActive means the last scan found source_path on disk.
	StatusActive Status = "active"
	// StatusStale means the last scan found source_path missing. A
	// stale project's blobs remain protected from GC until an
	// operator explicitly prunes it.
	StatusStale Status = "stale"
)

// Project is one registered project root and the manifest backing it.
// ManifestPath is the authoritative store, living inside the project's
// own .vrift control directory; CachePath is the registry-dir copy the
// daemon periodically syncs from it, kept so GC can still enumerate a
// project's references after the project directory itself is deleted.
type Project struct {
	Root           string `json:"root"`
	ManifestUUID   string `json:"manifest_uuid"`
	ManifestPath   string `json:"manifest_path"`
	CachePath      string `json:"cache_path"`
	RegisteredAtNS int64  `json:"registered_at_ns"`
	Status         Status `json:"status"`
	LastVerifiedNS int64  `json:"last_verified_ns"`
}

// persisted is the on-disk shape of manifests.json: the project list
// plus a generation counter bumped by every writer, so an external
// reader (doctor, status reporting) can detect that the file changed
// underneath it without re-diffing the whole list.
type persisted struct {
	Generation uint64    `json:"generation"`
	Projects   []Project `json:"projects"`
}

// Registry is the atomically-replaced manifests.json plus the advisory
// flock guarding concurrent writers, the way the rest of the Daemon's
// on-disk state is protected (see internal/ingest's use of the same
// golang.org/x/sys/unix.Flock primitive for per-source locks).
type Registry struct {
	dir string

	mu         sync.Mutex
	projects   map[string]Project // keyed by Root
	generation uint64
}

// Dir returns the directory the registry (and its sibling gc.log /
// corrupt.log) is rooted at.
func (r *Registry) Dir() string { return r.dir }

func manifestsPath(dir string) string { return filepath.Join(dir, "manifests.json") }
func lockPath(dir string) string      { return filepath.Join(dir, ".lock") }

// Open loads (or initializes) the registry rooted at dir.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, vrifterrors.New("registry.Open", vrifterrors.Io, err)
	}
	r := &Registry{dir: dir, projects: make(map[string]Project)}

	data, err := os.ReadFile(manifestsPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, vrifterrors.New("registry.Open", vrifterrors.Io, err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, vrifterrors.New("registry.Open", vrifterrors.Corrupted, err)
	}
	for _, proj := range p.Projects {
		if proj.Status == "" {
			proj.Status = StatusActive
		}
		if proj.CachePath == "" {
			proj.CachePath = proj.ManifestPath
		}
		r.projects[proj.Root] = proj
	}
	r.generation = p.Generation
	return r, nil
}

// withLock takes the registry's file lock for the duration of fn,
// serializing concurrent daemon processes (or, within one process, the
// single-writer goroutine still takes it for symmetry with recovery
// from an unclean shutdown).
func (r *Registry) withLock(fn func() error) error {
	f, err := os.OpenFile(lockPath(r.dir), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return vrifterrors.New("registry.withLock", vrifterrors.Io, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return vrifterrors.New("registry.withLock", vrifterrors.Busy, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

func (r *Registry) save() error {
	list := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		list = append(list, p)
	}
	r.generation++
	data, err := json.MarshalIndent(persisted{Generation: r.generation, Projects: list}, "", "  ")
	if err != nil {
		return err
	}
	tmp := manifestsPath(r.dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, manifestsPath(r.dir))
}

// Register adds root to the registry, allocating a fresh manifest UUID
// and on-disk paths if root is not already known, and returns the
// resulting Project. The authoritative manifest lives inside the
// project's own .vrift directory; if that directory cannot be created
// (the root does not exist yet, or is not writable) the registry-dir
// cache path doubles as the live store, which is also how a stale
// project's cached copy keeps serving GC after the root is deleted.
// Registering an already-known root is idempotent.
func (r *Registry) Register(root string) (Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.projects[root]; ok {
		return p, nil
	}

	id := uuid.NewString()
	cache := filepath.Join(r.dir, "manifests", id+".manifest")
	manifestPath := cache
	if st, err := os.Stat(root); err == nil && st.IsDir() {
		if err := os.MkdirAll(filepath.Join(root, ".vrift"), 0o755); err == nil {
			manifestPath = filepath.Join(root, ".vrift", "manifest.lmdb")
		}
	}
	p := Project{
		Root:           root,
		ManifestUUID:   id,
		ManifestPath:   manifestPath,
		CachePath:      cache,
		RegisteredAtNS: time.Now().UnixNano(),
		Status:         StatusActive,
		LastVerifiedNS: time.Now().UnixNano(),
	}

	var saveErr error
	lockErr := r.withLock(func() error {
		if err := os.MkdirAll(filepath.Dir(p.CachePath), 0o755); err != nil {
			return err
		}
		r.projects[root] = p
		saveErr = r.save()
		return saveErr
	})
	if lockErr != nil {
		return Project{}, vrifterrors.New("registry.Register", vrifterrors.Io, lockErr)
	}
	return p, nil
}

// Lookup returns the Project registered at root, if any.
func (r *Registry) Lookup(root string) (Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[root]
	return p, ok
}

// All returns every registered project, active and stale.
func (r *Registry) All() []Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	return out
}

// Active returns only projects whose last scan found source_path
// present, excluding the stale ones.
func (r *Registry) Active() []Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		if p.Status == StatusActive {
			out = append(out, p)
		}
	}
	return out
}

// ScanStale re-verifies every registered project's source_path against
// the filesystem: a root that no longer exists transitions to
// StatusStale. Stale manifests keep protecting their blobs from GC;
// only an explicit PruneStale removes them.
func (r *Registry) ScanStale() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixNano()
	for root, p := range r.projects {
		if _, err := os.Stat(root); err != nil {
			p.Status = StatusStale
		} else {
			p.Status = StatusActive
		}
		p.LastVerifiedNS = now
		r.projects[root] = p
	}

	var saveErr error
	lockErr := r.withLock(func() error {
		saveErr = r.save()
		return saveErr
	})
	if lockErr != nil {
		return vrifterrors.New("registry.ScanStale", vrifterrors.Io, lockErr)
	}
	return nil
}

// PruneStale removes every project currently marked stale, the
// explicit operation required before a stale project's cached manifest
// (and the blobs it alone references) becomes eligible for GC. It
// returns the number of entries removed.
func (r *Registry) PruneStale() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for root, p := range r.projects {
		if p.Status == StatusStale {
			removed = append(removed, root)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	for _, root := range removed {
		delete(r.projects, root)
	}

	var saveErr error
	lockErr := r.withLock(func() error {
		saveErr = r.save()
		return saveErr
	})
	if lockErr != nil {
		return 0, vrifterrors.New("registry.PruneStale", vrifterrors.Io, lockErr)
	}
	return len(removed), nil
}
