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

// Package config holds the daemon's flag-derived runtime settings and
// the per-project session.json a project root carries.
package config

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"time"
)

// Daemon holds the settings a vriftd process is started with.
type Daemon struct {
	SocketPath    string
	DataDir       string
	LogLevel      string
	MetricsAddr   string
	MemoryBudget  int64
	BatchSize     int
	BatchTimeout  time.Duration
	GCGracePeriod time.Duration

	ScrubBytesPerSecond int64
	ScrubInterval       time.Duration

	HotUpgrade bool
}

// ParseFlags builds a Daemon config from command-line flags, applying
// the package's defaults for anything left unset.
func ParseFlags(args []string) (*Daemon, error) {
	fs := flag.NewFlagSet("vriftd", flag.ContinueOnError)
	cfg := &Daemon{}

	fs.StringVar(&cfg.SocketPath, "socket", defaultSocketPath(), "unix domain socket path")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir(), "directory holding the CAS, manifests, and registry")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on, empty to disable")
	fs.Int64Var(&cfg.MemoryBudget, "memory-budget", 256<<20, "ingest memory budget in bytes (parsed only; ingest always uses its 256 MiB default)")
	fs.IntVar(&cfg.BatchSize, "batch-size", 100, "ingest commit batch size (parsed only; the committer always uses 100)")
	fs.DurationVar(&cfg.BatchTimeout, "batch-timeout", 10*time.Millisecond, "ingest commit batch timeout (parsed only; the committer always uses 10ms)")
	fs.DurationVar(&cfg.GCGracePeriod, "gc-grace-period", time.Hour, "grace period before an unreferenced blob is swept")
	fs.Int64Var(&cfg.ScrubBytesPerSecond, "scrub-bytes-per-second", 0, "integrity scrub read-rate cap, 0 disables scrubbing")
	fs.DurationVar(&cfg.ScrubInterval, "scrub-interval", 24*time.Hour, "interval between integrity scrub passes")
	fs.BoolVar(&cfg.HotUpgrade, "hot-upgrade", false, "re-exec on SIGUSR1 and hand the listening socket to the new process")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultSocketPath() string {
	if p := os.Getenv("VRIFT_SOCKET_PATH"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "vriftd.sock")
	}
	return "/tmp/vriftd.sock"
}

func defaultDataDir() string {
	if p := os.Getenv("VR_THE_SOURCE"); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "vrift")
	}
	return "/var/lib/vrift"
}

// ProjectionMode mirrors ingest.ProjectionMode without importing it,
// keeping this package dependency-free for the JSON wire format.
type ProjectionMode string

const (
	ModeSolid   ProjectionMode = "solid"
	ModePhantom ProjectionMode = "phantom"
)

// Session is the per-project session.json: the policy a project root
// was registered with, written by `vrift register` and read back with
// LoadSession. The daemon does not read it; RegisterProject carries the
// policy in the request itself.
type Session struct {
	ProjectRoot       string         `json:"project_root"`
	Mode              ProjectionMode `json:"mode"`
	ImmutablePrefixes []string       `json:"immutable_prefixes,omitempty"`
	ABIContext        string         `json:"abi_context,omitempty"`
	CreatedAtNS       int64          `json:"created_at_ns"`
}

// LoadSession reads session.json from a project's vrift metadata dir.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the session atomically (temp file + rename), matching the
// durability idiom used throughout the rest of the daemon's on-disk
// state.
func (s *Session) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
