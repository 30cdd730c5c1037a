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

// vrift is the client CLI: it talks to an already-running vriftd over
// the internal/ipc protocol to register project roots, mount their
// projection, and inspect daemon state. It never touches the CAS or a
// Manifest directly — every operation is an RPC, keeping the Daemon the
// sole writer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/velo-sh/vrift/internal/casstore"
	"github.com/velo-sh/vrift/internal/config"
	"github.com/velo-sh/vrift/internal/ipc"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/internal/projection"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "register":
		err = runRegister(os.Args[2:])
	case "mount":
		err = runMount(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "gc":
		err = runGC(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "vrift:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vrift <register|mount|status|gc> [flags]")
}

func dialClient(socket string) *ipc.Client {
	return ipc.NewClient(socket)
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	socket := fs.String("socket", defaultSocketPath(), "vriftd unix socket path")
	immutable := fs.String("immutable", "", "comma-separated Tier-1 path prefixes")
	phantom := fs.Bool("phantom", false, "use phantom projection (move into CAS) instead of solid")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("register requires exactly one project root argument")
	}
	root, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}

	var prefixes []string
	if *immutable != "" {
		for _, p := range strings.Split(*immutable, ",") {
			abs, err := filepath.Abs(p)
			if err != nil {
				return err
			}
			prefixes = append(prefixes, abs)
		}
	}

	c := dialClient(*socket)
	_, err = c.Call(ipc.Request{
		Method:    ipc.MethodRegisterProject,
		Project:   root,
		Immutable: prefixes,
		Phantom:   *phantom,
	})
	if err != nil {
		return err
	}

	// Record the registration policy in the project's own control
	// directory so later mounts and diagnostic tooling can read back
	// what this root was registered with.
	mode := config.ModeSolid
	if *phantom {
		mode = config.ModePhantom
	}
	session := &config.Session{
		ProjectRoot:       root,
		Mode:              mode,
		ImmutablePrefixes: prefixes,
		CreatedAtNS:       time.Now().UnixNano(),
	}
	ctlDir := filepath.Join(root, ".vrift")
	if err := os.MkdirAll(ctlDir, 0o755); err != nil {
		return err
	}
	if err := session.Save(filepath.Join(ctlDir, "session.json")); err != nil {
		return err
	}

	fmt.Println("registered", root)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socket := fs.String("socket", defaultSocketPath(), "vriftd unix socket path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := dialClient(*socket)
	resp, err := c.Call(ipc.Request{Method: ipc.MethodStatus})
	if err != nil {
		return err
	}
	s := resp.Status
	fmt.Printf("uptime=%s projects=%d delta_len=%d inflight=%d\n",
		time.Duration(s.Uptime), s.Projects, s.DeltaLen, s.InflightOps)
	return nil
}

func runGC(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	socket := fs.String("socket", defaultSocketPath(), "vriftd unix socket path")
	olderThan := fs.Duration("older-than", time.Hour, "grace period before an orphaned blob is swept")
	del := fs.Bool("delete", false, "actually delete eligible orphans instead of only reporting them")
	pruneStale := fs.Bool("prune-stale", false, "also collect blobs referenced only by stale (deleted-source) projects, and remove those registry entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := &ipc.Client{SocketPath: *socket, Timeout: 30 * time.Second}

	if !*del {
		resp, err := c.Call(ipc.Request{Method: ipc.MethodGcMark, PruneStale: *pruneStale})
		if err != nil {
			return err
		}
		fmt.Printf("%d orphan blobs (dry run; pass --delete to sweep)\n", len(resp.OrphanList))
		return nil
	}

	resp, err := c.Call(ipc.Request{Method: ipc.MethodGcSweep, MaxAgeNS: int64(*olderThan), PruneStale: *pruneStale})
	if err != nil {
		return err
	}
	fmt.Printf("swept %d blobs\n", resp.Deleted)
	return nil
}

// runMount mounts a registered project's projection at mountpoint,
// reading CAS blobs directly (the zero-copy read path) and routing
// every CAS write and Manifest mutation through the already-running daemon
// over internal/ipc (the single-writer path), per the FUSE substitution
// for the interposition shim described in internal/projection.
func runMount(args []string) error {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	socket := fs.String("socket", defaultSocketPath(), "vriftd unix socket path")
	dataDir := fs.String("data-dir", defaultDataDir(), "directory holding the shared CAS")
	debug := fs.Bool("debug", os.Getenv("VRIFT_DEBUG") != "", "enable go-fuse request tracing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("mount requires a project root and a mountpoint argument")
	}
	root, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}
	mountpoint, err := filepath.Abs(fs.Arg(1))
	if err != nil {
		return err
	}

	// Read-only: the daemon owns every CAS write, including the
	// write-back of dirty fds, which travels by scratch path over IPC.
	store, err := casstore.OpenReadOnly(filepath.Join(*dataDir, "cas"))
	if err != nil {
		return fmt.Errorf("open CAS (is vriftd running with this data dir?): %w", err)
	}
	defer store.Close()

	client := dialClient(*socket)
	if _, err := client.Call(ipc.Request{Method: ipc.MethodRegisterProject, Project: root}); err != nil {
		return fmt.Errorf("register project: %w", err)
	}

	scratch := filepath.Join(*dataDir, "scratch", sanitizeForPath(root))
	srv, err := projection.New(projection.Config{
		Project:     root,
		Store:       store,
		Client:      client,
		ScratchDir:  scratch,
		DefaultTier: manifest.T2Mutable,
		Log:         slog.Default(),
		Debug:       *debug,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	fuseServer, err := srv.Mount(mountpoint)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("mounted", root, "at", mountpoint)
	go func() {
		<-ctx.Done()
		fuseServer.Unmount()
	}()
	fuseServer.Wait()
	return nil
}

func sanitizeForPath(p string) string {
	return strings.ReplaceAll(strings.TrimPrefix(p, "/"), "/", "_")
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
