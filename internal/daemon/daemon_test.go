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

package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/velo-sh/vrift/internal/ipc"
	"github.com/velo-sh/vrift/internal/logging"
	"github.com/velo-sh/vrift/internal/manifest"
	"github.com/velo-sh/vrift/pkg/content"
)

func startTestDaemon(t *testing.T) (string, func()) {
	t.Helper()
	log := logging.New(slog.Default(), nil)
	d, err := New(t.TempDir(), time.Hour, log)
	if err != nil {
		t.Fatal(err)
	}

	sock := filepath.Join(t.TempDir(), "vriftd.sock")
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		d.Serve(ctx, sock)
		close(serveDone)
	}()

	// Give the listener a moment to bind.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c := ipc.NewClient(sock)
		if _, err := c.Call(ipc.Request{Method: ipc.MethodStatus}); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return sock, func() {
		cancel()
		<-serveDone
		d.Close()
	}
}

func TestDaemonRegisterReingestGet(t *testing.T) {
	sock, stop := startTestDaemon(t)
	defer stop()

	root := t.TempDir()
	c := ipc.NewClient(sock)
	if _, err := c.Call(ipc.Request{Method: ipc.MethodRegisterProject, Project: root}); err != nil {
		t.Fatal(err)
	}

	ch := content.Sum([]byte("hello"))
	if _, err := c.Call(ipc.Request{
		Method:  ipc.MethodReingest,
		Project: root,
		Path:    filepath.Join(root, "x"),
		CH:      ch,
		Size:    5,
		Tier:    manifest.T2Mutable,
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := c.Call(ipc.Request{Method: ipc.MethodManifestGet, Project: root, Path: filepath.Join(root, "x")})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.EntryFound {
		t.Fatal("expected entry to be visible immediately after Reingest (read-after-write)")
	}
	if resp.Entry.CH != ch {
		t.Fatalf("CH mismatch: got %s want %s", resp.Entry.CH, ch)
	}
}

func TestDaemonReingestPutsScratchContent(t *testing.T) {
	sock, stop := startTestDaemon(t)
	defer stop()

	root := t.TempDir()
	c := ipc.NewClient(sock)
	if _, err := c.Call(ipc.Request{Method: ipc.MethodRegisterProject, Project: root}); err != nil {
		t.Fatal(err)
	}

	scratch := filepath.Join(t.TempDir(), "cow")
	payload := []byte("goodbye")
	if err := os.WriteFile(scratch, payload, 0o600); err != nil {
		t.Fatal(err)
	}

	// A hash that doesn't match the scratch content must be refused.
	if _, err := c.Call(ipc.Request{
		Method:      ipc.MethodReingest,
		Project:     root,
		Path:        filepath.Join(root, "x"),
		ScratchPath: scratch,
		CH:          content.Sum([]byte("something else")),
		Size:        int64(len(payload)),
	}); err == nil {
		t.Fatal("expected an integrity error for a mismatched scratch hash")
	}

	ch := content.Sum(payload)
	if _, err := c.Call(ipc.Request{
		Method:      ipc.MethodReingest,
		Project:     root,
		Path:        filepath.Join(root, "x"),
		ScratchPath: scratch,
		CH:          ch,
		Size:        int64(len(payload)),
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := c.Call(ipc.Request{Method: ipc.MethodManifestGet, Project: root, Path: filepath.Join(root, "x")})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.EntryFound || resp.Entry.CH != ch {
		t.Fatalf("expected the manifest entry to carry the scratch content's hash, got %+v", resp.Entry)
	}
}

func TestDaemonStatus(t *testing.T) {
	sock, stop := startTestDaemon(t)
	defer stop()

	c := ipc.NewClient(sock)
	resp, err := c.Call(ipc.Request{Method: ipc.MethodStatus})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status.Projects != 0 {
		t.Fatalf("expected zero projects on a fresh daemon, got %d", resp.Status.Projects)
	}
}

func TestDaemonUnknownProjectReturnsError(t *testing.T) {
	sock, stop := startTestDaemon(t)
	defer stop()

	c := ipc.NewClient(sock)
	if _, err := c.Call(ipc.Request{Method: ipc.MethodManifestGet, Project: "/never/registered", Path: "/x"}); err == nil {
		t.Fatal("expected an error for a project that was never registered")
	}
}
