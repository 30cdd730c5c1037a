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
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

// upgradeFDEnv names the descriptor a freshly-execed daemon receives
// its listening socket on: the parent leaves one end of a socketpair at
// this fd and sends the listener across it with SCM_RIGHTS.
const upgradeFDEnv = "VRIFTD_UPGRADE_FD"

// ListenOrInherit binds a fresh Unix socket at socketPath, unless this
// process was spawned by a hot upgrade, in which case the already-bound
// listener is received from the parent over the inherited socketpair
// end. inherited tells the caller whether a handoff happened (so it can
// skip removing a socket file the previous daemon still serves from).
func ListenOrInherit(socketPath string) (ln net.Listener, inherited bool, err error) {
	fdStr := os.Getenv(upgradeFDEnv)
	if fdStr == "" {
		os.Remove(socketPath)
		ln, err = net.Listen("unix", socketPath)
		if err != nil {
			return nil, false, vrifterrors.New("daemon.ListenOrInherit", vrifterrors.Io, err)
		}
		return ln, false, nil
	}

	ln, err = recvListener(fdStr)
	if err != nil {
		return nil, false, err
	}
	return ln, true, nil
}

func recvListener(fdStr string) (net.Listener, error) {
	var chanFD int
	for _, c := range fdStr {
		if c < '0' || c > '9' {
			return nil, vrifterrors.New("daemon.recvListener", vrifterrors.Corrupted, nil)
		}
		chanFD = chanFD*10 + int(c-'0')
	}
	defer unix.Close(chanFD)

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(chanFD, buf, oob, 0)
	if err != nil {
		return nil, vrifterrors.New("daemon.recvListener", vrifterrors.Io, err)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		return nil, vrifterrors.New("daemon.recvListener", vrifterrors.Corrupted, err)
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return nil, vrifterrors.New("daemon.recvListener", vrifterrors.Corrupted, err)
	}

	f := os.NewFile(uintptr(fds[0]), "inherited-listener")
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, vrifterrors.New("daemon.recvListener", vrifterrors.Io, err)
	}
	return ln, nil
}

// HandleUpgrade waits for SIGUSR1 and, on receipt, re-execs the current
// binary and hands it the listening socket over a socketpair with
// SCM_RIGHTS. Once the handoff succeeds, stop is called: the current
// process folds its state (via the usual shutdown path) and exits while
// the child resumes accepting on the same socket, so clients never see
// the socket file disappear or a connection refused. On handoff failure
// the current process keeps serving.
func (d *Daemon) HandleUpgrade(ctx context.Context, stop context.CancelFunc, ln net.Listener, log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}

		if err := d.spawnSuccessor(ln, log); err != nil {
			log.Error("hot upgrade failed, continuing to serve", "err", err)
			continue
		}
		log.Info("hot upgrade: successor running, shutting down")
		stop()
		return
	}
}

func (d *Daemon) spawnSuccessor(ln net.Listener, log *slog.Logger) error {
	uln, ok := ln.(*net.UnixListener)
	if !ok {
		return vrifterrors.New("daemon.spawnSuccessor", vrifterrors.Io, nil)
	}
	lnFile, err := uln.File()
	if err != nil {
		return vrifterrors.New("daemon.spawnSuccessor", vrifterrors.Io, err)
	}
	defer lnFile.Close()

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return vrifterrors.New("daemon.spawnSuccessor", vrifterrors.Io, err)
	}
	parentEnd := os.NewFile(uintptr(pair[0]), "upgrade-parent")
	childEnd := os.NewFile(uintptr(pair[1]), "upgrade-child")
	defer parentEnd.Close()

	self, err := os.Executable()
	if err != nil {
		childEnd.Close()
		return vrifterrors.New("daemon.spawnSuccessor", vrifterrors.Io, err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd} // becomes fd 3 in the child
	cmd.Env = append(os.Environ(), upgradeFDEnv+"=3")
	if err := cmd.Start(); err != nil {
		childEnd.Close()
		return vrifterrors.New("daemon.spawnSuccessor", vrifterrors.Io, err)
	}
	childEnd.Close()

	rights := unix.UnixRights(int(lnFile.Fd()))
	if err := unix.Sendmsg(int(parentEnd.Fd()), []byte{0}, rights, nil, 0); err != nil {
		cmd.Process.Kill()
		return vrifterrors.New("daemon.spawnSuccessor", vrifterrors.Io, err)
	}
	// The successor now serves this socket path; the parent's shutdown
	// must close its listener without unlinking the socket file.
	uln.SetUnlinkOnClose(false)

	// Reap the child from a side goroutine so it never zombifies if the
	// parent lingers through a slow drain.
	go cmd.Wait()

	log.Info("hot upgrade: listener handed off", "successor_pid", cmd.Process.Pid)
	return nil
}
