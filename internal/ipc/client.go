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

package ipc

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// Client is a short-lived connection to the Daemon: one Call dials,
// sends a request, reads the response, and closes, rather than
// assuming a persistent connection per caller — the Daemon tolerates
// many short-lived connections by design of its accept loop.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// NewClient returns a Client using the package default per-request
// timeout (5s; GC callers should override to 30s).
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: 5 * time.Second}
}

// Call sends req and returns the Daemon's Response, or a local error if
// the connection or deadline fails. An error-kind result from the
// Daemon (Response.Err non-empty) is also returned as a Go error so
// callers can treat both uniformly.
func (c *Client) Call(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.Timeout)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: dial: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.Timeout))

	if err := WriteFrame(conn, req); err != nil {
		return Response{}, fmt.Errorf("ipc: write request: %w", err)
	}

	var resp Response
	if err := ReadFrame(bufio.NewReader(conn), &resp); err != nil {
		return Response{}, fmt.Errorf("ipc: read response: %w", err)
	}
	if resp.Err != "" {
		return resp, fmt.Errorf("ipc: %s", resp.Err)
	}
	return resp, nil
}
