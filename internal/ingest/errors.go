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

package ingest

import (
	"errors"
	"syscall"

	"github.com/velo-sh/vrift/pkg/vrifterrors"
)

var errFileModified = vrifterrors.New("ingest.process", vrifterrors.FileModified, nil)

// vrifterrorsRetryable reports whether err represents a condition the
// Ingest Engine should re-enqueue and retry (bounded by MaxAttempts)
// rather than drop: a source file that changed mid-read, or a lock that
// was briefly unavailable.
func vrifterrorsRetryable(err error) bool {
	switch vrifterrors.KindOf(err) {
	case vrifterrors.FileModified, vrifterrors.Busy:
		return true
	default:
		return false
	}
}

// retryEIO runs a CAS write step, retrying it exactly once when the
// failure is a transient device EIO. Every other error — ENOSPC
// included — surfaces immediately so the caller can abort and back off.
func retryEIO(fn func() error) error {
	err := fn()
	if err != nil && errors.Is(err, syscall.EIO) {
		err = fn()
	}
	return err
}
