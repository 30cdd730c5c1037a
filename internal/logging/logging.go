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

// Package logging wraps slog with daemon-specific structured events and
// an optional append-only audit trail for ingest and GC actions.
package logging

import (
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with vrift-specific structured events.
type Logger struct {
	logger *slog.Logger
	audit  *AuditLog
}

// New creates a Logger around base, with an optional audit sink.
func New(base *slog.Logger, audit *AuditLog) *Logger {
	return &Logger{logger: base, audit: audit}
}

// Slog returns the underlying structured logger for general-purpose use.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// LogIngest logs a single committed ingest record.
func (l *Logger) LogIngest(project, path, ch string, size int64, tier string) {
	l.logger.Info("ingested",
		slog.String("project", project),
		slog.String("path", path),
		slog.String("ch", ch),
		slog.Int64("size", size),
		slog.String("tier", tier),
	)
	if l.audit != nil {
		l.audit.RecordEvent(AuditEvent{
			Timestamp: time.Now(),
			Action:    "ingest",
			Project:   project,
			Path:      path,
			CH:        ch,
			Size:      size,
		})
	}
}

// LogGCSweep logs one GC sweep decision for a blob.
func (l *Logger) LogGCSweep(ch string, size int64, quarantined bool) {
	action := "gc_delete"
	if quarantined {
		action = "gc_quarantine"
	}
	l.logger.Info(action, slog.String("ch", ch), slog.Int64("size", size))
	if l.audit != nil {
		l.audit.RecordEvent(AuditEvent{
			Timestamp: time.Now(),
			Action:    action,
			CH:        ch,
			Size:      size,
		})
	}
}

// AuditLog is an append-only JSON event sink for ingest and GC actions,
// kept separate from the operational log so it can be retained or
// shipped under a different policy.
type AuditLog struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditLog creates an AuditLog writing JSON lines to path, or to
// stdout if path is empty. If enabled is false, RecordEvent is a no-op.
func NewAuditLog(enabled bool, path string) (*AuditLog, error) {
	if !enabled {
		return &AuditLog{enabled: false}, nil
	}

	var handler slog.Handler
	if path == "" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		handler = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &AuditLog{logger: slog.New(handler), enabled: true}, nil
}

// AuditEvent is one recorded ingest or GC action.
type AuditEvent struct {
	Timestamp time.Time
	Action    string
	Project   string
	Path      string
	CH        string
	Size      int64
}

// RecordEvent appends event to the audit sink; a no-op if disabled.
func (a *AuditLog) RecordEvent(event AuditEvent) {
	if !a.enabled {
		return
	}
	a.logger.Info("audit",
		slog.Time("timestamp", event.Timestamp),
		slog.String("action", event.Action),
		slog.String("project", event.Project),
		slog.String("path", event.Path),
		slog.String("ch", event.CH),
		slog.Int64("size", event.Size),
	)
}
