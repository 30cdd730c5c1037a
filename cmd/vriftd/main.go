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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/velo-sh/vrift/internal/config"
	"github.com/velo-sh/vrift/internal/daemon"
	"github.com/velo-sh/vrift/internal/logging"
	"github.com/velo-sh/vrift/internal/metrics"
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})
	base := slog.New(handler)
	slog.SetDefault(base)

	audit, err := logging.NewAuditLog(false, "")
	if err != nil {
		slog.Error("failed to initialize audit log", "err", err)
		os.Exit(1)
	}
	log := logging.New(base, audit)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}

	d, err := daemon.New(cfg.DataDir, cfg.GCGracePeriod, log)
	if err != nil {
		slog.Error("failed to initialize daemon", "err", err)
		os.Exit(1)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	d.StartScrubber(ctx, cfg.ScrubInterval, cfg.ScrubBytesPerSecond)

	slog.Info("starting vriftd", "socket", cfg.SocketPath, "data_dir", cfg.DataDir)
	if cfg.HotUpgrade {
		ln, inherited, err := daemon.ListenOrInherit(cfg.SocketPath)
		if err != nil {
			slog.Error("failed to bind or inherit socket", "err", err)
			os.Exit(1)
		}
		if inherited {
			slog.Info("resumed listening socket from previous daemon")
		}
		serveCtx, stopServe := context.WithCancel(ctx)
		defer stopServe()
		go d.HandleUpgrade(serveCtx, stopServe, ln, slog.Default())
		if err := d.ServeListener(serveCtx, ln); err != nil {
			slog.Error("daemon serve failed", "err", err)
			os.Exit(1)
		}
	} else if err := d.Serve(ctx, cfg.SocketPath); err != nil {
		slog.Error("daemon serve failed", "err", err)
		os.Exit(1)
	}
	slog.Info("vriftd exited")
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
