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

// Package metrics exposes daemon-wide counters and histograms in
// Prometheus format.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	blobWrites     *prometheus.CounterVec
	blobBytesTotal prometheus.Counter
	ingestBatch    prometheus.Histogram
	ingestErrors   *prometheus.CounterVec
	rpcRequests    *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
	gcRuns         *prometheus.CounterVec
	gcBlobsSwept   prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset reinitializes all collectors; used by tests for clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus text
// format, mounted by the daemon's debug listener.
func Handler() http.Handler {
	mu.RLock()
	r := reg
	mu.RUnlock()
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{})
}

// RecordBlobWrite records a single CAS blob commit, already=true when
// the write deduplicated against an existing blob.
func RecordBlobWrite(bytes int64, already bool) {
	status := "written"
	if already {
		status = "dedup"
	}
	mu.RLock()
	defer mu.RUnlock()
	blobWrites.WithLabelValues(status).Inc()
	if !already {
		blobBytesTotal.Add(float64(bytes))
	}
}

// RecordIngestBatch records one committed ingest batch's size.
func RecordIngestBatch(n int) {
	mu.RLock()
	defer mu.RUnlock()
	ingestBatch.Observe(float64(n))
}

// RecordIngestError records a dropped (non-retryable) ingest record by
// the vrifterrors.Kind string it failed with.
func RecordIngestError(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	ingestErrors.WithLabelValues(kind).Inc()
}

// RecordRPC records one completed IPC request by method name and
// whether it returned an error.
func RecordRPC(method string, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	mu.RLock()
	defer mu.RUnlock()
	rpcRequests.WithLabelValues(method, status).Inc()
	rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordGCRun records one GC mark-and-sweep cycle.
func RecordGCRun(phase string, blobsSwept int) {
	mu.RLock()
	defer mu.RUnlock()
	gcRuns.WithLabelValues(phase).Inc()
	gcBlobsSwept.Add(float64(blobsSwept))
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrift",
		Subsystem: "casstore",
		Name:      "blob_writes_total",
		Help:      "Total CAS blob writes by outcome (written, dedup).",
	}, []string{"outcome"})

	bytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrift",
		Subsystem: "casstore",
		Name:      "blob_bytes_written_total",
		Help:      "Total bytes written for non-deduplicated blobs.",
	})

	batch := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vrift",
		Subsystem: "ingest",
		Name:      "batch_size",
		Help:      "Number of records committed per ingest batch.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	ingestErr := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrift",
		Subsystem: "ingest",
		Name:      "dropped_records_total",
		Help:      "Ingest records dropped after exhausting retries, by error kind.",
	}, []string{"kind"})

	rpcReq := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrift",
		Subsystem: "daemon",
		Name:      "rpc_requests_total",
		Help:      "Total IPC requests handled by the daemon, by method and outcome.",
	}, []string{"method", "status"})

	rpcDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vrift",
		Subsystem: "daemon",
		Name:      "rpc_duration_seconds",
		Help:      "IPC request duration by method.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method"})

	gc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrift",
		Subsystem: "registry",
		Name:      "gc_runs_total",
		Help:      "Total GC cycles, by phase (mark, sweep).",
	}, []string{"phase"})

	gcSwept := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vrift",
		Subsystem: "registry",
		Name:      "gc_blobs_swept_total",
		Help:      "Total blobs removed by GC sweep phases.",
	})

	registry.MustRegister(writes, bytesTotal, batch, ingestErr, rpcReq, rpcDur, gc, gcSwept)

	reg = registry
	blobWrites = writes
	blobBytesTotal = bytesTotal
	ingestBatch = batch
	ingestErrors = ingestErr
	rpcRequests = rpcReq
	rpcDuration = rpcDur
	gcRuns = gc
	gcBlobsSwept = gcSwept
}
