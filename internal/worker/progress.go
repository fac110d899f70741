// NimbusChain Fetch is a distributed satellite-product acquisition service.
// Copyright (C) 2025 NimbusChain Contributors
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

package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nimbusfetch/internal/download"
	"nimbusfetch/internal/metrics"
	"nimbusfetch/internal/store"
	"nimbusfetch/pkg/fetch"
)

// speedSmoothing is the weight of the newest sample in the exponential
// moving average of bytes/sec.
const speedSmoothing = 0.3

// progressTracker aggregates per-file download progress into the job-level
// counters and throttles the resulting store writes and events. Store writes
// happen at most once per second plus on every file boundary; job.progress
// events at most once per two seconds. Percentage is non-decreasing and
// capped at 99 until the job actually succeeds.
type progressTracker struct {
	store    store.Store
	jobID    string
	workerID string
	provider string

	storeLimiter *rate.Limiter
	eventLimiter *rate.Limiter

	mu        sync.Mutex
	bytes     int64
	fileBytes map[string]int64
	totals    map[string]int64
	totalSum  int64
	lastPct   float64
	speed     float64
	lastTick  time.Time
}

func newProgressTracker(st store.Store, jobID, workerID, providerName string) *progressTracker {
	return &progressTracker{
		store:        st,
		jobID:        jobID,
		workerID:     workerID,
		provider:     providerName,
		storeLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		eventLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		fileBytes:    map[string]int64{},
		totals:       map[string]int64{},
	}
}

// observe folds one downloader callback into the aggregate and performs the
// throttled writes. The downloader already serializes callbacks.
func (t *progressTracker) observe(ctx context.Context, p download.Progress) {
	t.mu.Lock()
	// Job bytes are the sum of each file's current position, not a lifetime
	// delta total: a file restarting after a failed attempt drops its
	// discarded partial bytes from the aggregate.
	t.bytes += p.FileBytes - t.fileBytes[p.Filename]
	t.fileBytes[p.Filename] = p.FileBytes
	if p.FileTotal != nil {
		if prev, ok := t.totals[p.Filename]; !ok || prev != *p.FileTotal {
			t.totalSum += *p.FileTotal - prev
			t.totals[p.Filename] = *p.FileTotal
		}
	}
	fileDone := p.FileTotal != nil && p.FileBytes >= *p.FileTotal

	now := time.Now()
	if !t.lastTick.IsZero() {
		if dt := now.Sub(t.lastTick).Seconds(); dt > 0 {
			inst := float64(p.DeltaBytes) / dt
			if t.speed == 0 {
				t.speed = inst
			} else {
				t.speed = speedSmoothing*inst + (1-speedSmoothing)*t.speed
			}
		}
	}
	t.lastTick = now

	bytes, total, pct, speed := t.snapshotLocked()
	writeStore := fileDone || t.storeLimiter.Allow()
	writeEvent := t.eventLimiter.Allow()
	t.mu.Unlock()

	metrics.AddDownloadedBytes(t.provider, p.DeltaBytes)
	if writeStore {
		t.writeStore(ctx, bytes, total, pct)
	}
	if writeEvent {
		t.writeEvent(ctx, bytes, total, pct, speed)
	}
}

// flush pushes the final byte counts unconditionally after the downloader
// returns, so the record never lags behind the files on disk.
func (t *progressTracker) flush(ctx context.Context) {
	t.mu.Lock()
	bytes, total, pct, speed := t.snapshotLocked()
	t.mu.Unlock()
	t.writeStore(ctx, bytes, total, pct)
	t.writeEvent(ctx, bytes, total, pct, speed)
}

// snapshotLocked computes the current aggregate. Percentage stays monotonic
// and never reports 100 from here; only the succeeded transition does that.
func (t *progressTracker) snapshotLocked() (bytes int64, total *int64, pct float64, speed float64) {
	bytes = t.bytes
	if len(t.totals) > 0 {
		s := t.totalSum
		total = &s
	}
	pct = t.lastPct
	if total != nil && *total > 0 {
		p := float64(bytes) / float64(*total) * 100
		if p > 99 {
			p = 99
		}
		if p > pct {
			pct = p
		}
	}
	t.lastPct = pct
	return bytes, total, pct, t.speed
}

func (t *progressTracker) writeStore(ctx context.Context, bytes int64, total *int64, pct float64) {
	p := pct
	_, _ = t.store.UpdateProgress(ctx, t.jobID, t.workerID, fetch.ProgressUpdate{
		BytesDownloaded: bytes,
		BytesTotal:      total,
		Progress:        &p,
	})
}

func (t *progressTracker) writeEvent(ctx context.Context, bytes int64, total *int64, pct, speed float64) {
	payload := map[string]any{
		"bytes_downloaded": bytes,
		"progress":         pct,
		"speed_bps":        speed,
	}
	if total != nil {
		payload["bytes_total"] = *total
	}
	_, _ = t.store.AppendEvent(ctx, t.jobID, fetch.EventProgress, payload)
}
