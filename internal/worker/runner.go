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

// Package worker executes claimed jobs: the Executor owns the claim loop and
// the concurrency slots, the Runner drives one job from claim to its terminal
// state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"nimbusfetch/internal/download"
	"nimbusfetch/internal/manifest"
	"nimbusfetch/internal/metrics"
	"nimbusfetch/internal/pathsafe"
	"nimbusfetch/internal/provider"
	"nimbusfetch/internal/store"
	"nimbusfetch/pkg/fetch"
)

// markerName is written into a freshly reserved output directory so a
// restarted attempt of the same job can reclaim it while any other job hits a
// conflict.
const markerName = ".nimbus-job"

// RunnerConfig tunes one job execution.
type RunnerConfig struct {
	DataRoot          string
	HeartbeatInterval time.Duration
	Download          download.Config
}

// Runner executes a single claimed job to a terminal state.
type Runner struct {
	store    store.Store
	registry *provider.Registry
	dl       *download.Manager
	cfg      RunnerConfig
	logger   *log.Logger
}

// NewRunner builds a Runner. HeartbeatInterval defaults to 15s.
func NewRunner(st store.Store, registry *provider.Registry, cfg RunnerConfig, logger *log.Logger) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Runner{
		store:    st,
		registry: registry,
		dl:       download.New(cfg.Download, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf("[runner] %s", fmt.Sprintf(format, args...))
	}
}

// Run drives one claimed job to a terminal state. The heartbeat monitor runs
// alongside the execution and cancels it when a cancel request lands or the
// worker loses ownership; a parent ctx cancellation (worker shutdown) leaves
// the job for the stale sweep instead of finishing it.
func (r *Runner) Run(ctx context.Context, workerID string, job *fetch.Job) {
	start := time.Now()
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var cancelRequested atomic.Bool
	monitorStop := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		r.monitor(monitorStop, workerID, job.JobID, &cancelRequested, cancelJob)
	}()

	result, outputDir, reserved, err := r.execute(jobCtx, workerID, job)

	close(monitorStop)
	<-monitorDone

	// Terminal writes must survive the job context being cancelled.
	finCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if ok, ferr := r.store.Finish(finCtx, job.JobID, workerID, fetch.Succeeded(result)); ferr != nil {
			r.logf("job %s: finish(succeeded) failed: %v", job.JobID, ferr)
		} else if !ok {
			r.logf("job %s: finish(succeeded) rejected, ownership lost", job.JobID)
		} else {
			metrics.ObserveJobOutcome(job.Provider, string(fetch.OutcomeSucceeded), time.Since(start))
			r.logf("job %s: succeeded (%d paths)", job.JobID, len(result.Paths))
		}

	case isCancelled(err):
		if !cancelRequested.Load() {
			// Worker shutdown or lost ownership: do not finish, let the
			// stale sweep requeue the job.
			r.logf("job %s: interrupted, leaving for requeue", job.JobID)
			return
		}
		if reserved {
			removeOutputDir(outputDir)
		}
		if ok, ferr := r.store.Finish(finCtx, job.JobID, workerID, fetch.Cancelled()); ferr != nil {
			r.logf("job %s: finish(cancelled) failed: %v", job.JobID, ferr)
		} else if ok {
			metrics.ObserveJobOutcome(job.Provider, string(fetch.OutcomeCancelled), time.Since(start))
			r.logf("job %s: cancelled", job.JobID)
		}

	default:
		info := fetch.Classify(err)
		if reserved {
			removeOutputDir(outputDir)
		}
		if ok, ferr := r.store.Finish(finCtx, job.JobID, workerID, fetch.Failed(info)); ferr != nil {
			r.logf("job %s: finish(failed) failed: %v", job.JobID, ferr)
		} else if ok {
			metrics.ObserveJobOutcome(job.Provider, string(fetch.OutcomeFailed), time.Since(start))
			r.logf("job %s: failed: %s: %s", job.JobID, info.Code, info.Message)
		}
	}
}

// monitor heartbeats until stopped. It flips cancelRequested and cancels the
// job context when the store shows a cancel request, and cancels outright when
// ownership is lost.
func (r *Runner) monitor(stop <-chan struct{}, workerID, jobID string, cancelRequested *atomic.Bool, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		hbCtx, hbCancel := context.WithTimeout(context.Background(), 10*time.Second)
		ok, err := r.store.Heartbeat(hbCtx, jobID, workerID)
		if err != nil {
			r.logf("job %s: heartbeat error: %v", jobID, err)
			hbCancel()
			continue
		}
		if !ok {
			r.logf("job %s: heartbeat rejected, ownership lost", jobID)
			hbCancel()
			cancelJob()
			return
		}
		current, err := r.store.GetJob(hbCtx, jobID)
		hbCancel()
		if err != nil {
			continue
		}
		if current.State == fetch.StateCancelRequested {
			cancelRequested.Store(true)
			cancelJob()
			return
		}
	}
}

// execute runs §running: sandbox the output dir, reserve it, search, resolve,
// download, checksum, manifest. It returns the result on success; reserved
// reports whether this run owns the output directory.
func (r *Runner) execute(ctx context.Context, workerID string, job *fetch.Job) (result *fetch.JobResult, outputDir string, reserved bool, err error) {
	req, err := fetch.ParseRequest(job.Request)
	if err != nil {
		return nil, "", false, fetch.NewJobError(fetch.CodeUnknown, "stored request no longer parses", err, nil)
	}

	outputDir, err = pathsafe.Resolve(r.cfg.DataRoot, req.OutputDir(), job.JobID)
	if err != nil {
		return nil, "", false, fetch.NewJobError(fetch.CodePathViolation, err.Error(), err,
			map[string]any{"output_dir": req.OutputDir()})
	}
	if err = reserveOutputDir(outputDir, job.JobID); err != nil {
		return nil, outputDir, false, err
	}
	reserved = true

	prov, err := r.registry.Get(job.Provider)
	if err != nil {
		return nil, outputDir, reserved, fetch.NewJobError(fetch.CodeProviderSearchError, err.Error(), err, nil)
	}

	if err = ctx.Err(); err != nil {
		return nil, outputDir, reserved, err
	}

	var products []provider.Product
	switch req.JobType {
	case fetch.JobTypeSearchDownload:
		products, err = prov.Search(ctx, req.Search)
		if err != nil {
			return nil, outputDir, reserved, err
		}
	case fetch.JobTypeDownloadProducts:
		for _, id := range req.Download.ProductIDs {
			products = append(products, provider.Product{ID: id})
		}
	default:
		return nil, outputDir, reserved, fetch.NewJobError(fetch.CodeUnknown,
			fmt.Sprintf("unsupported job type %q", req.JobType), nil, nil)
	}

	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	if _, aerr := r.store.AppendEvent(ctx, job.JobID, fetch.EventProductsFound, map[string]any{
		"count":       len(products),
		"product_ids": ids,
	}); aerr != nil {
		r.logf("job %s: append products_found: %v", job.JobID, aerr)
	}

	var paths []string
	track := newProgressTracker(r.store, job.JobID, workerID, job.Provider)
	if len(products) > 0 {
		batch, rerr := prov.Resolve(ctx, job.Collection, ids)
		if rerr != nil {
			return nil, outputDir, reserved, rerr
		}
		if len(batch.Items) == 0 {
			return nil, outputDir, reserved, fetch.NewJobError(fetch.CodeNoDownloadURL,
				fmt.Sprintf("provider returned no download URLs for %d products", len(products)), nil,
				map[string]any{"product_ids": ids})
		}

		paths, err = r.dl.Fetch(ctx, outputDir, batch, func(p download.Progress) {
			track.observe(ctx, p)
		})
		if err != nil {
			return nil, outputDir, reserved, err
		}
		track.flush(ctx)
	}

	if err = ctx.Err(); err != nil {
		return nil, outputDir, reserved, err
	}
	sums, err := manifest.ChecksumsFor(ctx, paths)
	if err != nil {
		if ctx.Err() != nil {
			return nil, outputDir, reserved, ctx.Err()
		}
		return nil, outputDir, reserved, fetch.NewJobError(fetch.CodeChecksumFailed, "checksum computation failed", err, nil)
	}

	if err = ctx.Err(); err != nil {
		return nil, outputDir, reserved, err
	}
	man := &manifest.Manifest{
		JobID:      job.JobID,
		Provider:   job.Provider,
		Collection: job.Collection,
		CreatedAt:  time.Now().UTC(),
		Paths:      append([]string(nil), paths...),
		Checksums:  sums,
		Metadata: map[string]any{
			"job_type":      job.JobType,
			"product_count": len(products),
			"attempt":       job.Attempt,
		},
	}
	if _, err = manifest.Write(ctx, outputDir, man); err != nil {
		if ctx.Err() != nil {
			return nil, outputDir, reserved, ctx.Err()
		}
		return nil, outputDir, reserved, fetch.NewJobError(fetch.CodeManifestWriteFailed, "manifest write failed", err, nil)
	}

	result = &fetch.JobResult{
		JobID:     job.JobID,
		Paths:     man.Paths,
		Checksums: man.Checksums,
		Metadata:  man.Metadata,
		ManifestEntry: map[string]any{
			"path":       filepath.Join(outputDir, manifest.FileName),
			"created_at": man.CreatedAt,
		},
	}
	return result, outputDir, reserved, nil
}

// reserveOutputDir creates dir exclusively and stamps the owner marker. A
// directory already owned by the same job (restart attempt) is reused; any
// other existing directory is a conflict.
func reserveOutputDir(dir, jobID string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fetch.NewJobError(fetch.CodeUnknown, "create output parent failed", err, nil)
	}
	err := os.Mkdir(dir, 0o755)
	if err == nil {
		if werr := os.WriteFile(filepath.Join(dir, markerName), []byte(jobID+"\n"), 0o644); werr != nil {
			return fetch.NewJobError(fetch.CodeUnknown, "write output marker failed", werr, nil)
		}
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fetch.NewJobError(fetch.CodeUnknown, "create output directory failed", err, nil)
	}
	owner, rerr := os.ReadFile(filepath.Join(dir, markerName))
	if rerr == nil && strings.TrimSpace(string(owner)) == jobID {
		return nil
	}
	return fetch.NewJobError(fetch.CodePathConflict,
		fmt.Sprintf("output directory %s is reserved by another job", dir), nil,
		map[string]any{"output_dir": dir})
}

func removeOutputDir(dir string) {
	if dir == "" {
		return
	}
	_ = os.RemoveAll(dir)
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || fetch.IsCancellation(err)
}
