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
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"nimbusfetch/internal/metrics"
	"nimbusfetch/internal/store"
	"nimbusfetch/pkg/fetch"
)

// ExecutorConfig tunes the claim loop of one worker process.
type ExecutorConfig struct {
	WorkerID       string
	MaxJobs        int
	ProviderLimits map[string]int
	ProvidersAllow []string
	PollInterval   time.Duration
	StaleJobAfter  time.Duration
	SweepInterval  time.Duration
}

// Executor claims queued jobs and runs them under two layers of semaphores: a
// global cap of MaxJobs in-flight jobs, and an optional per-provider cap. The
// global slot is taken before claiming; failure to take the provider slot
// immediately releases the job back to the queue so another worker can claim
// it.
type Executor struct {
	store  store.Store
	runner *Runner
	cfg    ExecutorConfig
	logger *log.Logger

	global      *semaphore.Weighted
	perProvider map[string]*semaphore.Weighted
	active      atomic.Int64
	wg          sync.WaitGroup
}

// NewExecutor builds an Executor. MaxJobs defaults to 4, PollInterval to 2s,
// StaleJobAfter to 10m, SweepInterval to half of StaleJobAfter.
func NewExecutor(st store.Store, runner *Runner, cfg ExecutorConfig, logger *log.Logger) *Executor {
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StaleJobAfter <= 0 {
		cfg.StaleJobAfter = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.StaleJobAfter / 2
	}
	perProvider := make(map[string]*semaphore.Weighted, len(cfg.ProviderLimits))
	for name, limit := range cfg.ProviderLimits {
		if limit > 0 {
			perProvider[name] = semaphore.NewWeighted(int64(limit))
		}
	}
	return &Executor{
		store:       st,
		runner:      runner,
		cfg:         cfg,
		logger:      logger,
		global:      semaphore.NewWeighted(int64(cfg.MaxJobs)),
		perProvider: perProvider,
	}
}

func (e *Executor) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("[executor %s] %s", e.cfg.WorkerID, fmt.Sprintf(format, args...))
	}
}

// Run claims and executes jobs until ctx is cancelled, then waits for
// in-flight jobs to wind down. Jobs interrupted by shutdown are left owned
// and get requeued by a later stale sweep.
func (e *Executor) Run(ctx context.Context) {
	e.sweep(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep(ctx)
			}
		}
	}()

	e.logf("claim loop started (max_jobs=%d)", e.cfg.MaxJobs)
	for {
		// A worker with no registered providers must leave the queue
		// alone; claiming would only drive jobs to a terminal failure
		// another worker could have executed.
		if len(e.runner.registry.Names()) == 0 {
			if !sleep(ctx, e.cfg.PollInterval) {
				break
			}
			continue
		}

		if err := e.global.Acquire(ctx, 1); err != nil {
			break
		}

		job, err := e.store.ClaimNext(ctx, e.cfg.WorkerID, e.cfg.ProvidersAllow)
		if err != nil {
			e.global.Release(1)
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, store.ErrNoJob) {
				e.logf("claim error: %v", err)
			}
			if !sleep(ctx, e.cfg.PollInterval) {
				break
			}
			continue
		}
		metrics.IncJobClaim()

		sem := e.perProvider[job.Provider]
		if sem != nil && !sem.TryAcquire(1) {
			// Provider slots are saturated on this worker; hand the job
			// back instead of head-of-line blocking the queue.
			if rerr := e.store.ReleaseToQueue(ctx, job.JobID, e.cfg.WorkerID); rerr != nil {
				e.logf("release %s back to queue: %v", job.JobID, rerr)
			}
			e.global.Release(1)
			if !sleep(ctx, e.cfg.PollInterval) {
				break
			}
			continue
		}

		e.wg.Add(1)
		metrics.SetActiveJobs(int(e.active.Add(1)))
		go func(job *fetch.Job) {
			defer func() {
				if sem != nil {
					sem.Release(1)
				}
				e.global.Release(1)
				metrics.SetActiveJobs(int(e.active.Add(-1)))
				e.wg.Done()
			}()
			e.logf("running job %s (provider=%s attempt=%d)", job.JobID, job.Provider, job.Attempt)
			e.runner.Run(ctx, e.cfg.WorkerID, job)
		}(job)
	}

	<-sweepDone
	e.wg.Wait()
	e.logf("claim loop stopped")
}

// sweep requeues jobs whose owner stopped heartbeating.
func (e *Executor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.StaleJobAfter)
	n, err := e.store.RequeueIncomplete(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			e.logf("stale sweep failed: %v", err)
		}
		return
	}
	if n > 0 {
		e.logf("stale sweep requeued %d jobs", n)
	}
}

// sleep waits for d or until ctx is done; it reports whether to continue.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
