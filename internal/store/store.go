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

// Package store defines the durable job store contract shared by the SQLite
// and MongoDB backends. The store is the only shared mutable state in the
// system: queue claim, heartbeats, cancellation, and the event log all go
// through it.
package store

import (
	"context"
	"errors"
	"time"

	"nimbusfetch/pkg/fetch"
)

// ErrNotFound reports an unknown job_id (or a missing result).
var ErrNotFound = errors.New("not found")

// ErrNoJob reports that ClaimNext found no claimable queued job.
var ErrNoJob = errors.New("no queued job")

// ListFilter narrows and paginates ListJobs. Zero values mean "no filter";
// Page is 1-based.
type ListFilter struct {
	State    fetch.JobState
	Provider string
	DateFrom *time.Time
	DateTo   *time.Time
	Page     int
	PageSize int
}

// Store is the persistence contract. Every operation commits durably before
// returning. Owner-checked operations return false when the caller's
// worker token no longer owns the job, which happens after a stale requeue.
type Store interface {
	// CreateJob inserts the job as queued (attempt 1) and appends the
	// job.queued event in the same atomic step.
	CreateJob(ctx context.Context, job *fetch.Job) error

	// ClaimNext atomically claims the oldest queued job (FIFO by
	// created_at, then job_id), marks it running under workerID, stamps
	// started_at and last_heartbeat_at, and appends job.started. An empty
	// providers list means any provider. Returns ErrNoJob when the queue
	// is empty.
	ClaimNext(ctx context.Context, workerID string, providers []string) (*fetch.Job, error)

	// ReleaseToQueue is the inverse of a claim: state back to queued,
	// owner cleared, attempt unchanged, no event. Used when a provider
	// slot is unavailable right after claiming.
	ReleaseToQueue(ctx context.Context, jobID, workerID string) error

	// Heartbeat bumps last_heartbeat_at while the owner still holds the
	// job in running or cancel_requested.
	Heartbeat(ctx context.Context, jobID, workerID string) (bool, error)

	// UpdateProgress applies one owner-checked byte-accounting write.
	// Throttling is the caller's job.
	UpdateProgress(ctx context.Context, jobID, workerID string, p fetch.ProgressUpdate) (bool, error)

	// RequestCancel transitions queued jobs straight to cancelled and
	// running jobs to cancel_requested, appending the matching event.
	RequestCancel(ctx context.Context, jobID string) (fetch.CancelOutcome, error)

	// Finish applies a terminal outcome: sets finished_at, clears the
	// owner, appends the terminal event, and for success persists the
	// JobResult, all atomically.
	Finish(ctx context.Context, jobID, workerID string, outcome fetch.Outcome) (bool, error)

	// AppendEvent appends one event with a globally monotonic ID.
	AppendEvent(ctx context.Context, jobID, eventType string, payload map[string]any) (int64, error)

	// RequeueIncomplete resets every running or cancel_requested job whose
	// last heartbeat is older than staleBefore back to queued, increments
	// attempt, and appends job.requeued_after_restart. Returns the count.
	RequeueIncomplete(ctx context.Context, staleBefore time.Time) (int, error)

	ListJobs(ctx context.Context, f ListFilter) ([]*fetch.Job, int, error)
	GetJob(ctx context.Context, jobID string) (*fetch.Job, error)
	GetResult(ctx context.Context, jobID string) (*fetch.JobResult, error)

	// ListEvents returns up to limit events with id > sinceID, ordered by
	// id. Empty jobID means all jobs.
	ListEvents(ctx context.Context, jobID string, sinceID int64, limit int) ([]fetch.JobEvent, error)

	Close(ctx context.Context) error
}
