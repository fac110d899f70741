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

// Package fetch defines the shared data model for acquisition jobs: the job
// lifecycle record, the append-only event log entries, terminal results, and
// the validated submission request union.
package fetch

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateQueued          JobState = "queued"
	StateRunning         JobState = "running"
	StateCancelRequested JobState = "cancel_requested"
	StateSucceeded       JobState = "succeeded"
	StateFailed          JobState = "failed"
	StateCancelled       JobState = "cancelled"
)

// Terminal reports whether no further state change is legal.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateCancelRequested,
		StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Event types appended to the job event log.
const (
	EventQueued          = "job.queued"
	EventStarted         = "job.started"
	EventProductsFound   = "job.products_found"
	EventProgress        = "job.progress"
	EventCancelRequested = "job.cancel_requested"
	EventCancelled       = "job.cancelled"
	EventFailed          = "job.failed"
	EventSucceeded       = "job.succeeded"
	EventRequeued        = "job.requeued_after_restart"

	// EventHeartbeat is synthesized by the event stream to keep SSE
	// connections alive. It is never persisted.
	EventHeartbeat = "heartbeat"
)

// Job is one submission lifecycle record. The store owns it exclusively;
// workers mutate it only through owner-checked store operations.
type Job struct {
	JobID           string          `json:"job_id"`
	Request         json.RawMessage `json:"request"`
	JobType         string          `json:"job_type"`
	Provider        string          `json:"provider"`
	Collection      string          `json:"collection"`
	State           JobState        `json:"state"`
	Progress        float64         `json:"progress"`
	BytesDownloaded int64           `json:"bytes_downloaded"`
	BytesTotal      *int64          `json:"bytes_total,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	OwnerToken      string          `json:"-"`
	Attempt         int             `json:"attempt"`
	Errors          []ErrorInfo     `json:"errors,omitempty"`
}

// DurationSeconds returns the wall-clock duration of the job so far, or of
// its full run when it has finished. Zero before the job starts.
func (j *Job) DurationSeconds(now time.Time) float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	d := end.Sub(*j.StartedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// ErrorInfo is one terminal error descriptor recorded on a failed job.
// The job.failed event payload mirrors it.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// JobEvent is one append-only event log entry. ID is strictly monotonic
// across the whole store and serves as the SSE resume cursor.
type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// JobResult describes the artifacts of a succeeded job. Written once on the
// succeeded transition, never mutated.
type JobResult struct {
	JobID         string            `json:"job_id"`
	Paths         []string          `json:"paths"`
	Checksums     map[string]string `json:"checksums"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	ManifestEntry map[string]any    `json:"manifest_entry,omitempty"`
}

// ProgressUpdate carries one throttled byte-accounting write toward the store.
type ProgressUpdate struct {
	BytesDownloaded int64
	BytesTotal      *int64
	Progress        *float64
}

// CancelOutcome reports what a cancellation request did.
type CancelOutcome string

const (
	CancelApplied         CancelOutcome = "applied"
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
	CancelUnknown         CancelOutcome = "unknown"
)

// OutcomeKind discriminates terminal outcomes handed to Store.Finish.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the terminal disposition of a job run. Result is set for
// succeeded, Err for failed.
type Outcome struct {
	Kind   OutcomeKind
	Result *JobResult
	Err    *ErrorInfo
}

// Succeeded builds a terminal success outcome.
func Succeeded(result *JobResult) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Result: result}
}

// Failed builds a terminal failure outcome.
func Failed(info ErrorInfo) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: &info}
}

// Cancelled builds a terminal cancelled outcome.
func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}
