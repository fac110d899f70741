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

// Package sqlite provides the SQLite-backed job store, including schema
// migrations, the atomic queue claim, owner-checked progress writes, and the
// append-only event log with autoincrement event IDs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"nimbusfetch/internal/store"
	"nimbusfetch/pkg/fetch"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"

	// Fixed-width UTC layout: lexical order equals chronological order,
	// which the claim's ORDER BY created_at relies on.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store wraps a SQLite database connection and implements store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id            TEXT PRIMARY KEY,
  job_type          TEXT NOT NULL,
  provider          TEXT NOT NULL,
  collection        TEXT NOT NULL,
  request_json      TEXT NOT NULL,
  state             TEXT NOT NULL CHECK (state IN ('queued','running','cancel_requested','succeeded','failed','cancelled')),
  progress          REAL NOT NULL DEFAULT 0,
  bytes_downloaded  INTEGER NOT NULL DEFAULT 0,
  bytes_total       INTEGER NULL,
  created_at        TEXT NOT NULL,
  started_at        TEXT NULL,
  finished_at       TEXT NULL,
  last_heartbeat_at TEXT NULL,
  owner_token       TEXT NULL,
  attempt           INTEGER NOT NULL DEFAULT 1,
  errors_json       TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_provider ON jobs(provider);`,

		`CREATE TABLE IF NOT EXISTS job_events (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id    TEXT NOT NULL,
  type      TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  payload   TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id, id);`,

		`CREATE TABLE IF NOT EXISTS job_results (
  job_id              TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
  paths_json          TEXT NOT NULL,
  checksums_json      TEXT NOT NULL,
  metadata_json       TEXT NULL,
  manifest_entry_json TEXT NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// CreateJob inserts the queued job and its job.queued event atomically.
func (s *Store) CreateJob(ctx context.Context, job *fetch.Job) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `
INSERT INTO jobs (job_id, job_type, provider, collection, request_json, state, progress, bytes_downloaded, bytes_total, created_at, started_at, finished_at, last_heartbeat_at, owner_token, attempt, errors_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, NULL);`
		_, err := tx.ExecContext(ctx, ins,
			job.JobID, job.JobType, job.Provider, job.Collection, string(job.Request),
			string(fetch.StateQueued), 0.0, 0, nil, fmtTime(job.CreatedAt), 1)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		_, err = s.appendEventTx(ctx, tx, job.JobID, fetch.EventQueued, map[string]any{
			"job_type":   job.JobType,
			"provider":   job.Provider,
			"collection": job.Collection,
		})
		return err
	})
}

// ClaimNext atomically claims the oldest queued job for workerID.
func (s *Store) ClaimNext(ctx context.Context, workerID string, providers []string) (*fetch.Job, error) {
	now := time.Now().UTC()

	var claimed *fetch.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		sel := `SELECT job_id FROM jobs WHERE state='queued'`
		args := []any{}
		if len(providers) > 0 {
			sel += ` AND provider IN (` + placeholders(len(providers)) + `)`
			for _, p := range providers {
				args = append(args, p)
			}
		}
		sel += ` ORDER BY created_at ASC, job_id ASC LIMIT 1`

		var id string
		err := tx.QueryRowContext(ctx, sel, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNoJob
		}
		if err != nil {
			return fmt.Errorf("select queued job: %w", err)
		}

		const upd = `UPDATE jobs
SET state='running', owner_token=?, started_at=?, last_heartbeat_at=?
WHERE job_id=? AND state='queued'`
		res, err := tx.ExecContext(ctx, upd, workerID, fmtTime(now), fmtTime(now), id)
		if err != nil {
			return fmt.Errorf("claim queued job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return store.ErrNoJob
		}

		if _, err := s.appendEventTx(ctx, tx, id, fetch.EventStarted, map[string]any{
			"worker_id": workerID,
		}); err != nil {
			return err
		}

		j, err := s.getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseToQueue reverses a claim without touching attempt or the event log.
func (s *Store) ReleaseToQueue(ctx context.Context, jobID, workerID string) error {
	const upd = `UPDATE jobs
SET state='queued', owner_token=NULL, started_at=NULL, last_heartbeat_at=NULL
WHERE job_id=? AND owner_token=? AND state='running'`
	res, err := s.db.ExecContext(ctx, upd, jobID, workerID)
	if err != nil {
		return fmt.Errorf("release to queue: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Heartbeat bumps last_heartbeat_at, asserting ownership.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	const upd = `UPDATE jobs
SET last_heartbeat_at=?
WHERE job_id=? AND owner_token=? AND state IN ('running','cancel_requested')`
	res, err := s.db.ExecContext(ctx, upd, fmtTime(time.Now().UTC()), jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateProgress applies one owner-checked byte-accounting write.
func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, p fetch.ProgressUpdate) (bool, error) {
	var total, progress any
	if p.BytesTotal != nil {
		total = *p.BytesTotal
	}
	if p.Progress != nil {
		progress = *p.Progress
	}
	const upd = `UPDATE jobs
SET bytes_downloaded=?, bytes_total=COALESCE(?, bytes_total), progress=COALESCE(?, progress), last_heartbeat_at=?
WHERE job_id=? AND owner_token=? AND state IN ('running','cancel_requested')`
	res, err := s.db.ExecContext(ctx, upd, p.BytesDownloaded, total, progress, fmtTime(time.Now().UTC()), jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RequestCancel transitions queued jobs straight to cancelled and running
// jobs to cancel_requested.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (fetch.CancelOutcome, error) {
	now := time.Now().UTC()
	outcome := fetch.CancelUnknown
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE job_id=?`, jobID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			outcome = fetch.CancelUnknown
			return nil
		}
		if err != nil {
			return fmt.Errorf("read job state: %w", err)
		}

		switch fetch.JobState(state) {
		case fetch.StateQueued:
			const upd = `UPDATE jobs
SET state='cancelled', finished_at=?, owner_token=NULL
WHERE job_id=? AND state='queued'`
			res, err := tx.ExecContext(ctx, upd, fmtTime(now), jobID)
			if err != nil {
				return fmt.Errorf("cancel queued job: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				outcome = fetch.CancelAlreadyTerminal
				return nil
			}
			if _, err := s.appendEventTx(ctx, tx, jobID, fetch.EventCancelled, nil); err != nil {
				return err
			}
			outcome = fetch.CancelApplied
		case fetch.StateRunning:
			const upd = `UPDATE jobs SET state='cancel_requested' WHERE job_id=? AND state='running'`
			res, err := tx.ExecContext(ctx, upd, jobID)
			if err != nil {
				return fmt.Errorf("request cancel: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				outcome = fetch.CancelAlreadyTerminal
				return nil
			}
			if _, err := s.appendEventTx(ctx, tx, jobID, fetch.EventCancelRequested, nil); err != nil {
				return err
			}
			outcome = fetch.CancelApplied
		case fetch.StateCancelRequested:
			// Already pending; no duplicate event.
			outcome = fetch.CancelApplied
		default:
			outcome = fetch.CancelAlreadyTerminal
		}
		return nil
	})
	if err != nil {
		return fetch.CancelUnknown, err
	}
	return outcome, nil
}

// Finish applies a terminal outcome atomically: job row, result (on
// success), and terminal event in one transaction.
func (s *Store) Finish(ctx context.Context, jobID, workerID string, outcome fetch.Outcome) (bool, error) {
	now := time.Now().UTC()
	applied := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		switch outcome.Kind {
		case fetch.OutcomeSucceeded:
			const upd = `UPDATE jobs
SET state='succeeded', progress=100, finished_at=?, owner_token=NULL
WHERE job_id=? AND owner_token=? AND state IN ('running','cancel_requested')`
			res, err := tx.ExecContext(ctx, upd, fmtTime(now), jobID, workerID)
			if err != nil {
				return fmt.Errorf("finish succeeded: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return nil
			}
			if outcome.Result != nil {
				if err := insertResultTx(ctx, tx, outcome.Result); err != nil {
					return err
				}
			}
			payload := map[string]any{}
			if outcome.Result != nil {
				payload["paths"] = len(outcome.Result.Paths)
			}
			if _, err := s.appendEventTx(ctx, tx, jobID, fetch.EventSucceeded, payload); err != nil {
				return err
			}
			applied = true

		case fetch.OutcomeFailed:
			info := fetch.ErrorInfo{Code: fetch.CodeUnknown}
			if outcome.Err != nil {
				info = *outcome.Err
			}
			errorsJSON, err := json.Marshal([]fetch.ErrorInfo{info})
			if err != nil {
				return fmt.Errorf("marshal errors: %w", err)
			}
			const upd = `UPDATE jobs
SET state='failed', finished_at=?, owner_token=NULL, errors_json=?
WHERE job_id=? AND owner_token=? AND state IN ('running','cancel_requested')`
			res, err := tx.ExecContext(ctx, upd, fmtTime(now), string(errorsJSON), jobID, workerID)
			if err != nil {
				return fmt.Errorf("finish failed: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return nil
			}
			payload := map[string]any{"code": info.Code, "message": info.Message}
			if info.Context != nil {
				payload["context"] = info.Context
			}
			if _, err := s.appendEventTx(ctx, tx, jobID, fetch.EventFailed, payload); err != nil {
				return err
			}
			applied = true

		case fetch.OutcomeCancelled:
			const upd = `UPDATE jobs
SET state='cancelled', finished_at=?, owner_token=NULL
WHERE job_id=? AND owner_token=? AND state IN ('running','cancel_requested')`
			res, err := tx.ExecContext(ctx, upd, fmtTime(now), jobID, workerID)
			if err != nil {
				return fmt.Errorf("finish cancelled: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return nil
			}
			if _, err := s.appendEventTx(ctx, tx, jobID, fetch.EventCancelled, nil); err != nil {
				return err
			}
			applied = true

		default:
			return fmt.Errorf("invalid outcome kind: %s", outcome.Kind)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// RequeueIncomplete resets stale running/cancel_requested jobs to queued.
func (s *Store) RequeueIncomplete(ctx context.Context, staleBefore time.Time) (int, error) {
	count := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT job_id, attempt FROM jobs
WHERE state IN ('running','cancel_requested')
  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)
ORDER BY job_id`
		rows, err := tx.QueryContext(ctx, sel, fmtTime(staleBefore.UTC()))
		if err != nil {
			return fmt.Errorf("select stale jobs: %w", err)
		}
		type stale struct {
			id      string
			attempt int
		}
		var found []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.attempt); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale job: %w", err)
			}
			found = append(found, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale jobs: %w", err)
		}

		for _, st := range found {
			const upd = `UPDATE jobs
SET state='queued', owner_token=NULL, started_at=NULL, last_heartbeat_at=NULL,
    progress=0, bytes_downloaded=0, bytes_total=NULL, attempt=attempt+1
WHERE job_id=? AND state IN ('running','cancel_requested')`
			res, err := tx.ExecContext(ctx, upd, st.id)
			if err != nil {
				return fmt.Errorf("requeue job: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			if _, err := s.appendEventTx(ctx, tx, st.id, fetch.EventRequeued, map[string]any{
				"attempt": st.attempt + 1,
			}); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListJobs returns a filtered page plus the total match count, ordered by
// created_at desc then job_id asc.
func (s *Store) ListJobs(ctx context.Context, f store.ListFilter) ([]*fetch.Job, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.State != "" {
		where = append(where, "state=?")
		args = append(args, string(f.State))
	}
	if f.Provider != "" {
		where = append(where, "provider=?")
		args = append(args, f.Provider)
	}
	if f.DateFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(f.DateFrom.UTC()))
	}
	if f.DateTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, fmtTime(f.DateTo.UTC()))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 {
		size = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + cond +
		` ORDER BY created_at DESC, job_id ASC LIMIT ? OFFSET ?`
	args = append(args, size, (page-1)*size)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*fetch.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, total, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*fetch.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetResult retrieves the terminal result for a succeeded job.
func (s *Store) GetResult(ctx context.Context, jobID string) (*fetch.JobResult, error) {
	const q = `SELECT job_id, paths_json, checksums_json, metadata_json, manifest_entry_json FROM job_results WHERE job_id=?`
	var (
		id, pathsJSON, checksumsJSON string
		metadataJSON, manifestJSON   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(&id, &pathsJSON, &checksumsJSON, &metadataJSON, &manifestJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}

	r := &fetch.JobResult{JobID: id}
	if err := json.Unmarshal([]byte(pathsJSON), &r.Paths); err != nil {
		return nil, fmt.Errorf("decode result paths: %w", err)
	}
	if err := json.Unmarshal([]byte(checksumsJSON), &r.Checksums); err != nil {
		return nil, fmt.Errorf("decode result checksums: %w", err)
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode result metadata: %w", err)
		}
	}
	if manifestJSON.Valid {
		if err := json.Unmarshal([]byte(manifestJSON.String), &r.ManifestEntry); err != nil {
			return nil, fmt.Errorf("decode manifest entry: %w", err)
		}
	}
	return r, nil
}

// --------------- Job events ---------------

// AppendEvent appends one event outside any caller transaction.
func (s *Store) AppendEvent(ctx context.Context, jobID, eventType string, payload map[string]any) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.appendEventTx(ctx, tx, jobID, eventType, payload)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListEvents returns up to limit events with id > sinceID in id order.
func (s *Store) ListEvents(ctx context.Context, jobID string, sinceID int64, limit int) ([]fetch.JobEvent, error) {
	q := `SELECT id, job_id, type, timestamp, payload FROM job_events WHERE id > ?`
	args := []any{sinceID}
	if jobID != "" {
		q += ` AND job_id=?`
		args = append(args, jobID)
	}
	q += ` ORDER BY id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []fetch.JobEvent
	for rows.Next() {
		var (
			ev      fetch.JobEvent
			ts      string
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = t
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, jobID, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(b)
	}
	const ins = `INSERT INTO job_events(job_id, type, timestamp, payload) VALUES(?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, ins, jobID, eventType, fmtTime(time.Now().UTC()), payloadJSON)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// --------------- Internal helpers ---------------

const jobColumns = `job_id, job_type, provider, collection, request_json, state, progress, bytes_downloaded, bytes_total, created_at, started_at, finished_at, last_heartbeat_at, owner_token, attempt, errors_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*fetch.Job, error) {
	var (
		j                             fetch.Job
		requestJSON, createdAt, state string
		bytesTotal                    sql.NullInt64
		startedAt, finishedAt         sql.NullString
		lastHeartbeatAt, ownerToken   sql.NullString
		errorsJSON                    sql.NullString
	)
	err := r.Scan(&j.JobID, &j.JobType, &j.Provider, &j.Collection, &requestJSON, &state,
		&j.Progress, &j.BytesDownloaded, &bytesTotal, &createdAt, &startedAt, &finishedAt,
		&lastHeartbeatAt, &ownerToken, &j.Attempt, &errorsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Request = json.RawMessage(requestJSON)
	j.State = fetch.JobState(state)
	if bytesTotal.Valid {
		v := bytesTotal.Int64
		j.BytesTotal = &v
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = t
	if j.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if j.LastHeartbeatAt, err = parseTimePtr(lastHeartbeatAt); err != nil {
		return nil, err
	}
	if ownerToken.Valid {
		j.OwnerToken = ownerToken.String
	}
	if errorsJSON.Valid {
		if err := json.Unmarshal([]byte(errorsJSON.String), &j.Errors); err != nil {
			return nil, fmt.Errorf("decode job errors: %w", err)
		}
	}
	return &j, nil
}

func (s *Store) getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*fetch.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return j, err
}

func insertResultTx(ctx context.Context, tx *sql.Tx, r *fetch.JobResult) error {
	paths, err := json.Marshal(r.Paths)
	if err != nil {
		return fmt.Errorf("marshal result paths: %w", err)
	}
	checksums, err := json.Marshal(r.Checksums)
	if err != nil {
		return fmt.Errorf("marshal result checksums: %w", err)
	}
	var metadata, manifest any
	if r.Metadata != nil {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal result metadata: %w", err)
		}
		metadata = string(b)
	}
	if r.ManifestEntry != nil {
		b, err := json.Marshal(r.ManifestEntry)
		if err != nil {
			return fmt.Errorf("marshal manifest entry: %w", err)
		}
		manifest = string(b)
	}
	const ins = `
INSERT INTO job_results(job_id, paths_json, checksums_json, metadata_json, manifest_entry_json)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
  paths_json=excluded.paths_json,
  checksums_json=excluded.checksums_json,
  metadata_json=excluded.metadata_json,
  manifest_entry_json=excluded.manifest_entry_json;`
	if _, err := tx.ExecContext(ctx, ins, r.JobID, string(paths), string(checksums), metadata, manifest); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
