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

// Package mongo provides the MongoDB-backed job store. The queue claim maps
// onto findOneAndUpdate with a created_at sort; event IDs come from a shared
// counter document so they stay strictly monotonic across workers.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"nimbusfetch/internal/store"
	"nimbusfetch/pkg/fetch"
)

const eventCounterID = "job_events"

// Store implements store.Store on MongoDB.
type Store struct {
	client   *mongo.Client
	jobs     *mongo.Collection
	events   *mongo.Collection
	results  *mongo.Collection
	counters *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Open connects to MongoDB, verifies the connection, and ensures indexes.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:   client,
		jobs:     db.Collection("jobs"),
		events:   db.Collection("job_events"),
		results:  db.Collection("job_results"),
		counters: db.Collection("counters"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	jobIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}}},
	}
	if _, err := s.jobs.Indexes().CreateMany(ctx, jobIdx); err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}
	evIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "id", Value: 1}}},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, evIdx); err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}
	resIdx := mongo.IndexModel{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)}
	if _, err := s.results.Indexes().CreateOne(ctx, resIdx); err != nil {
		return fmt.Errorf("create result index: %w", err)
	}
	return nil
}

// --------------- Documents ---------------

type jobDoc struct {
	JobID           string     `bson:"job_id"`
	JobType         string     `bson:"job_type"`
	Provider        string     `bson:"provider"`
	Collection      string     `bson:"collection"`
	RequestJSON     string     `bson:"request_json"`
	State           string     `bson:"state"`
	Progress        float64    `bson:"progress"`
	BytesDownloaded int64      `bson:"bytes_downloaded"`
	BytesTotal      *int64     `bson:"bytes_total,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
	StartedAt       *time.Time `bson:"started_at,omitempty"`
	FinishedAt      *time.Time `bson:"finished_at,omitempty"`
	LastHeartbeatAt *time.Time `bson:"last_heartbeat_at,omitempty"`
	OwnerToken      string     `bson:"owner_token,omitempty"`
	Attempt         int        `bson:"attempt"`
	ErrorsJSON      string     `bson:"errors_json,omitempty"`
}

type eventDoc struct {
	ID        int64     `bson:"id"`
	JobID     string    `bson:"job_id"`
	Type      string    `bson:"type"`
	Timestamp time.Time `bson:"timestamp"`
	Payload   string    `bson:"payload,omitempty"`
}

type resultDoc struct {
	JobID             string `bson:"job_id"`
	PathsJSON         string `bson:"paths_json"`
	ChecksumsJSON     string `bson:"checksums_json"`
	MetadataJSON      string `bson:"metadata_json,omitempty"`
	ManifestEntryJSON string `bson:"manifest_entry_json,omitempty"`
}

func fromJobDoc(d *jobDoc) (*fetch.Job, error) {
	j := &fetch.Job{
		JobID:           d.JobID,
		JobType:         d.JobType,
		Provider:        d.Provider,
		Collection:      d.Collection,
		Request:         json.RawMessage(d.RequestJSON),
		State:           fetch.JobState(d.State),
		Progress:        d.Progress,
		BytesDownloaded: d.BytesDownloaded,
		BytesTotal:      d.BytesTotal,
		CreatedAt:       d.CreatedAt.UTC(),
		OwnerToken:      d.OwnerToken,
		Attempt:         d.Attempt,
	}
	j.StartedAt = utcPtr(d.StartedAt)
	j.FinishedAt = utcPtr(d.FinishedAt)
	j.LastHeartbeatAt = utcPtr(d.LastHeartbeatAt)
	if d.ErrorsJSON != "" {
		if err := json.Unmarshal([]byte(d.ErrorsJSON), &j.Errors); err != nil {
			return nil, fmt.Errorf("decode job errors: %w", err)
		}
	}
	return j, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// --------------- Jobs ---------------

// CreateJob inserts the queued job, then appends the job.queued event. The
// write concern makes each step durable; a crash between the two leaves a
// queued job without its first event, which the SSE stream tolerates.
func (s *Store) CreateJob(ctx context.Context, job *fetch.Job) error {
	doc := jobDoc{
		JobID:       job.JobID,
		JobType:     job.JobType,
		Provider:    job.Provider,
		Collection:  job.Collection,
		RequestJSON: string(job.Request),
		State:       string(fetch.StateQueued),
		CreatedAt:   job.CreatedAt.UTC(),
		Attempt:     1,
	}
	if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	_, err := s.AppendEvent(ctx, job.JobID, fetch.EventQueued, map[string]any{
		"job_type":   job.JobType,
		"provider":   job.Provider,
		"collection": job.Collection,
	})
	return err
}

// ClaimNext claims the oldest queued job with a single findOneAndUpdate.
func (s *Store) ClaimNext(ctx context.Context, workerID string, providers []string) (*fetch.Job, error) {
	now := time.Now().UTC()
	filter := bson.M{"state": string(fetch.StateQueued)}
	if len(providers) > 0 {
		filter["provider"] = bson.M{"$in": providers}
	}
	update := bson.M{"$set": bson.M{
		"state":             string(fetch.StateRunning),
		"owner_token":       workerID,
		"started_at":        now,
		"last_heartbeat_at": now,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "job_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc jobDoc
	err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if _, err := s.AppendEvent(ctx, doc.JobID, fetch.EventStarted, map[string]any{
		"worker_id": workerID,
	}); err != nil {
		return nil, err
	}
	return fromJobDoc(&doc)
}

// ReleaseToQueue reverses a claim without touching attempt or events.
func (s *Store) ReleaseToQueue(ctx context.Context, jobID, workerID string) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"job_id": jobID, "owner_token": workerID, "state": string(fetch.StateRunning)},
		bson.M{
			"$set":   bson.M{"state": string(fetch.StateQueued)},
			"$unset": bson.M{"owner_token": "", "started_at": "", "last_heartbeat_at": ""},
		})
	if err != nil {
		return fmt.Errorf("release to queue: %w", err)
	}
	if res.ModifiedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Heartbeat bumps last_heartbeat_at, asserting ownership.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	res, err := s.jobs.UpdateOne(ctx, ownerFilter(jobID, workerID),
		bson.M{"$set": bson.M{"last_heartbeat_at": time.Now().UTC()}})
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// UpdateProgress applies one owner-checked byte-accounting write.
func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, p fetch.ProgressUpdate) (bool, error) {
	set := bson.M{
		"bytes_downloaded":  p.BytesDownloaded,
		"last_heartbeat_at": time.Now().UTC(),
	}
	if p.BytesTotal != nil {
		set["bytes_total"] = *p.BytesTotal
	}
	if p.Progress != nil {
		set["progress"] = *p.Progress
	}
	res, err := s.jobs.UpdateOne(ctx, ownerFilter(jobID, workerID), bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// RequestCancel transitions queued jobs straight to cancelled and running
// jobs to cancel_requested, using conditional updates so races resolve to
// whichever write lands first.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (fetch.CancelOutcome, error) {
	now := time.Now().UTC()

	// queued -> cancelled
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"job_id": jobID, "state": string(fetch.StateQueued)},
		bson.M{
			"$set":   bson.M{"state": string(fetch.StateCancelled), "finished_at": now},
			"$unset": bson.M{"owner_token": ""},
		})
	if err != nil {
		return fetch.CancelUnknown, fmt.Errorf("cancel queued job: %w", err)
	}
	if res.ModifiedCount == 1 {
		if _, err := s.AppendEvent(ctx, jobID, fetch.EventCancelled, nil); err != nil {
			return fetch.CancelApplied, err
		}
		return fetch.CancelApplied, nil
	}

	// running -> cancel_requested
	res, err = s.jobs.UpdateOne(ctx,
		bson.M{"job_id": jobID, "state": string(fetch.StateRunning)},
		bson.M{"$set": bson.M{"state": string(fetch.StateCancelRequested)}})
	if err != nil {
		return fetch.CancelUnknown, fmt.Errorf("request cancel: %w", err)
	}
	if res.ModifiedCount == 1 {
		if _, err := s.AppendEvent(ctx, jobID, fetch.EventCancelRequested, nil); err != nil {
			return fetch.CancelApplied, err
		}
		return fetch.CancelApplied, nil
	}

	var doc jobDoc
	err = s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fetch.CancelUnknown, nil
	}
	if err != nil {
		return fetch.CancelUnknown, fmt.Errorf("read job state: %w", err)
	}
	if fetch.JobState(doc.State) == fetch.StateCancelRequested {
		return fetch.CancelApplied, nil
	}
	return fetch.CancelAlreadyTerminal, nil
}

// Finish applies a terminal outcome with an owner-checked conditional write.
func (s *Store) Finish(ctx context.Context, jobID, workerID string, outcome fetch.Outcome) (bool, error) {
	now := time.Now().UTC()
	filter := ownerFilter(jobID, workerID)

	switch outcome.Kind {
	case fetch.OutcomeSucceeded:
		res, err := s.jobs.UpdateOne(ctx, filter, bson.M{
			"$set":   bson.M{"state": string(fetch.StateSucceeded), "progress": 100.0, "finished_at": now},
			"$unset": bson.M{"owner_token": ""},
		})
		if err != nil {
			return false, fmt.Errorf("finish succeeded: %w", err)
		}
		if res.ModifiedCount != 1 {
			return false, nil
		}
		payload := map[string]any{}
		if outcome.Result != nil {
			if err := s.upsertResult(ctx, outcome.Result); err != nil {
				return false, err
			}
			payload["paths"] = len(outcome.Result.Paths)
		}
		if _, err := s.AppendEvent(ctx, jobID, fetch.EventSucceeded, payload); err != nil {
			return true, err
		}
		return true, nil

	case fetch.OutcomeFailed:
		info := fetch.ErrorInfo{Code: fetch.CodeUnknown}
		if outcome.Err != nil {
			info = *outcome.Err
		}
		errorsJSON, err := json.Marshal([]fetch.ErrorInfo{info})
		if err != nil {
			return false, fmt.Errorf("marshal errors: %w", err)
		}
		res, err := s.jobs.UpdateOne(ctx, filter, bson.M{
			"$set":   bson.M{"state": string(fetch.StateFailed), "finished_at": now, "errors_json": string(errorsJSON)},
			"$unset": bson.M{"owner_token": ""},
		})
		if err != nil {
			return false, fmt.Errorf("finish failed: %w", err)
		}
		if res.ModifiedCount != 1 {
			return false, nil
		}
		payload := map[string]any{"code": info.Code, "message": info.Message}
		if info.Context != nil {
			payload["context"] = info.Context
		}
		if _, err := s.AppendEvent(ctx, jobID, fetch.EventFailed, payload); err != nil {
			return true, err
		}
		return true, nil

	case fetch.OutcomeCancelled:
		res, err := s.jobs.UpdateOne(ctx, filter, bson.M{
			"$set":   bson.M{"state": string(fetch.StateCancelled), "finished_at": now},
			"$unset": bson.M{"owner_token": ""},
		})
		if err != nil {
			return false, fmt.Errorf("finish cancelled: %w", err)
		}
		if res.ModifiedCount != 1 {
			return false, nil
		}
		if _, err := s.AppendEvent(ctx, jobID, fetch.EventCancelled, nil); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, fmt.Errorf("invalid outcome kind: %s", outcome.Kind)
}

func (s *Store) upsertResult(ctx context.Context, r *fetch.JobResult) error {
	paths, err := json.Marshal(r.Paths)
	if err != nil {
		return fmt.Errorf("marshal result paths: %w", err)
	}
	checksums, err := json.Marshal(r.Checksums)
	if err != nil {
		return fmt.Errorf("marshal result checksums: %w", err)
	}
	doc := resultDoc{JobID: r.JobID, PathsJSON: string(paths), ChecksumsJSON: string(checksums)}
	if r.Metadata != nil {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal result metadata: %w", err)
		}
		doc.MetadataJSON = string(b)
	}
	if r.ManifestEntry != nil {
		b, err := json.Marshal(r.ManifestEntry)
		if err != nil {
			return fmt.Errorf("marshal manifest entry: %w", err)
		}
		doc.ManifestEntryJSON = string(b)
	}
	_, err = s.results.ReplaceOne(ctx, bson.M{"job_id": r.JobID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// RequeueIncomplete resets stale running/cancel_requested jobs to queued.
func (s *Store) RequeueIncomplete(ctx context.Context, staleBefore time.Time) (int, error) {
	filter := bson.M{
		"state": bson.M{"$in": []string{string(fetch.StateRunning), string(fetch.StateCancelRequested)}},
		"$or": []bson.M{
			{"last_heartbeat_at": bson.M{"$lt": staleBefore.UTC()}},
			{"last_heartbeat_at": bson.M{"$exists": false}},
		},
	}

	count := 0
	for {
		update := bson.M{
			"$set": bson.M{
				"state":            string(fetch.StateQueued),
				"progress":         0.0,
				"bytes_downloaded": int64(0),
			},
			"$unset": bson.M{"owner_token": "", "started_at": "", "last_heartbeat_at": "", "bytes_total": ""},
			"$inc":   bson.M{"attempt": 1},
		}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		var doc jobDoc
		err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("requeue job: %w", err)
		}
		if _, err := s.AppendEvent(ctx, doc.JobID, fetch.EventRequeued, map[string]any{
			"attempt": doc.Attempt,
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ListJobs returns a filtered page plus the total match count.
func (s *Store) ListJobs(ctx context.Context, f store.ListFilter) ([]*fetch.Job, int, error) {
	filter := bson.M{}
	if f.State != "" {
		filter["state"] = string(f.State)
	}
	if f.Provider != "" {
		filter["provider"] = f.Provider
	}
	created := bson.M{}
	if f.DateFrom != nil {
		created["$gte"] = f.DateFrom.UTC()
	}
	if f.DateTo != nil {
		created["$lte"] = f.DateTo.UTC()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	total, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
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
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "job_id", Value: 1}}).
		SetSkip(int64((page - 1) * size)).
		SetLimit(int64(size))

	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer cur.Close(ctx)

	var out []*fetch.Job
	for cur.Next(ctx) {
		var doc jobDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decode job: %w", err)
		}
		j, err := fromJobDoc(&doc)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	if err := cur.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, int(total), nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*fetch.Job, error) {
	var doc jobDoc
	err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return fromJobDoc(&doc)
}

// GetResult retrieves the terminal result for a succeeded job.
func (s *Store) GetResult(ctx context.Context, jobID string) (*fetch.JobResult, error) {
	var doc resultDoc
	err := s.results.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}

	r := &fetch.JobResult{JobID: doc.JobID}
	if err := json.Unmarshal([]byte(doc.PathsJSON), &r.Paths); err != nil {
		return nil, fmt.Errorf("decode result paths: %w", err)
	}
	if err := json.Unmarshal([]byte(doc.ChecksumsJSON), &r.Checksums); err != nil {
		return nil, fmt.Errorf("decode result checksums: %w", err)
	}
	if doc.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(doc.MetadataJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode result metadata: %w", err)
		}
	}
	if doc.ManifestEntryJSON != "" {
		if err := json.Unmarshal([]byte(doc.ManifestEntryJSON), &r.ManifestEntry); err != nil {
			return nil, fmt.Errorf("decode manifest entry: %w", err)
		}
	}
	return r, nil
}

// --------------- Job events ---------------

// AppendEvent allocates the next counter value and inserts the event.
func (s *Store) AppendEvent(ctx context.Context, jobID, eventType string, payload map[string]any) (int64, error) {
	id, err := s.nextEventID(ctx)
	if err != nil {
		return 0, err
	}
	doc := eventDoc{ID: id, JobID: jobID, Type: eventType, Timestamp: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		doc.Payload = string(b)
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

func (s *Store) nextEventID(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": eventCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next event id: %w", err)
	}
	return doc.Seq, nil
}

// ListEvents returns up to limit events with id > sinceID in id order.
func (s *Store) ListEvents(ctx context.Context, jobID string, sinceID int64, limit int) ([]fetch.JobEvent, error) {
	filter := bson.M{"id": bson.M{"$gt": sinceID}}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer cur.Close(ctx)

	var out []fetch.JobEvent
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ev := fetch.JobEvent{ID: doc.ID, JobID: doc.JobID, Type: doc.Type, Timestamp: doc.Timestamp.UTC()}
		if doc.Payload != "" {
			ev.Payload = json.RawMessage(doc.Payload)
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func ownerFilter(jobID, workerID string) bson.M {
	return bson.M{
		"job_id":      jobID,
		"owner_token": workerID,
		"state":       bson.M{"$in": []string{string(fetch.StateRunning), string(fetch.StateCancelRequested)}},
	}
}
