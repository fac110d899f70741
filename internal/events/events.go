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

// Package events turns the store's append-only event log into a live tail.
// The store is polled at a bounded interval; the monotonic event ID is the
// only resume cursor. Synthetic heartbeats keep idle consumers alive and are
// never persisted.
package events

import (
	"context"
	"log"
	"time"

	"nimbusfetch/internal/store"
	"nimbusfetch/pkg/fetch"
)

// Config tunes a Stream. Zero values fall back to defaults in NewStream.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	BatchLimit        int
}

// Stream tails the event log.
type Stream struct {
	store  store.Store
	cfg    Config
	logger *log.Logger
}

// NewStream builds a Stream. Poll defaults to 250ms, heartbeat to 15s,
// batch limit to 500.
func NewStream(st store.Store, cfg Config, logger *log.Logger) *Stream {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.HeartbeatInterval < 15*time.Second {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	return &Stream{store: st, cfg: cfg, logger: logger}
}

// Tail yields events with ID > sinceID in ID order until ctx is done. An
// empty jobID tails all jobs. When the log stays quiet past the heartbeat
// interval, a synthetic heartbeat event with ID 0 is yielded. Returning false
// from yield stops the tail.
func (s *Stream) Tail(ctx context.Context, jobID string, sinceID int64, yield func(fetch.JobEvent) bool) error {
	cursor := sinceID
	lastActivity := time.Now()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		batch, err := s.store.ListEvents(ctx, jobID, cursor, s.cfg.BatchLimit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.logger != nil {
				s.logger.Printf("[events] poll failed: %v", err)
			}
		}
		for _, ev := range batch {
			if !yield(ev) {
				return nil
			}
			cursor = ev.ID
			lastActivity = time.Now()
		}

		if len(batch) == 0 && time.Since(lastActivity) >= s.cfg.HeartbeatInterval {
			hb := fetch.JobEvent{
				Type:      fetch.EventHeartbeat,
				Timestamp: time.Now().UTC(),
			}
			if !yield(hb) {
				return nil
			}
			lastActivity = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
