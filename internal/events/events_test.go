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

package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"nimbusfetch/internal/store/sqlite"
	"nimbusfetch/pkg/fetch"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "fetch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func createJob(t *testing.T, s *sqlite.Store, id string) {
	t.Helper()
	err := s.CreateJob(context.Background(), &fetch.Job{
		JobID:      id,
		JobType:    fetch.JobTypeSearchDownload,
		Provider:   fetch.ProviderCopernicus,
		Collection: "SENTINEL-2",
		Request:    json.RawMessage(`{}`),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func TestTailDeliversEventsInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")
	createJob(t, s, "j2")

	stream := NewStream(s, Config{PollInterval: 10 * time.Millisecond}, nil)

	var got []fetch.JobEvent
	done := make(chan error, 1)
	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		done <- stream.Tail(tailCtx, "", 0, func(ev fetch.JobEvent) bool {
			got = append(got, ev)
			return len(got) < 4
		})
	}()

	// Two more events appended while the tail is live.
	if _, err := s.AppendEvent(ctx, "j1", fetch.EventProductsFound, map[string]any{"count": 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendEvent(ctx, "j2", fetch.EventProgress, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail never delivered 4 events")
	}

	if len(got) != 4 {
		t.Fatalf("got %d events", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ID <= got[i-1].ID {
			t.Fatalf("ids not strictly increasing: %d then %d", got[i-1].ID, got[i].ID)
		}
	}
	if got[2].Type != fetch.EventProductsFound || got[3].Type != fetch.EventProgress {
		t.Fatalf("types: %s %s", got[2].Type, got[3].Type)
	}
}

func TestTailFiltersByJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")
	createJob(t, s, "j2")

	stream := NewStream(s, Config{PollInterval: 10 * time.Millisecond}, nil)

	var got []fetch.JobEvent
	tailCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = stream.Tail(tailCtx, "j2", 0, func(ev fetch.JobEvent) bool {
		got = append(got, ev)
		return false
	})

	if len(got) != 1 || got[0].JobID != "j2" {
		t.Fatalf("got %+v", got)
	}
}

func TestTailResumesFromCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")
	id, err := s.AppendEvent(ctx, "j1", fetch.EventProgress, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendEvent(ctx, "j1", fetch.EventSucceeded, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	stream := NewStream(s, Config{PollInterval: 10 * time.Millisecond}, nil)

	var got []fetch.JobEvent
	tailCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = stream.Tail(tailCtx, "", id, func(ev fetch.JobEvent) bool {
		got = append(got, ev)
		return false
	})

	if len(got) != 1 || got[0].Type != fetch.EventSucceeded {
		t.Fatalf("got %+v", got)
	}
}

func TestTailEmitsHeartbeatWhenQuiet(t *testing.T) {
	s := openTestStore(t)
	stream := NewStream(s, Config{PollInterval: 5 * time.Millisecond}, nil)
	// The heartbeat floor is clamped to 15s; shrink it for the test.
	stream.cfg.HeartbeatInterval = 30 * time.Millisecond

	var got []fetch.JobEvent
	tailCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = stream.Tail(tailCtx, "", 0, func(ev fetch.JobEvent) bool {
		got = append(got, ev)
		return false
	})

	if len(got) != 1 || got[0].Type != fetch.EventHeartbeat || got[0].ID != 0 {
		t.Fatalf("got %+v", got)
	}
}
