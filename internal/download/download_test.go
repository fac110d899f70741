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

package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nimbusfetch/pkg/fetch"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return New(Config{
		MaxConcurrency: 2,
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		ChunkSize:      16,
	}, nil)
}

func TestFetchHappyPath(t *testing.T) {
	payloadA := strings.Repeat("a", 100)
	payloadB := strings.Repeat("b", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.zip":
			_, _ = w.Write([]byte(payloadA))
		case "/b.zip":
			_, _ = w.Write([]byte(payloadB))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dest := t.TempDir()
	var totalBytes int64
	var sawTotal bool
	paths, err := testManager(t).Fetch(context.Background(), dest, Batch{
		Items: []Item{
			{URL: srv.URL + "/a.zip", Filename: "a.zip"},
			{URL: srv.URL + "/b.zip", Filename: "b.zip"},
		},
	}, func(p Progress) {
		totalBytes += p.DeltaBytes
		if p.FileTotal != nil && *p.FileTotal == 100 {
			sawTotal = true
		}
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v", paths)
	}
	if paths[0] != filepath.Join(dest, "a.zip") {
		t.Fatalf("path order not preserved: %v", paths)
	}
	if totalBytes != 200 {
		t.Fatalf("progress accounted %d bytes", totalBytes)
	}
	if !sawTotal {
		t.Fatal("content-length never surfaced as FileTotal")
	}
	got, err := os.ReadFile(paths[0])
	if err != nil || string(got) != payloadA {
		t.Fatalf("file content: %q err=%v", got, err)
	}
	if entries, _ := os.ReadDir(dest); len(entries) != 2 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	paths, err := testManager(t).Fetch(context.Background(), t.TempDir(), Batch{
		Items: []Item{{URL: srv.URL + "/f", Filename: "f"}},
	}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(paths) != 1 || calls.Load() != 2 {
		t.Fatalf("calls=%d paths=%v", calls.Load(), paths)
	}
}

func TestFetchRefreshesTokenOn401(t *testing.T) {
	var authSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		authSeen = append(authSeen, auth)
		if auth != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	refreshes := 0
	_, err := testManager(t).Fetch(context.Background(), t.TempDir(), Batch{
		Items:         []Item{{URL: srv.URL + "/f", Filename: "f"}},
		Authorization: "Bearer stale",
		Refresh: func(context.Context) (string, error) {
			refreshes++
			return "Bearer fresh", nil
		},
	}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("refreshes = %d", refreshes)
	}
	if len(authSeen) != 2 || authSeen[0] != "Bearer stale" || authSeen[1] != "Bearer fresh" {
		t.Fatalf("auth sequence: %v", authSeen)
	}
}

func TestFetchFailsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testManager(t).Fetch(context.Background(), t.TempDir(), Batch{
		Items: []Item{{URL: srv.URL + "/f", Filename: "f"}},
	}, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	var je *fetch.JobError
	if !errors.As(err, &je) || je.Code != fetch.CodeDownloadFailed {
		t.Fatalf("error class: %v", err)
	}
	// initial attempt + MaxRetries
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestFetchDoesNotRetryHardStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testManager(t).Fetch(context.Background(), t.TempDir(), Batch{
		Items: []Item{{URL: srv.URL + "/f", Filename: "f"}},
	}, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls.Load() != 1 {
		t.Fatalf("404 must not be retried, calls=%d", calls.Load())
	}
}

func TestFetchCancellationRemovesTempFile(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	dest := t.TempDir()
	started := make(chan struct{}, 1)

	go func() {
		<-started
		cancel()
	}()

	_, err := testManager(t).Fetch(ctx, dest, Batch{
		Items: []Item{{URL: srv.URL + "/big", Filename: "big"}},
	}, func(Progress) {
		select {
		case started <- struct{}{}:
		default:
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := os.ReadDir(dest)
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("partial files remain: %v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		suggested, url, want string
	}{
		{"a.zip", "http://h/p", "a.zip"},
		{"", "http://h/dir/file.tif?sig=x", "file.tif"},
		{"../../evil", "http://h/p", "evil"},
		{"", "http://h/", "download.bin"},
	}
	for _, c := range cases {
		if got := sanitizeFilename(c.suggested, c.url); got != c.want {
			t.Errorf("sanitizeFilename(%q, %q) = %q, want %q", c.suggested, c.url, got, c.want)
		}
	}
}

func TestFetchRetriesAfterMidBodyDisconnect(t *testing.T) {
	payload := strings.Repeat("x", 32)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			_, _ = w.Write([]byte(payload))
			return
		}
		// First attempt: promise 32 bytes, deliver 16, then drop the
		// connection so the client sees a mid-body read error.
		w.Header().Set("Content-Length", "32")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(payload[:16]))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server does not support hijacking")
			return
		}
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	dest := t.TempDir()
	paths, err := testManager(t).Fetch(context.Background(), dest, Batch{
		Items: []Item{{URL: srv.URL + "/f.zip", Filename: "f.zip"}},
	}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("server calls = %d, want 2", calls.Load())
	}
	got, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(got) != payload {
		t.Fatalf("content length = %d, want %d", len(got), len(payload))
	}
}
