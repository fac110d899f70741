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

// Package download implements the chunked concurrent downloader: bounded
// parallelism, retry with exponential backoff and jitter, a one-shot 401
// token-refresh hook, cooperative cancellation between chunks, and typed
// progress delivery.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nimbusfetch/internal/metrics"
	"nimbusfetch/internal/pathsafe"
	"nimbusfetch/pkg/fetch"
)

// Retryable HTTP statuses per the acquisition providers' documented behavior.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// TokenRefresher returns a fresh Authorization header value after a 401.
type TokenRefresher func(ctx context.Context) (string, error)

// Item is one file to fetch.
type Item struct {
	URL      string
	Filename string
}

// Batch is a set of downloads sharing one credential. Provider names the
// catalog the batch came from, used only for metric labels.
type Batch struct {
	Provider      string
	Items         []Item
	Authorization string
	Refresh       TokenRefresher
}

// Progress reports one chunk landing on disk. FileTotal is nil until a
// Content-Length is seen for the file.
type Progress struct {
	Filename   string
	DeltaBytes int64
	FileBytes  int64
	FileTotal  *int64
}

// Config tunes the manager. Zero values fall back to defaults in New.
type Config struct {
	MaxConcurrency int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ChunkSize      int
}

// Manager downloads batches of URLs into a destination directory.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *log.Logger
}

// New builds a Manager with sane defaults for unset config fields.
func New(cfg Config, logger *log.Logger) *Manager {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   cfg.MaxConcurrency,
	}
	return &Manager{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf("[download] %s", fmt.Sprintf(format, args...))
	}
}

// Fetch downloads every item in the batch into destDir and returns the final
// paths in item order. Any item exhausting its retries cancels the rest and
// fails the batch; files already completed stay on disk for the caller to
// keep or delete. onProgress is invoked serially.
func (m *Manager) Fetch(ctx context.Context, destDir string, batch Batch, onProgress func(Progress)) ([]string, error) {
	if len(batch.Items) == 0 {
		return nil, nil
	}

	auth := &authState{value: batch.Authorization, refresh: batch.Refresh}
	paths := make([]string, len(batch.Items))
	var progressMu sync.Mutex
	emit := func(p Progress) {
		if onProgress == nil {
			return
		}
		progressMu.Lock()
		onProgress(p)
		progressMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)
	for i, item := range batch.Items {
		i, item := i, item
		g.Go(func() error {
			final, err := m.fetchOne(gctx, destDir, batch.Provider, item, auth, emit)
			if err != nil {
				return err
			}
			paths[i] = final
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// fetchOne runs the retry loop for a single URL.
func (m *Manager) fetchOne(ctx context.Context, destDir, providerName string, item Item, auth *authState, emit func(Progress)) (string, error) {
	name := sanitizeFilename(item.Filename, item.URL)
	final := filepath.Join(destDir, name)
	if !pathsafe.Within(destDir, final) {
		return "", fetch.NewJobError(fetch.CodePathViolation,
			fmt.Sprintf("filename %q escapes output directory", item.Filename), nil,
			map[string]any{"url": item.URL})
	}

	var lastErr error
	refreshed := false
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		status, err := m.tryDownload(ctx, item.URL, name, final, auth, emit)
		if err == nil {
			return final, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		lastErr = err

		// A 401 triggers one immediate refresh+retry per URL, without
		// consuming a retry slot.
		if status == http.StatusUnauthorized && auth.refresh != nil && !refreshed {
			refreshed = true
			if rerr := auth.doRefresh(ctx); rerr != nil {
				return "", fetch.NewJobError(fetch.CodeProviderAuthError,
					"token refresh failed", rerr, map[string]any{"url": item.URL})
			}
			attempt--
			continue
		}
		// Transport faults and mid-body read errors carry a 0 or 2xx
		// status; only an HTTP error response can be non-retryable.
		if status >= 300 && !retryableStatus[status] {
			break
		}
		if attempt == m.cfg.MaxRetries {
			break
		}

		metrics.IncDownloadRetry(providerName)
		wait := backoff(m.cfg.BackoffBase, m.cfg.BackoffMax, attempt)
		m.logf("retrying %s in %s (attempt %d/%d): %v", item.URL, wait.Round(time.Millisecond), attempt+1, m.cfg.MaxRetries, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}

	return "", fetch.NewJobError(fetch.CodeDownloadFailed,
		fmt.Sprintf("download failed after retries: %v", lastErr), lastErr,
		map[string]any{"url": item.URL})
}

// tryDownload performs one GET and streams the body to a temp file.
// Returns the HTTP status (0 on transport errors) alongside any error.
func (m *Manager) tryDownload(ctx context.Context, url, name, final string, auth *authState, emit func(Progress)) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if v := auth.current(); v != "" {
		req.Header.Set("Authorization", v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return resp.StatusCode, fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}

	var fileTotal *int64
	if resp.ContentLength >= 0 {
		total := resp.ContentLength
		fileTotal = &total
	}

	tmp := final + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = out.Close()
		_ = os.Remove(tmp)
	}

	var written int64
	buf := make([]byte, m.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return resp.StatusCode, err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				cleanup()
				return resp.StatusCode, fmt.Errorf("write chunk: %w", werr)
			}
			written += int64(n)
			emit(Progress{Filename: name, DeltaBytes: int64(n), FileBytes: written, FileTotal: fileTotal})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cleanup()
			if ctx.Err() != nil {
				return resp.StatusCode, ctx.Err()
			}
			return resp.StatusCode, fmt.Errorf("read body: %w", rerr)
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return resp.StatusCode, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return resp.StatusCode, fmt.Errorf("rename to final: %w", err)
	}
	return resp.StatusCode, nil
}

// authState shares one Authorization value across the batch's goroutines.
type authState struct {
	mu      sync.Mutex
	value   string
	refresh TokenRefresher
}

func (a *authState) current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

func (a *authState) doRefresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, err := a.refresh(ctx)
	if err != nil {
		return err
	}
	a.value = v
	return nil
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func sanitizeFilename(suggested, url string) string {
	name := strings.TrimSpace(suggested)
	if name == "" {
		if i := strings.LastIndex(url, "/"); i >= 0 && i < len(url)-1 {
			name = url[i+1:]
		}
		if j := strings.IndexAny(name, "?#"); j >= 0 {
			name = name[:j]
		}
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "download.bin"
	}
	return name
}
