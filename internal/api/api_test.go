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

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nimbusfetch/internal/events"
	"nimbusfetch/internal/store"
	"nimbusfetch/internal/store/sqlite"
	"nimbusfetch/pkg/fetch"
)

const validBody = `{
	"job_type": "search_download",
	"provider": "copernicus",
	"collection": "SENTINEL-2",
	"product_type": "S2MSI2A",
	"start_date": "2025-01-01",
	"end_date": "2025-01-02",
	"aoi": {"wkt": "POLYGON((0 0,0 1,1 1,1 0,0 0))"}
}`

func newTestAPI(t *testing.T) (*API, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "fetch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	stream := events.NewStream(st, events.Config{PollInterval: 10 * time.Millisecond}, nil)
	a := New(st, stream, Info{RuntimeRole: "all", DBBackend: "sqlite", MetricsEnabled: true}, nil)
	return a, st
}

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store, *API) {
	t.Helper()
	a, st := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st, a
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["db_backend"] != "sqlite" || body["runtime_role"] != "all" {
		t.Fatalf("body = %v", body)
	}
	if body["metrics_enabled"] != true {
		t.Fatalf("metrics_enabled = %v", body["metrics_enabled"])
	}
}

func TestSubmitAndGetJob(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", validBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job_id in %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+jobID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["state"] != string(fetch.StateQueued) {
		t.Fatalf("state = %v", body["state"])
	}
	if body["provider"] != fetch.ProviderCopernicus || body["collection"] != "SENTINEL-2" {
		t.Fatalf("body = %v", body)
	}
	if body["duration_seconds"] != float64(0) {
		t.Fatalf("duration_seconds = %v", body["duration_seconds"])
	}
}

func TestSubmitValidationError(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cases := []string{
		`not json`,
		`{"job_type": "search_download"}`,
		strings.Replace(validBody, "copernicus", "nasa", 1),
		strings.Replace(validBody, `"end_date": "2025-01-02"`, `"end_date": "2024-01-02"`, 1),
	}
	for i, body := range cases {
		resp, decoded := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", body)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("case %d: status = %d body = %v", i, resp.StatusCode, decoded)
		}
		if decoded["error"] != "validation_error" {
			t.Fatalf("case %d: error = %v", i, decoded["error"])
		}
	}
}

func TestBatchSubmit(t *testing.T) {
	srv, st, _ := newTestServer(t)

	body := fmt.Sprintf(`{"jobs": [%s, %s]}`, validBody, validBody)
	resp, decoded := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/batch", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body = %v", resp.StatusCode, decoded)
	}
	ids, _ := decoded["job_ids"].([]any)
	if len(ids) != 2 {
		t.Fatalf("job_ids = %v", decoded)
	}

	// One bad entry rejects the whole batch before anything is created.
	bad := fmt.Sprintf(`{"jobs": [%s, {"job_type": "bogus"}]}`, validBody)
	resp, decoded = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/batch", bad)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %v", resp.StatusCode, decoded)
	}
	_, total, err := st.ListJobs(context.Background(), store.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("total = %d, bad batch must create nothing", total)
	}
}

func TestCancelJob(t *testing.T) {
	srv, st, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/v1/jobs/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	_, created := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", validBody)
	jobID := created["job_id"].(string)

	resp, body := doJSON(t, http.MethodDelete, srv.URL+"/v1/jobs/"+jobID, "")
	if resp.StatusCode != http.StatusOK || body["cancel_requested"] != true {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	job, err := st.GetJob(context.Background(), jobID)
	if err != nil || job.State != fetch.StateCancelled {
		t.Fatalf("state = %v err = %v", job.State, err)
	}

	// Cancelling a terminal job reports false, not an error.
	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/v1/jobs/"+jobID, "")
	if resp.StatusCode != http.StatusOK || body["cancel_requested"] != false {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

func TestGetResult(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	_, created := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", validBody)
	jobID := created["job_id"].(string)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+jobID+"/result", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d for missing result", resp.StatusCode)
	}

	if _, err := st.ClaimNext(ctx, "w1", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err := st.Finish(ctx, jobID, "w1", fetch.Succeeded(&fetch.JobResult{
		JobID:     jobID,
		Paths:     []string{"/data/x/manifest.json"},
		Checksums: map[string]string{"/data/x/manifest.json": "sha256:abc"},
	}))
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+jobID+"/result", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["job_id"] != jobID {
		t.Fatalf("body = %v", body)
	}
	paths, _ := body["paths"].([]any)
	if len(paths) != 1 {
		t.Fatalf("paths = %v", body["paths"])
	}
}

func TestListJobs(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", validBody)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/jobs?state=queued&page=1&page_size=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	items, _ := body["items"].([]any)
	if len(items) != 2 || body["total"] != float64(3) {
		t.Fatalf("items=%d total=%v", len(items), body["total"])
	}
	if body["page"] != float64(1) || body["page_size"] != float64(2) {
		t.Fatalf("paging echo: %v", body)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs?state=sleeping", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d for bad state", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs?date_from=bogus", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d for bad date", resp.StatusCode)
	}
}

func TestEventStreamSSE(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, created := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", validBody)
	jobID := created["job_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?job_id="+jobID, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var frame []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		frame = append(frame, line)
	}
	if len(frame) != 3 {
		t.Fatalf("frame = %v", frame)
	}
	if !strings.HasPrefix(frame[0], "id: ") {
		t.Fatalf("frame[0] = %q", frame[0])
	}
	if frame[1] != "event: "+fetch.EventQueued {
		t.Fatalf("frame[1] = %q", frame[1])
	}
	var ev fetch.JobEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frame[2], "data: ")), &ev); err != nil {
		t.Fatalf("data line: %v", err)
	}
	if ev.JobID != jobID || ev.Type != fetch.EventQueued {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEventStreamRejectsBadCursor(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/events?since=minus-one", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpointToggle(t *testing.T) {
	srv, _, a := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/metrics")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	a.Info.MetricsEnabled = false
	resp, err = http.Get(srv.URL + "/v1/metrics")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d when disabled", resp.StatusCode)
	}
}

func TestRootBannerAndUnknownRoute(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/", "")
	if resp.StatusCode != http.StatusOK || body["name"] != "nimbusfetch" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
